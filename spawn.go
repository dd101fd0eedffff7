package subctl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SpawnRequest describes a new subagent run.
type SpawnRequest struct {
	RequesterSessionKey string
	Task                string
	Label               string

	// AgentID selects the child's agent; empty inherits the requester's.
	AgentID       string
	Model         string
	ModelProvider string
	Cleanup       CleanupPolicy

	// ArchiveAfter schedules the record for archiving once it is this old.
	// Zero leaves it unscheduled.
	ArchiveAfter time.Duration
}

// Spawn starts a subagent in a fresh child session, registers its run and
// watches it until it ends. The registry must implement RunRecorder.
func (c *Controller) Spawn(ctx context.Context, req SpawnRequest) (RunRecord, error) {
	if _, ok := c.registry.(RunRecorder); !ok {
		return RunRecord{}, ErrRegistryReadOnly
	}
	if strings.TrimSpace(req.RequesterSessionKey) == "" {
		return RunRecord{}, ErrMissingRequester
	}
	if strings.TrimSpace(req.Task) == "" {
		return RunRecord{}, &UsageError{Usage: "spawn: task is required"}
	}
	if c.baseCtx.Err() != nil {
		return RunRecord{}, ErrControllerClosed
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = AgentIDFromSessionKey(req.RequesterSessionKey)
	}
	childKey := NewChildSessionKey(agentID)
	now := c.opts.now().UnixMilli()

	runID, err := c.dispatch(ctx, childKey, req.Task)
	if err != nil {
		return RunRecord{}, err
	}

	cleanup := req.Cleanup
	if cleanup == "" {
		cleanup = CleanupKeep
	}
	rec := RunRecord{
		RunID:               runID,
		ChildSessionKey:     childKey,
		RequesterSessionKey: req.RequesterSessionKey,
		Label:               strings.TrimSpace(req.Label),
		Task:                req.Task,
		Model:               req.Model,
		ModelProvider:       req.ModelProvider,
		CreatedAt:           now,
		StartedAt:           now,
		Cleanup:             cleanup,
	}
	if req.ArchiveAfter > 0 {
		rec.ArchiveAtMs = now + req.ArchiveAfter.Milliseconds()
	}

	recorder := c.registry.(RunRecorder)
	cctx, cancel := c.callCtx(ctx)
	err = recorder.Register(cctx, rec)
	cancel()
	if err != nil {
		return RunRecord{}, fmt.Errorf("register run: %w", err)
	}
	c.log.Info("subagent spawned",
		zap.String("run_id", rec.RunID),
		zap.String("child", childKey),
		zap.String("requester", rec.RequesterSessionKey))

	c.watch(rec)
	return rec, nil
}

// watch follows rec in the background until it ends, then records the
// outcome. Registries that do not record runs are not watched.
func (c *Controller) watch(rec RunRecord) {
	recorder, ok := c.registry.(RunRecorder)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watchRun(c.baseCtx, recorder, rec)
	}()
}

func (c *Controller) watchRun(ctx context.Context, recorder RunRecorder, rec RunRecord) {
	log := c.log.With(zap.String("run_id", rec.RunID), zap.String("child", rec.ChildSessionKey))
	var (
		res WaitResult
		err error
	)
	for {
		wctx, cancel := context.WithTimeout(ctx, c.opts.watchInterval+c.opts.callTimeout)
		res, err = c.backend.Wait(wctx, rec.RunID, c.opts.watchInterval)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err == nil && (res.Status == WaitTimeout || res.Status == WaitRunning) {
			continue
		}
		break
	}

	outcome := Outcome{Status: OutcomeOK}
	switch {
	case err != nil:
		log.Warn("run wait failed", zap.Error(err))
		outcome = Outcome{Status: OutcomeUnknown, Error: err.Error()}
	case res.Status == WaitError:
		outcome = Outcome{Status: OutcomeError, Error: res.Error}
	}
	endedAt := res.EndedAt
	if endedAt == 0 {
		endedAt = c.opts.now().UnixMilli()
	}

	cctx, cancel := c.callCtx(ctx)
	announce, err := recorder.Complete(cctx, rec.RunID, endedAt, outcome)
	cancel()
	if err != nil {
		log.Error("recording run completion failed", zap.Error(err))
		return
	}
	log.Debug("run finished", zap.String("status", string(outcome.Status)), zap.Bool("announce", announce))
	if !announce || c.opts.announcer == nil {
		return
	}
	rec.EndedAt = endedAt
	rec.Outcome = &outcome
	c.opts.announcer(ctx, rec)
}
