package subctl

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// SteerState is the position of a run lineage in the steer protocol.
type SteerState int

const (
	SteerRunning SteerState = iota
	SteerRequested
	SteerInterrupted
	SteerDispatched
	SteerFailed
)

func (s SteerState) String() string {
	switch s {
	case SteerRunning:
		return "running"
	case SteerRequested:
		return "steer_requested"
	case SteerInterrupted:
		return "interrupted"
	case SteerDispatched:
		return "dispatched"
	case SteerFailed:
		return "failed"
	default:
		return fmt.Sprintf("SteerState(%d)", int(s))
	}
}

// steer interrupts rec and replaces it with a new run carrying message.
// The run is flagged before the abort so its completion is never
// announced, and the abort and queue clearing finish before the new
// dispatch goes out.
func (c *Controller) steer(ctx context.Context, inv *invocation, rec RunRecord, message string) string {
	label := runName(rec)
	log := c.log.With(zap.String("run_id", rec.RunID), zap.String("child", rec.ChildSessionKey))
	state := SteerRunning
	transition := func(next SteerState) {
		log.Debug("steer transition", zap.Stringer("from", state), zap.Stringer("to", next))
		state = next
	}

	rec, err := c.recheck(ctx, inv, rec)
	if errors.Is(err, ErrAlreadyFinished) {
		return alreadyFinished(label)
	}
	if err != nil {
		return fmt.Sprintf("Failed to steer %s: %v", label, err)
	}

	cctx, cancel := c.callCtx(ctx)
	marked, err := c.registry.MarkForSteerRestart(cctx, rec.RunID)
	cancel()
	if err != nil {
		log.Error("mark for steer restart failed", zap.Error(err))
		return fmt.Sprintf("Failed to steer %s: %v", label, err)
	}
	if !marked {
		return alreadyFinished(label)
	}
	transition(SteerRequested)

	entry, _ := inv.cache.entry(ctx, rec.ChildSessionKey)
	if entry.SessionID != "" {
		actx, acancel := c.callCtx(ctx)
		if err := c.backend.Abort(actx, entry.SessionID); err != nil {
			log.Warn("abort before steer failed", zap.String("session_id", entry.SessionID), zap.Error(err))
		}
		acancel()
	}
	if err := c.clearQueues(ctx, rec.ChildSessionKey, entry.SessionID); err != nil {
		log.Warn("queue clear before steer failed", zap.Error(err))
	}
	transition(SteerInterrupted)

	runID, err := c.dispatch(ctx, rec.ChildSessionKey, message)
	if err != nil {
		transition(SteerFailed)
		log.Error("steer dispatch failed", zap.Error(err))
		return fmt.Sprintf("Failed to steer %s: %v", label, err)
	}
	transition(SteerDispatched)

	fallback := rec.Clone()
	rctx, rcancel := c.callCtx(ctx)
	replaced, err := c.registry.ReplaceAfterSteer(rctx, rec.RunID, runID, &fallback)
	rcancel()
	switch {
	case err != nil:
		log.Error("replace after steer failed", zap.String("next_run_id", runID), zap.Error(err))
	case !replaced:
		log.Warn("registry did not replace steered run", zap.String("next_run_id", runID))
	}
	transition(SteerRunning)

	if replaced {
		next := fallback
		next.RunID = runID
		next.StartedAt = inv.now.UnixMilli()
		next.EndedAt = 0
		next.Outcome = nil
		next.SteerRestart = false
		c.watch(next)
	}

	return fmt.Sprintf("Steered %s (run %s).", label, ShortID(runID))
}
