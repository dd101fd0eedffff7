package subctl

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/armatrix/subctl/internal/format"
)

func (c *Controller) stopCommand(ctx context.Context, inv *invocation, cmd Command) string {
	if cmd.Target == "" {
		return UsageStop
	}
	if cmd.Target == "all" || cmd.Target == "*" {
		return c.stopAllCommand(ctx, inv)
	}

	rec, msg, ok := c.resolve(ctx, inv, cmd.Target)
	if !ok {
		return msg
	}
	label := runName(rec)
	if !rec.Active() {
		return alreadyFinished(label)
	}
	rec, err := c.recheck(ctx, inv, rec)
	if errors.Is(err, ErrAlreadyFinished) {
		return alreadyFinished(label)
	}
	if err != nil {
		return fmt.Sprintf("Failed to stop %s: %v", label, err)
	}

	cascaded, err := c.stopRun(ctx, inv, rec)
	if err != nil {
		return fmt.Sprintf("Failed to stop %s: %v", label, err)
	}
	if cascaded > 0 {
		return fmt.Sprintf("Stopped %s (and %d nested %s).", label, cascaded, plural(cascaded, "subagent"))
	}
	return fmt.Sprintf("Stopped %s.", label)
}

func (c *Controller) stopAllCommand(ctx context.Context, inv *invocation) string {
	n, err := c.stopTree(ctx, inv.requester)
	if err != nil {
		c.log.Error("stop all failed", zap.String("requester", inv.requester), zap.Error(err))
		return "Failed to stop subagents: " + err.Error()
	}
	if n == 0 {
		return "No active subagents to stop."
	}
	return fmt.Sprintf("Stopped %d %s.", n, plural(n, "subagent"))
}

// stopRun interrupts an active run, records it as killed when the
// registry records completions, and returns how many of its own subagents
// were stopped with it. Only a failed abort is an error; the remaining
// cleanup is best effort.
func (c *Controller) stopRun(ctx context.Context, inv *invocation, rec RunRecord) (int, error) {
	log := c.log.With(zap.String("run_id", rec.RunID), zap.String("child", rec.ChildSessionKey))
	entry, _ := inv.cache.entry(ctx, rec.ChildSessionKey)

	if entry.SessionID != "" {
		cctx, cancel := c.callCtx(ctx)
		err := c.backend.Abort(cctx, entry.SessionID)
		cancel()
		if err != nil {
			return 0, &BackendError{Op: "abort", Err: err}
		}
	}

	if recorder, ok := c.registry.(RunRecorder); ok {
		cctx, cancel := c.callCtx(ctx)
		_, err := recorder.Complete(cctx, rec.RunID, inv.now.UnixMilli(), Outcome{Status: OutcomeKilled})
		cancel()
		if err != nil {
			log.Warn("recording stopped run failed", zap.Error(err))
		}
	}

	var (
		g        errgroup.Group
		cascaded int
	)
	g.Go(func() error {
		return c.clearQueues(ctx, rec.ChildSessionKey, entry.SessionID)
	})
	g.Go(func() error {
		return c.markAborted(ctx, inv, rec.ChildSessionKey)
	})
	g.Go(func() error {
		n, err := c.stopTree(ctx, rec.ChildSessionKey)
		cascaded = n
		if err != nil {
			return fmt.Errorf("cascade stop: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Warn("stop cleanup incomplete", zap.Error(err))
	}
	log.Info("subagent stopped", zap.Int("cascaded", cascaded))
	return cascaded, nil
}

// stopTree stops every active run requested by key and, level by level,
// the active runs requested by those runs' child sessions. It returns how
// many runs were stopped in total.
func (c *Controller) stopTree(ctx context.Context, key string) (int, error) {
	seen := map[string]bool{key: true}
	pending := []string{key}
	total := 0
	for len(pending) > 0 {
		k := pending[0]
		pending = pending[1:]

		cctx, cancel := c.callCtx(ctx)
		runs, err := c.registry.ListRunsForRequester(cctx, k)
		cancel()
		if err != nil {
			return total, fmt.Errorf("list runs: %w", err)
		}
		var children []string
		for _, r := range runs {
			if r.Active() && r.ChildSessionKey != "" && !seen[r.ChildSessionKey] {
				seen[r.ChildSessionKey] = true
				children = append(children, r.ChildSessionKey)
			}
		}

		cctx, cancel = c.callCtx(ctx)
		n, err := c.registry.StopAll(cctx, k)
		cancel()
		if err != nil {
			return total, err
		}
		total += n
		pending = append(pending, children...)
	}
	return total, nil
}

// clearQueues drops queued follow-ups addressed to any of keys, when the
// backend queues work at all.
func (c *Controller) clearQueues(ctx context.Context, keys ...string) error {
	qc, ok := c.backend.(QueueClearer)
	if !ok {
		return nil
	}
	var nonEmpty []string
	for _, k := range keys {
		if k != "" {
			nonEmpty = append(nonEmpty, k)
		}
	}
	if len(nonEmpty) == 0 {
		return nil
	}
	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	res, err := qc.ClearQueues(cctx, nonEmpty...)
	if err != nil {
		return &BackendError{Op: "clear queues", Err: err}
	}
	if res.Followups > 0 || res.Lanes > 0 {
		c.log.Debug("cleared queued work",
			zap.Strings("keys", nonEmpty),
			zap.Int("followups", res.Followups),
			zap.Int("lanes", res.Lanes))
	}
	return nil
}

// markAborted records the abort on the child's session entry. Sessions the
// store has never seen are left alone.
func (c *Controller) markAborted(ctx context.Context, inv *invocation, key string) error {
	if c.store == nil {
		return nil
	}
	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	err := c.store.Update(cctx, c.opts.storePath(key), func(entries map[string]*SessionEntry) error {
		e := entries[key]
		if e == nil {
			return nil
		}
		e.AbortedLastRun = true
		e.UpdatedAt = inv.now.UnixMilli()
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark aborted: %w", err)
	}
	return nil
}

func alreadyFinished(label string) string {
	return label + " is already finished."
}

// runName is the label used in replies.
func runName(rec RunRecord) string {
	if l := rec.DisplayLabel(); l != "" {
		return format.Truncate(format.OneLine(l), maxLabelRunes)
	}
	return ShortID(rec.RunID)
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
