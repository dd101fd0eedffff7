package subctl

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// sendCommand handles both send and steer; steer interrupts the target
// first and does not wait for the reply.
func (c *Controller) sendCommand(ctx context.Context, inv *invocation, cmd Command, steer bool) string {
	usage := UsageSend
	if steer {
		usage = UsageSteer
	}
	if cmd.Target == "" || cmd.Message == "" {
		return usage
	}

	rec, msg, ok := c.resolve(ctx, inv, cmd.Target)
	if !ok {
		return msg
	}
	if !rec.Active() {
		return alreadyFinished(runName(rec))
	}
	if steer {
		return c.steer(ctx, inv, rec, cmd.Message)
	}
	return c.send(ctx, inv, rec, cmd.Message)
}

// send dispatches message into the child session and waits, bounded by the
// send timeout, for the child's reply.
func (c *Controller) send(ctx context.Context, inv *invocation, rec RunRecord, message string) string {
	label := runName(rec)
	rec, err := c.recheck(ctx, inv, rec)
	if errors.Is(err, ErrAlreadyFinished) {
		return alreadyFinished(label)
	}
	if err != nil {
		return fmt.Sprintf("Failed to send to %s: %v", label, err)
	}

	runID, err := c.dispatch(ctx, rec.ChildSessionKey, message)
	if err != nil {
		return fmt.Sprintf("Failed to send to %s: %v", label, err)
	}
	log := c.log.With(zap.String("run_id", runID), zap.String("child", rec.ChildSessionKey))

	wctx, cancel := context.WithTimeout(ctx, c.opts.sendTimeout+c.opts.callTimeout)
	res, err := c.backend.Wait(wctx, runID, c.opts.sendTimeout)
	cancel()
	switch {
	case errors.Is(err, ErrWaitTimeout), errors.Is(err, context.DeadlineExceeded):
		return stillRunning(runID)
	case err != nil:
		log.Warn("wait failed", zap.Error(err))
		return "Subagent error: " + err.Error()
	case res.Status == WaitTimeout || res.Status == WaitRunning:
		return stillRunning(runID)
	case res.Status == WaitError:
		if res.Error == "" {
			res.Error = "unknown error"
		}
		return "Subagent error: " + res.Error
	}

	hctx, hcancel := c.callCtx(ctx)
	defer hcancel()
	msgs, err := c.backend.History(hctx, rec.ChildSessionKey, SendHistoryLimit)
	if err != nil {
		log.Warn("history fetch after send failed", zap.Error(err))
	}
	if reply := LastAssistantText(msgs); reply != "" {
		return reply
	}
	return fmt.Sprintf("Sent to %s (run %s).", label, ShortID(runID))
}

// dispatch starts a turn in the child session on the subagent lane with
// delivery suppressed. The returned run id falls back to the idempotency
// key when the backend does not assign one.
func (c *Controller) dispatch(ctx context.Context, childKey, message string) (string, error) {
	key := c.opts.idempotencyKey()
	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	res, err := c.backend.Dispatch(cctx, DispatchRequest{
		Message:        message,
		SessionKey:     childKey,
		IdempotencyKey: key,
		Deliver:        false,
		Channel:        ChannelInternal,
		Lane:           LaneSubagent,
	})
	if err != nil {
		return "", &BackendError{Op: "dispatch", Err: err}
	}
	if res.RunID == "" {
		return key, nil
	}
	return res.RunID, nil
}

func stillRunning(runID string) string {
	return fmt.Sprintf("Subagent still running (run %s).", ShortID(runID))
}
