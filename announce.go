package subctl

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/armatrix/subctl/internal/format"
)

// maxAnnounceRunes caps the child reply quoted in an announcement.
const maxAnnounceRunes = 4000

// AnnounceMessage renders the note posted to the requester when rec ends.
// reply is the child's final assistant text, possibly empty.
func AnnounceMessage(rec RunRecord, reply string) string {
	label := rec.DisplayLabel()
	status := OutcomeOK
	var errText string
	if rec.Outcome != nil {
		status = rec.Outcome.Status
		errText = rec.Outcome.Error
	}

	var head string
	switch status {
	case OutcomeOK:
		head = fmt.Sprintf("Subagent %s finished.", label)
	case OutcomeError:
		head = fmt.Sprintf("Subagent %s failed: %s", label, format.OneLine(errText))
	default:
		head = fmt.Sprintf("Subagent %s ended (%s).", label, status)
	}
	if reply == "" {
		return head
	}
	return head + "\n\n" + format.Truncate(reply, maxAnnounceRunes)
}

// BackendAnnouncer returns an Announcer that reads the child's final reply
// and dispatches it into the requester's session on the main lane.
func BackendAnnouncer(backend Backend, logger *zap.Logger) Announcer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, rec RunRecord) {
		log := logger.With(zap.String("run_id", rec.RunID), zap.String("requester", rec.RequesterSessionKey))

		cctx, cancel := context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
		msgs, err := backend.History(cctx, rec.ChildSessionKey, SendHistoryLimit)
		if err != nil {
			log.Warn("announce: read child history", zap.Error(err))
		}
		_, err = backend.Dispatch(cctx, DispatchRequest{
			Message:        AnnounceMessage(rec, LastAssistantText(msgs)),
			SessionKey:     rec.RequesterSessionKey,
			IdempotencyKey: "announce:" + rec.RunID,
			Deliver:        true,
			Lane:           LaneMain,
		})
		if err != nil {
			log.Error("announce: dispatch to requester", zap.Error(err))
			return
		}
		log.Debug("subagent result announced")
	}
}
