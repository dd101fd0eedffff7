package subctl

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// BackendStopHook returns a registry stop hook that interrupts each run a
// registry stopped on its own (stop all, cascades). It clears the child's
// queued work, then aborts it by the backend session id from the store,
// falling back to the child session key, and marks the entry aborted.
// store may be nil.
func BackendStopHook(backend Backend, store SessionStore, pathOf StorePathFunc, logger *zap.Logger) func(ctx context.Context, rec RunRecord) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pathOf == nil {
		pathOf = StorePathInDir("sessions")
	}
	return func(ctx context.Context, rec RunRecord) {
		log := logger.With(zap.String("run_id", rec.RunID), zap.String("child", rec.ChildSessionKey))
		key := rec.ChildSessionKey
		path := pathOf(key)

		var entry SessionEntry
		if store != nil {
			entries, err := store.Load(ctx, path)
			if err != nil {
				log.Warn("stop hook: session store load failed", zap.Error(err))
			}
			entry = entries[key]
		}

		if qc, ok := backend.(QueueClearer); ok {
			keys := []string{key}
			if entry.SessionID != "" {
				keys = append(keys, entry.SessionID)
			}
			if _, err := qc.ClearQueues(ctx, keys...); err != nil {
				log.Warn("stop hook: clear queues failed", zap.Error(err))
			}
		}

		target := entry.SessionID
		if target == "" {
			target = key
		}
		if err := backend.Abort(ctx, target); err != nil && !errors.Is(err, ErrUnknownSession) {
			log.Warn("stop hook: abort failed", zap.String("target", target), zap.Error(err))
		}

		if store == nil || entry.SessionID == "" {
			return
		}
		err := store.Update(ctx, path, func(entries map[string]*SessionEntry) error {
			if e := entries[key]; e != nil {
				e.AbortedLastRun = true
				e.UpdatedAt = rec.EndedAt
			}
			return nil
		})
		if err != nil {
			log.Warn("stop hook: mark aborted failed", zap.Error(err))
		}
	}
}
