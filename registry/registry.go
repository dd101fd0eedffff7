package registry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/armatrix/subctl"
)

// Sentinel errors for the registry package.
var (
	ErrMissingRunID = errors.New("registry: run id is required")
	ErrDuplicateRun = errors.New("registry: run already registered")
	ErrChildActive  = errors.New("registry: child session already has an active run")
)

// StopFunc is called for every run StopAll ended, outside any registry
// lock. Backends use it to abort the stopped sessions.
type StopFunc func(ctx context.Context, rec subctl.RunRecord)

// Option configures a registry.
type Option func(*options)

type options struct {
	onStop StopFunc
	now    func() time.Time
	logger *zap.Logger
}

func resolveOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

// WithStopHook sets the function called for each run stopped by StopAll.
func WithStopHook(fn StopFunc) Option {
	return func(o *options) { o.onStop = fn }
}

// WithClock overrides the time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// successor builds the run that replaces base after a steer.
func successor(base subctl.RunRecord, nextRunID string, now int64) subctl.RunRecord {
	next := base.Clone()
	next.RunID = nextRunID
	next.CreatedAt = now
	next.StartedAt = now
	next.EndedAt = 0
	next.Outcome = nil
	next.SteerRestart = false
	next.CleanupHandled = false
	return next
}

func (o options) stopped(ctx context.Context, recs []subctl.RunRecord) {
	if o.onStop == nil {
		return
	}
	for _, r := range recs {
		o.onStop(ctx, r)
	}
}
