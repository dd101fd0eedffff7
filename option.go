package subctl

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Option configures a Controller via the functional options pattern.
type Option func(*controllerOptions)

// Announcer delivers a finished run's result to its requester. It is only
// called for runs that were not superseded by a steer.
type Announcer func(ctx context.Context, rec RunRecord)

// controllerOptions holds all configurable fields set via Option functions.
type controllerOptions struct {
	logger         *zap.Logger
	authorizer     Authorizer
	now            func() time.Time
	recencyWindow  time.Duration
	sendTimeout    time.Duration
	callTimeout    time.Duration
	watchInterval  time.Duration
	logLimit       int
	storePath      StorePathFunc
	idempotencyKey func() string
	announcer      Announcer
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (o *controllerOptions) applyDefaults() {
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.recencyWindow <= 0 {
		o.recencyWindow = DefaultRecencyWindow
	}
	if o.sendTimeout <= 0 {
		o.sendTimeout = DefaultSendTimeout
	}
	if o.callTimeout <= 0 {
		o.callTimeout = DefaultCallTimeout
	}
	if o.watchInterval <= 0 {
		o.watchInterval = DefaultWatchInterval
	}
	if o.logLimit <= 0 {
		o.logLimit = DefaultLogLimit
	}
	o.logLimit = min(o.logLimit, MaxLogLimit)
	if o.storePath == nil {
		o.storePath = StorePathInDir("sessions")
	}
	if o.idempotencyKey == nil {
		o.idempotencyKey = NewIdempotencyKey
	}
}

// resolveOptions applies all option functions and fills defaults.
func resolveOptions(opts []Option) controllerOptions {
	var o controllerOptions
	for _, fn := range opts {
		fn(&o)
	}
	o.applyDefaults()
	return o
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *controllerOptions) { o.logger = l }
}

// WithAuthorizer restricts who may run commands. Nil allows everyone.
func WithAuthorizer(a Authorizer) Option {
	return func(o *controllerOptions) { o.authorizer = a }
}

// WithClock overrides the time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(o *controllerOptions) { o.now = now }
}

// WithRecencyWindow sets how long ended runs stay listed and indexable.
func WithRecencyWindow(d time.Duration) Option {
	return func(o *controllerOptions) { o.recencyWindow = d }
}

// WithSendTimeout sets how long send waits for the child's reply.
func WithSendTimeout(d time.Duration) Option {
	return func(o *controllerOptions) { o.sendTimeout = d }
}

// WithCallTimeout bounds each backend and session store call.
func WithCallTimeout(d time.Duration) Option {
	return func(o *controllerOptions) { o.callTimeout = d }
}

// WithWatchInterval sets the per-call wait used by run watchers.
func WithWatchInterval(d time.Duration) Option {
	return func(o *controllerOptions) { o.watchInterval = d }
}

// WithLogLimit sets how many messages log shows when no limit is given.
func WithLogLimit(n int) Option {
	return func(o *controllerOptions) { o.logLimit = n }
}

// WithStorePath sets how session keys map to session store paths.
func WithStorePath(fn StorePathFunc) Option {
	return func(o *controllerOptions) { o.storePath = fn }
}

// WithStoreDir lays session stores out as <dir>/<agentId>/sessions.json.
func WithStoreDir(dir string) Option {
	return func(o *controllerOptions) { o.storePath = StorePathInDir(dir) }
}

// WithIdempotencyKeys overrides dispatch key generation (for testing).
func WithIdempotencyKeys(fn func() string) Option {
	return func(o *controllerOptions) { o.idempotencyKey = fn }
}

// WithAnnouncer sets the callback that reports finished spawned runs.
func WithAnnouncer(fn Announcer) Option {
	return func(o *controllerOptions) { o.announcer = fn }
}
