package subctl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Controller executes subagent commands for parent sessions. It is safe for
// concurrent use; every invocation reads the registry fresh and gets its own
// session store cache.
type Controller struct {
	registry RunRegistry
	backend  Backend
	store    SessionStore
	opts     controllerOptions
	log      *zap.Logger

	// watchers started by Spawn and steer; canceled by Close.
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

// NewController creates a Controller over the given collaborators. store may
// be nil, in which case session metadata is treated as absent.
func NewController(registry RunRegistry, backend Backend, store SessionStore, opts ...Option) *Controller {
	o := resolveOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		registry: registry,
		backend:  backend,
		store:    store,
		opts:     o,
		log:      o.logger,
		baseCtx:  ctx,
		stop:     cancel,
	}
}

// Close stops all run watchers and waits for them to exit.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stop()
	c.wg.Wait()
	return nil
}

// invocation is the per-command state: one clock reading and one cache.
type invocation struct {
	requester string
	caller    Caller
	now       time.Time
	cache     *storeCache
}

func (c *Controller) newInvocation(req Request) *invocation {
	return &invocation{
		requester: req.RequesterSessionKey,
		caller:    req.Caller,
		now:       c.opts.now(),
		cache:     newStoreCache(c.store, c.opts.storePath, c.log),
	}
}

// Handle parses and executes one command. Text that is not a subagent
// command yields Reply{Continue: true}.
func (c *Controller) Handle(ctx context.Context, req Request) Reply {
	cmd, ok := ParseCommand(req.Text)
	if !ok {
		return Reply{Continue: true}
	}
	return c.Execute(ctx, req, cmd)
}

// Execute runs an already parsed command.
func (c *Controller) Execute(ctx context.Context, req Request, cmd Command) Reply {
	log := c.log.With(
		zap.String("requester", req.RequesterSessionKey),
		zap.String("verb", string(cmd.Verb)),
	)
	if !c.authorized(ctx, req.Caller, cmd, log) {
		return Reply{}
	}
	if req.RequesterSessionKey == "" {
		return Reply{Text: "Missing requester session."}
	}

	inv := c.newInvocation(req)
	var text string
	switch cmd.Verb {
	case VerbList:
		text = c.list(ctx, inv)
	case VerbStop:
		text = c.stopCommand(ctx, inv, cmd)
	case VerbInfo:
		text = c.info(ctx, inv, cmd)
	case VerbLog:
		text = c.logCommand(ctx, inv, cmd)
	case VerbSend:
		text = c.sendCommand(ctx, inv, cmd, false)
	case VerbSteer:
		text = c.sendCommand(ctx, inv, cmd, true)
	default:
		text = HelpText
	}
	log.Debug("subagents command handled", zap.String("target", cmd.Target))
	return Reply{Text: text}
}

func (c *Controller) authorized(ctx context.Context, caller Caller, cmd Command, log *zap.Logger) bool {
	if c.opts.authorizer == nil {
		return true
	}
	ok, err := c.opts.authorizer.Authorize(ctx, caller, cmd)
	if err != nil {
		log.Warn("authorizer failed; denying", zap.String("sender", caller.Subject()), zap.Error(err))
		return false
	}
	if !ok {
		log.Info("ignoring subagents command from unauthorized sender", zap.String("sender", caller.Subject()))
	}
	return ok
}

// callCtx bounds one backend or store call.
func (c *Controller) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.callTimeout)
}

// runs reads the requester's runs fresh from the registry.
func (c *Controller) runs(ctx context.Context, inv *invocation) ([]RunRecord, error) {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	runs, err := c.registry.ListRunsForRequester(cctx, inv.requester)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// resolve reads the registry and resolves the command target. The returned
// string is the reply to send when resolution failed.
func (c *Controller) resolve(ctx context.Context, inv *invocation, token string) (RunRecord, string, bool) {
	runs, err := c.runs(ctx, inv)
	if err != nil {
		c.log.Error("registry read failed", zap.String("requester", inv.requester), zap.Error(err))
		return RunRecord{}, "Failed to load subagents: " + err.Error(), false
	}
	rec, err := ResolveTarget(runs, token, inv.now, c.opts.recencyWindow)
	if err != nil {
		return RunRecord{}, err.Error(), false
	}
	return rec, "", true
}

// recheck re-reads the target right before a mutating action. It returns
// ErrAlreadyFinished when the run ended (or vanished) since resolution.
func (c *Controller) recheck(ctx context.Context, inv *invocation, rec RunRecord) (RunRecord, error) {
	runs, err := c.runs(ctx, inv)
	if err != nil {
		return RunRecord{}, err
	}
	for _, r := range runs {
		if r.RunID == rec.RunID {
			if !r.Active() {
				return r, ErrAlreadyFinished
			}
			return r, nil
		}
	}
	return rec, ErrAlreadyFinished
}

// Listing returns the numbered runs for requester as list shows them.
func (c *Controller) Listing(ctx context.Context, requester string) (RunListing, error) {
	inv := c.newInvocation(Request{RequesterSessionKey: requester})
	runs, err := c.runs(ctx, inv)
	if err != nil {
		return RunListing{}, err
	}
	return NumberedRuns(runs, inv.now, c.opts.recencyWindow), nil
}
