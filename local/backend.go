package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"go.uber.org/zap"

	"github.com/armatrix/subctl"
	"github.com/armatrix/subctl/session"
)

// Sentinel errors for the local package.
var (
	ErrClosed         = errors.New("local: backend closed")
	ErrMissingSession = errors.New("local: session key is required")
)

// Wait errors for runs that did not complete a turn.
const (
	ErrTextAborted = "aborted"
	ErrTextCleared = "cleared from queue"
	ErrTextClosed  = "backend closed"
)

const (
	// maxFinishedRuns bounds how many finished runs stay waitable.
	maxFinishedRuns = 1024

	persistTimeout = 10 * time.Second
)

type run struct {
	id      string
	key     string
	message string
	cancel  context.CancelFunc
	done    chan struct{}
	result  subctl.WaitResult
}

// lane is one session key's serial execution queue.
type lane struct {
	key       string
	sessionID string
	file      string
	history   []anthropic.MessageParam
	active    *run
	queue     []*run
}

// Backend executes turns in-process. It is safe for concurrent use.
type Backend struct {
	streamer MessageStreamer
	store    subctl.SessionStore
	opts     options
	log      *zap.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	lanes    map[string]*lane
	ids      map[string]string
	runs     map[string]*run
	idem     map[string]string
	finished []string
}

var (
	_ subctl.Backend      = (*Backend)(nil)
	_ subctl.QueueClearer = (*Backend)(nil)
)

// New creates a Backend. store may be nil, in which case nothing is
// persisted beyond transcripts.
func New(streamer MessageStreamer, store subctl.SessionStore, opts ...Option) *Backend {
	o := resolveOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &Backend{
		streamer: streamer,
		store:    store,
		opts:     o,
		log:      o.logger,
		baseCtx:  ctx,
		stop:     cancel,
		lanes:    make(map[string]*lane),
		ids:      make(map[string]string),
		runs:     make(map[string]*run),
		idem:     make(map[string]string),
	}
}

// Close aborts every active run, fails queued ones and waits for the
// workers to exit.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	now := b.opts.now().UnixMilli()
	for _, l := range b.lanes {
		for _, r := range l.queue {
			b.endLocked(r, subctl.WaitResult{Status: subctl.WaitError, Error: ErrTextClosed, EndedAt: now})
		}
		l.queue = nil
	}
	b.mu.Unlock()
	b.stop()
	b.wg.Wait()
	return nil
}

// Dispatch queues message on req.SessionKey's lane and returns the new run
// id. A repeated idempotency key returns the run it created first.
func (b *Backend) Dispatch(ctx context.Context, req subctl.DispatchRequest) (subctl.DispatchResult, error) {
	if req.SessionKey == "" {
		return subctl.DispatchResult{}, ErrMissingSession
	}

	b.mu.Lock()
	_, known := b.lanes[req.SessionKey]
	b.mu.Unlock()
	var restored *lane
	if !known {
		restored = b.restore(ctx, req.SessionKey)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return subctl.DispatchResult{}, ErrClosed
	}
	if id, ok := b.idem[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		b.mu.Unlock()
		return subctl.DispatchResult{RunID: id}, nil
	}

	l, ok := b.lanes[req.SessionKey]
	created := false
	if !ok {
		l = restored
		if l == nil {
			id := b.opts.newSessionID()
			l = &lane{key: req.SessionKey, sessionID: id, file: filepath.Join(b.opts.transcriptDir, id+".json")}
			created = true
		}
		b.lanes[l.key] = l
		b.ids[l.sessionID] = l.key
	}
	sessionID, file := l.sessionID, l.file

	r := &run{id: b.opts.newRunID(), key: l.key, message: req.Message, done: make(chan struct{})}
	b.runs[r.id] = r
	if req.IdempotencyKey != "" {
		b.idem[req.IdempotencyKey] = r.id
	}
	if l.active == nil {
		b.startLocked(l, r)
	} else {
		l.queue = append(l.queue, r)
	}
	queued := len(l.queue)
	b.mu.Unlock()

	// The session id must be in the store before the caller can act on the
	// run, since stop and steer abort by it.
	if created {
		b.register(ctx, req.SessionKey, sessionID, file)
	}
	b.log.Debug("run dispatched",
		zap.String("session_key", req.SessionKey),
		zap.String("run_id", r.id),
		zap.Int("queued", queued))
	return subctl.DispatchResult{RunID: r.id}, nil
}

// register records a new lane's session id and transcript path.
func (b *Backend) register(ctx context.Context, key, sessionID, file string) {
	if b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	err := b.store.Update(ctx, b.opts.storePath(key), func(entries map[string]*subctl.SessionEntry) error {
		e := entries[key]
		if e == nil {
			e = &subctl.SessionEntry{}
			entries[key] = e
		}
		e.SessionID = sessionID
		e.SessionFile = file
		e.Model = string(b.opts.model)
		e.UpdatedAt = b.opts.now().UnixMilli()
		return nil
	})
	if err != nil {
		b.log.Warn("session store register failed", zap.String("session_key", key), zap.Error(err))
	}
}

// restore rebuilds a lane from the session store entry and its transcript,
// so a restarted process keeps the child's history. nil means start fresh.
func (b *Backend) restore(ctx context.Context, key string) *lane {
	if b.store == nil {
		return nil
	}
	entries, err := b.store.Load(ctx, b.opts.storePath(key))
	if err != nil {
		b.log.Warn("session store load failed", zap.String("session_key", key), zap.Error(err))
		return nil
	}
	e, ok := entries[key]
	if !ok || e.SessionID == "" || e.SessionFile == "" {
		return nil
	}
	t, err := session.LoadTranscript(e.SessionFile)
	if errors.Is(err, os.ErrNotExist) {
		// Registered but no turn finished yet.
		return &lane{key: key, sessionID: e.SessionID, file: e.SessionFile}
	}
	if err != nil {
		b.log.Warn("transcript unavailable; starting fresh",
			zap.String("session_key", key), zap.String("file", e.SessionFile), zap.Error(err))
		return nil
	}
	return &lane{key: key, sessionID: e.SessionID, file: e.SessionFile, history: t.Messages}
}

func (b *Backend) startLocked(l *lane, r *run) {
	ctx, cancel := context.WithCancel(b.baseCtx)
	r.cancel = cancel
	r.result.StartedAt = b.opts.now().UnixMilli()
	l.active = r
	b.wg.Add(1)
	go b.execute(ctx, l, r)
}

func (b *Backend) execute(ctx context.Context, l *lane, r *run) {
	defer b.wg.Done()
	defer r.cancel()

	b.mu.Lock()
	l.history = append(l.history, anthropic.NewUserMessage(anthropic.NewTextBlock(r.message)))
	startedAt := r.result.StartedAt
	b.mu.Unlock()

	usage, err := b.turn(ctx, l)
	res := subctl.WaitResult{Status: subctl.WaitDone, StartedAt: startedAt}
	switch {
	case ctx.Err() != nil:
		res.Status, res.Error = subctl.WaitError, ErrTextAborted
	case err != nil:
		res.Status, res.Error = subctl.WaitError, err.Error()
	}

	b.mu.Lock()
	snapshot := slices.Clone(l.history)
	b.mu.Unlock()

	b.persist(l, usage, snapshot)
	res.EndedAt = b.opts.now().UnixMilli()
	b.log.Debug("run finished",
		zap.String("session_key", l.key),
		zap.String("run_id", r.id),
		zap.String("status", string(res.Status)),
		zap.String("error", res.Error))
	b.finish(l, r, res)
}

// persist writes the transcript and folds the turn's usage into the
// session store entry. Failures are logged; the run result stands.
func (b *Backend) persist(l *lane, usage anthropic.Usage, msgs []anthropic.MessageParam) {
	now := b.opts.now()
	if err := session.SaveTranscript(l.file, session.Transcript{
		SessionID:  l.sessionID,
		SessionKey: l.key,
		Messages:   msgs,
		UpdatedAt:  now,
	}); err != nil {
		b.log.Warn("save transcript failed", zap.String("file", l.file), zap.Error(err))
	}
	if b.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := b.store.Update(ctx, b.opts.storePath(l.key), func(entries map[string]*subctl.SessionEntry) error {
		e := entries[l.key]
		if e == nil {
			e = &subctl.SessionEntry{}
			entries[l.key] = e
		}
		e.SessionID = l.sessionID
		e.SessionFile = l.file
		e.Model = string(b.opts.model)
		e.InputTokens += usage.InputTokens
		e.OutputTokens += usage.OutputTokens
		e.TotalTokens = e.InputTokens + e.OutputTokens
		e.UpdatedAt = now.UnixMilli()
		return nil
	})
	if err != nil {
		b.log.Warn("session store update failed", zap.String("session_key", l.key), zap.Error(err))
	}
}

// finish publishes r's result and starts the lane's next queued run.
func (b *Backend) finish(l *lane, r *run, res subctl.WaitResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.endLocked(r, res)
	if l.active == r {
		l.active = nil
	}
	if !b.closed && len(l.queue) > 0 {
		next := l.queue[0]
		l.queue = l.queue[1:]
		b.startLocked(l, next)
	}
}

func (b *Backend) endLocked(r *run, res subctl.WaitResult) {
	r.result = res
	close(r.done)
	b.finished = append(b.finished, r.id)
	if len(b.finished) > maxFinishedRuns {
		delete(b.runs, b.finished[0])
		b.finished = b.finished[1:]
	}
}

func (b *Backend) lookupLocked(keyOrID string) *lane {
	if l, ok := b.lanes[keyOrID]; ok {
		return l
	}
	if key, ok := b.ids[keyOrID]; ok {
		return b.lanes[key]
	}
	return nil
}

// Abort cancels the active run of a session, addressed by backend session
// id or session key. Queued runs are left for ClearQueues.
func (b *Backend) Abort(_ context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.lookupLocked(sessionID)
	if l == nil {
		return fmt.Errorf("%w: %s", subctl.ErrUnknownSession, sessionID)
	}
	if l.active != nil {
		l.active.cancel()
	}
	return nil
}

// ClearQueues drops queued runs on each addressed lane. Dropped runs end
// with an error so their waiters return.
func (b *Backend) ClearQueues(_ context.Context, keys ...string) (subctl.QueueClearResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var res subctl.QueueClearResult
	now := b.opts.now().UnixMilli()
	seen := make(map[*lane]bool)
	for _, k := range keys {
		l := b.lookupLocked(k)
		if l == nil || seen[l] || len(l.queue) == 0 {
			continue
		}
		seen[l] = true
		res.Lanes++
		res.Followups += len(l.queue)
		for _, r := range l.queue {
			b.endLocked(r, subctl.WaitResult{Status: subctl.WaitError, Error: ErrTextCleared, EndedAt: now})
		}
		l.queue = nil
	}
	return res, nil
}

// Wait blocks up to timeout for runID. Queued runs count as running.
func (b *Backend) Wait(ctx context.Context, runID string, timeout time.Duration) (subctl.WaitResult, error) {
	b.mu.Lock()
	r, ok := b.runs[runID]
	b.mu.Unlock()
	if !ok {
		return subctl.WaitResult{}, fmt.Errorf("%w: %s", subctl.ErrRunNotFound, runID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.done:
		return r.result, nil
	case <-timer.C:
		return subctl.WaitResult{Status: subctl.WaitTimeout}, nil
	case <-ctx.Done():
		return subctl.WaitResult{}, ctx.Err()
	}
}

// History returns up to limit of the lane's most recent messages.
func (b *Backend) History(_ context.Context, sessionKey string, limit int) ([]anthropic.MessageParam, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.lookupLocked(sessionKey)
	if l == nil {
		return nil, fmt.Errorf("%w: %s", subctl.ErrUnknownSession, sessionKey)
	}
	msgs := l.history
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return slices.Clone(msgs), nil
}
