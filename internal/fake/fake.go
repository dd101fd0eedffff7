// Package fake provides in-memory test doubles for the controller's
// collaborators.
package fake

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/armatrix/subctl"
)

// Call is one recorded backend call.
type Call struct {
	Method string
	Arg    string
}

// Backend is a scriptable subctl.Backend and subctl.QueueClearer that
// records every call in order.
type Backend struct {
	mu      sync.Mutex
	calls   []Call
	results map[string]subctl.WaitResult
	done    map[string]chan struct{}
	seq     int

	// Block makes Wait block for runs without a result until Finish is
	// called or the wait times out.
	Block bool

	AbortErr    error
	DispatchErr error
	WaitErr     error
	HistoryErr  error
	ClearErr    error

	// RunID, when set, names the run created by each dispatch.
	RunID func(n int) string

	Dispatched []subctl.DispatchRequest
	Histories  map[string][]anthropic.MessageParam
}

var (
	_ subctl.Backend      = (*Backend)(nil)
	_ subctl.QueueClearer = (*Backend)(nil)
)

// NewBackend returns a Backend whose waits complete immediately.
func NewBackend() *Backend {
	return &Backend{
		results:   make(map[string]subctl.WaitResult),
		done:      make(map[string]chan struct{}),
		Histories: make(map[string][]anthropic.MessageParam),
	}
}

func (b *Backend) record(method, arg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, Call{Method: method, Arg: arg})
}

// Calls returns the recorded calls in order.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.calls)
}

// Methods returns the recorded method names in order, skipping any listed
// in except.
func (b *Backend) Methods(except ...string) []string {
	var out []string
	for _, c := range b.Calls() {
		if !slices.Contains(except, c.Method) {
			out = append(out, c.Method)
		}
	}
	return out
}

func (b *Backend) Abort(_ context.Context, sessionID string) error {
	b.record("abort", sessionID)
	return b.AbortErr
}

func (b *Backend) Dispatch(_ context.Context, req subctl.DispatchRequest) (subctl.DispatchResult, error) {
	b.record("dispatch", req.SessionKey)
	if b.DispatchErr != nil {
		return subctl.DispatchResult{}, b.DispatchErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.Dispatched = append(b.Dispatched, req)
	id := fmt.Sprintf("r%07d-fake", b.seq)
	if b.RunID != nil {
		id = b.RunID(b.seq)
	}
	return subctl.DispatchResult{RunID: id}, nil
}

func (b *Backend) Wait(ctx context.Context, runID string, timeout time.Duration) (subctl.WaitResult, error) {
	b.record("wait", runID)
	if b.WaitErr != nil {
		return subctl.WaitResult{}, b.WaitErr
	}
	b.mu.Lock()
	if res, ok := b.results[runID]; ok {
		b.mu.Unlock()
		return res, nil
	}
	if !b.Block {
		b.mu.Unlock()
		return subctl.WaitResult{Status: subctl.WaitDone}, nil
	}
	ch := b.doneLocked(runID)
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.results[runID], nil
	case <-timer.C:
		return subctl.WaitResult{Status: subctl.WaitTimeout}, nil
	case <-ctx.Done():
		return subctl.WaitResult{}, ctx.Err()
	}
}

// Requests returns a copy of the dispatched requests.
func (b *Backend) Requests() []subctl.DispatchRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.Dispatched)
}

// Finish sets runID's wait result and releases blocked waiters.
func (b *Backend) Finish(runID string, res subctl.WaitResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.results[runID]; ok {
		return
	}
	b.results[runID] = res
	close(b.doneLocked(runID))
}

func (b *Backend) doneLocked(runID string) chan struct{} {
	ch, ok := b.done[runID]
	if !ok {
		ch = make(chan struct{})
		b.done[runID] = ch
	}
	return ch
}

func (b *Backend) History(_ context.Context, sessionKey string, limit int) ([]anthropic.MessageParam, error) {
	b.record("history", sessionKey)
	if b.HistoryErr != nil {
		return nil, b.HistoryErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.Histories[sessionKey]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return slices.Clone(msgs), nil
}

// SetHistory replaces the transcript returned for sessionKey.
func (b *Backend) SetHistory(sessionKey string, msgs ...anthropic.MessageParam) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Histories[sessionKey] = msgs
}

func (b *Backend) ClearQueues(_ context.Context, keys ...string) (subctl.QueueClearResult, error) {
	for _, k := range keys {
		b.record("clear", k)
	}
	if b.ClearErr != nil {
		return subctl.QueueClearResult{}, b.ClearErr
	}
	return subctl.QueueClearResult{}, nil
}

// Authorizer adapts a function to subctl.Authorizer.
type Authorizer func(ctx context.Context, caller subctl.Caller, cmd subctl.Command) (bool, error)

func (f Authorizer) Authorize(ctx context.Context, caller subctl.Caller, cmd subctl.Command) (bool, error) {
	return f(ctx, caller, cmd)
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock reading t.
func NewClock(t time.Time) *Clock { return &Clock{now: t} }

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
