package subctl

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

// DispatchRequest starts a new turn in an existing child session.
type DispatchRequest struct {
	Message        string `json:"message"`
	SessionKey     string `json:"sessionKey"`
	IdempotencyKey string `json:"idempotencyKey"`

	// Deliver false keeps the backend from announcing the turn's output to
	// the original caller's channel.
	Deliver bool   `json:"deliver"`
	Channel string `json:"channel,omitempty"`
	Lane    string `json:"lane,omitempty"`
}

// DispatchResult carries the backend's id for the new run.
type DispatchResult struct {
	RunID string `json:"runId"`
}

// WaitStatus is the state reported by Backend.Wait.
type WaitStatus string

const (
	WaitRunning WaitStatus = "running"
	WaitDone    WaitStatus = "done"
	WaitError   WaitStatus = "error"
	WaitTimeout WaitStatus = "timeout"
)

// WaitResult is the outcome of a bounded wait on a run.
type WaitResult struct {
	Status    WaitStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
	StartedAt int64      `json:"startedAt,omitempty"`
	EndedAt   int64      `json:"endedAt,omitempty"`
}

// Backend is the remote execution backend that runs agent turns. Every
// call blocks until the backend answers or ctx is done.
type Backend interface {
	// Abort interrupts whatever the backend session sessionID is running.
	Abort(ctx context.Context, sessionID string) error

	Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error)

	// Wait blocks up to timeout for runID to finish. A run still going at
	// the deadline yields Status WaitTimeout, not an error.
	Wait(ctx context.Context, runID string, timeout time.Duration) (WaitResult, error)

	// History returns up to limit of the most recent transcript messages.
	History(ctx context.Context, sessionKey string, limit int) ([]anthropic.MessageParam, error)
}

// QueueClearResult reports what ClearQueues dropped.
type QueueClearResult struct {
	Followups int `json:"followups"`
	Lanes     int `json:"lanes"`
}

// QueueClearer is implemented by backends that queue follow-up work per
// session. keys may be session keys or backend session ids.
type QueueClearer interface {
	ClearQueues(ctx context.Context, keys ...string) (QueueClearResult, error)
}
