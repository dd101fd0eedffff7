package subctl

import (
	"context"
	"strings"
	"time"
)

// OutcomeStatus is the terminal status of a run.
type OutcomeStatus string

const (
	OutcomeOK      OutcomeStatus = "ok"
	OutcomeError   OutcomeStatus = "error"
	OutcomeTimeout OutcomeStatus = "timeout"
	OutcomeKilled  OutcomeStatus = "killed"
	OutcomeSteered OutcomeStatus = "steered"
	OutcomeUnknown OutcomeStatus = "unknown"
)

// Outcome records how a run ended.
type Outcome struct {
	Status OutcomeStatus `json:"status"`
	Error  string        `json:"error,omitempty"`
}

// CleanupPolicy tells the reaper what to do with a finished child session.
type CleanupPolicy string

const (
	CleanupDelete CleanupPolicy = "delete"
	CleanupKeep   CleanupPolicy = "keep"
)

// RunRecord is one subagent execution lineage. Timestamps are epoch
// milliseconds; zero means absent. A record with EndedAt == 0 is active.
type RunRecord struct {
	RunID               string        `json:"runId"`
	ChildSessionKey     string        `json:"childSessionKey"`
	RequesterSessionKey string        `json:"requesterSessionKey"`
	Label               string        `json:"label,omitempty"`
	Task                string        `json:"task"`
	Model               string        `json:"model,omitempty"`
	ModelProvider       string        `json:"modelProvider,omitempty"`
	CreatedAt           int64         `json:"createdAt"`
	StartedAt           int64         `json:"startedAt,omitempty"`
	EndedAt             int64         `json:"endedAt,omitempty"`
	Outcome             *Outcome      `json:"outcome,omitempty"`
	Cleanup             CleanupPolicy `json:"cleanup,omitempty"`
	ArchiveAtMs         int64         `json:"archiveAtMs,omitempty"`
	CleanupHandled      bool          `json:"cleanupHandled,omitempty"`

	// SteerRestart is set before a steer interrupts the run. Whatever
	// announces the run's completion must stay silent while it is set.
	SteerRestart bool `json:"steerRestart,omitempty"`
}

// Active reports whether the run has not ended.
func (r RunRecord) Active() bool { return r.EndedAt == 0 }

// EffectiveStart is StartedAt, or CreatedAt when the run has not started.
func (r RunRecord) EffectiveStart() int64 {
	if r.StartedAt > 0 {
		return r.StartedAt
	}
	return r.CreatedAt
}

// DisplayLabel is the trimmed label, falling back to the trimmed task.
func (r RunRecord) DisplayLabel() string {
	if l := strings.TrimSpace(r.Label); l != "" {
		return l
	}
	return strings.TrimSpace(r.Task)
}

// Status is the short status word shown in listings.
func (r RunRecord) Status() string {
	if r.Active() {
		return "running"
	}
	if r.Outcome == nil || r.Outcome.Status == "" {
		return "done"
	}
	return string(r.Outcome.Status)
}

// Runtime is how long the run has been (or was) running at now.
func (r RunRecord) Runtime(now time.Time) time.Duration {
	start := r.EffectiveStart()
	if start == 0 {
		return 0
	}
	end := r.EndedAt
	if end == 0 {
		end = now.UnixMilli()
	}
	if end < start {
		return 0
	}
	return time.Duration(end-start) * time.Millisecond
}

// Clone returns a copy that shares no pointers with r.
func (r RunRecord) Clone() RunRecord {
	if r.Outcome != nil {
		o := *r.Outcome
		r.Outcome = &o
	}
	return r
}

// RunRegistry is the shared source of truth for run records. The core reads
// it fresh at the top of every command and never caches it.
type RunRegistry interface {
	// ListRunsForRequester returns a point-in-time copy of every run owned
	// by requesterKey, in registration order.
	ListRunsForRequester(ctx context.Context, requesterKey string) ([]RunRecord, error)

	// MarkForSteerRestart flags runID so its completion is not announced.
	// It reports false when the run is unknown or already ended.
	MarkForSteerRestart(ctx context.Context, runID string) (bool, error)

	// ReplaceAfterSteer ends previousRunID as superseded and registers
	// nextRunID in its place. fallback supplies label, task and session
	// linkage when the previous record is gone.
	ReplaceAfterSteer(ctx context.Context, previousRunID, nextRunID string, fallback *RunRecord) (bool, error)

	// StopAll stops every active run owned by requesterKey and returns how
	// many were stopped.
	StopAll(ctx context.Context, requesterKey string) (int, error)
}

// RunRecorder is implemented by registries that also accept new runs and
// completions. Controller.Spawn and the run watchers require it.
type RunRecorder interface {
	RunRegistry

	// Register adds a new run record.
	Register(ctx context.Context, rec RunRecord) error

	// Complete ends runID with outcome. announce is false when the run was
	// already ended or was superseded by a steer.
	Complete(ctx context.Context, runID string, endedAt int64, outcome Outcome) (announce bool, err error)
}
