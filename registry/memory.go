package registry

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/armatrix/subctl"
)

// Memory is an in-memory run registry guarded by a sync.RWMutex. Records
// are copied in and out so callers never share state with the registry.
type Memory struct {
	mu    sync.RWMutex
	runs  map[string]*subctl.RunRecord
	order []string
	opts  options
}

var _ subctl.RunRecorder = (*Memory)(nil)

// NewMemory creates an empty Memory registry.
func NewMemory(opts ...Option) *Memory {
	return &Memory{
		runs: make(map[string]*subctl.RunRecord),
		opts: resolveOptions(opts),
	}
}

// Register adds rec. At most one active run may exist per child session.
func (m *Memory) Register(_ context.Context, rec subctl.RunRecord) error {
	if rec.RunID == "" {
		return ErrMissingRunID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[rec.RunID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRun, rec.RunID)
	}
	if rec.Active() && m.activeChildLocked(rec.ChildSessionKey) != nil {
		return fmt.Errorf("%w: %s", ErrChildActive, rec.ChildSessionKey)
	}
	m.insertLocked(rec)
	return nil
}

// Get returns a copy of the run with runID.
func (m *Memory) Get(_ context.Context, runID string) (subctl.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[runID]
	if !ok {
		return subctl.RunRecord{}, fmt.Errorf("%w: %s", subctl.ErrRunNotFound, runID)
	}
	return r.Clone(), nil
}

// ListRunsForRequester returns copies of the requester's runs in
// registration order.
func (m *Memory) ListRunsForRequester(_ context.Context, requesterKey string) ([]subctl.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []subctl.RunRecord
	for _, id := range m.order {
		if r := m.runs[id]; r.RequesterSessionKey == requesterKey {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

// MarkForSteerRestart flags an active run so its completion is silent.
func (m *Memory) MarkForSteerRestart(_ context.Context, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok || !r.Active() {
		return false, nil
	}
	r.SteerRestart = true
	return true, nil
}

// ReplaceAfterSteer ends the previous run as steered and registers its
// successor under nextRunID.
func (m *Memory) ReplaceAfterSteer(_ context.Context, previousRunID, nextRunID string, fallback *subctl.RunRecord) (bool, error) {
	if nextRunID == "" {
		return false, ErrMissingRunID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[nextRunID]; exists || nextRunID == previousRunID {
		return false, nil
	}

	var base subctl.RunRecord
	prev, ok := m.runs[previousRunID]
	switch {
	case ok:
		base = *prev
	case fallback != nil:
		base = *fallback
	default:
		return false, nil
	}

	now := m.opts.now().UnixMilli()
	if ok {
		if prev.Active() {
			prev.EndedAt = now
		}
		prev.Outcome = &subctl.Outcome{Status: subctl.OutcomeSteered}
		prev.SteerRestart = true
	}
	if other := m.activeChildLocked(base.ChildSessionKey); other != nil {
		other.EndedAt = now
		other.Outcome = &subctl.Outcome{Status: subctl.OutcomeSteered}
	}

	m.insertLocked(successor(base, nextRunID, now))
	m.opts.logger.Debug("run replaced after steer",
		zap.String("previous_run_id", previousRunID),
		zap.String("next_run_id", nextRunID))
	return true, nil
}

// StopAll ends every active run of requesterKey as killed.
func (m *Memory) StopAll(ctx context.Context, requesterKey string) (int, error) {
	now := m.opts.now().UnixMilli()
	var stopped []subctl.RunRecord

	m.mu.Lock()
	for _, id := range m.order {
		r := m.runs[id]
		if r.RequesterSessionKey != requesterKey || !r.Active() {
			continue
		}
		r.EndedAt = now
		r.Outcome = &subctl.Outcome{Status: subctl.OutcomeKilled}
		stopped = append(stopped, r.Clone())
	}
	m.mu.Unlock()

	m.opts.stopped(ctx, stopped)
	return len(stopped), nil
}

// Complete ends runID with outcome. It reports announce=false when the run
// had already ended or is flagged for a steer restart.
func (m *Memory) Complete(_ context.Context, runID string, endedAt int64, outcome subctl.Outcome) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok {
		return false, fmt.Errorf("%w: %s", subctl.ErrRunNotFound, runID)
	}
	if !r.Active() {
		return false, nil
	}
	r.EndedAt = endedAt
	o := outcome
	r.Outcome = &o
	return !r.SteerRestart, nil
}

// Archive removes ended runs whose archive time has passed and returns
// how many were removed.
func (m *Memory) Archive(_ context.Context, now int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.order[:0]
	removed := 0
	for _, id := range m.order {
		r := m.runs[id]
		if !r.Active() && r.ArchiveAtMs > 0 && r.ArchiveAtMs <= now {
			delete(m.runs, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return removed, nil
}

func (m *Memory) insertLocked(rec subctl.RunRecord) {
	c := rec.Clone()
	m.runs[c.RunID] = &c
	m.order = append(m.order, c.RunID)
}

func (m *Memory) activeChildLocked(childKey string) *subctl.RunRecord {
	if childKey == "" {
		return nil
	}
	for _, id := range m.order {
		if r := m.runs[id]; r.ChildSessionKey == childKey && r.Active() {
			return r
		}
	}
	return nil
}
