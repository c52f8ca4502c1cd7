package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/automation-gateway/internal/model"
)

// CountObserver is called with the new count of a status every time it changes.
// Observers run while the count lock is held, in the order the changes were
// applied, so they must not call back into the store.
type CountObserver func(status model.JobStatus, count int)

type record struct {
	mu  sync.Mutex
	job model.Job
}

// Memory is the in-memory job table.
//
// Lock order: mu before record.mu before countsMu. Mutate never holds mu while
// a record is locked, so work on one id does not block reads of another.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*record

	countsMu  sync.Mutex
	counts    map[model.JobStatus]int
	observers []CountObserver
}

func NewMemory() *Memory {
	return &Memory{
		jobs:   make(map[string]*record),
		counts: make(map[model.JobStatus]int, len(model.Statuses)),
	}
}

// Observe registers fn and immediately reports the current count of every status.
func (m *Memory) Observe(fn CountObserver) {
	m.countsMu.Lock()
	defer m.countsMu.Unlock()
	m.observers = append(m.observers, fn)
	for _, s := range model.Statuses {
		fn(s, m.counts[s])
	}
}

func (m *Memory) CreateJob(_ context.Context, job model.Job) error {
	if job.ID == "" {
		return fmt.Errorf("create job: empty id")
	}
	if !job.Status.Valid() {
		return fmt.Errorf("create job %s: invalid status %q", job.ID, job.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", model.ErrDuplicateID, job.ID)
	}
	m.jobs[job.ID] = &record{job: job.Clone()}

	// Counted before mu is released so no transition on this id can be
	// applied ahead of its creation.
	m.countsMu.Lock()
	m.adjustLocked(job.Status, 1)
	m.countsMu.Unlock()
	return nil
}

func (m *Memory) lookup(id string) (*record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.jobs[id]
	return rec, ok
}

func (m *Memory) GetJob(_ context.Context, id string) (model.Job, error) {
	rec, ok := m.lookup(id)
	if !ok {
		return model.Job{}, model.ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.job.Clone(), nil
}

// MutateJob applies fn to a working copy of the job and commits it atomically.
// Terminal jobs are never mutated, status may only move along the state
// machine, and identity fields are fixed. A rejected change leaves the stored
// job untouched.
func (m *Memory) MutateJob(_ context.Context, id string, fn func(*model.Job) error) (model.Job, error) {
	rec, ok := m.lookup(id)
	if !ok {
		return model.Job{}, model.ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	prev := rec.job
	if prev.Status.Terminal() {
		return prev.Clone(), fmt.Errorf("%w: job %s is %s", model.ErrInvalidTransition, id, prev.Status)
	}

	next := prev.Clone()
	if err := fn(&next); err != nil {
		return prev.Clone(), err
	}
	if !next.SameIdentity(prev) {
		return prev.Clone(), fmt.Errorf("%w: job %s identity changed", model.ErrInvalidTransition, id)
	}
	if next.Status != prev.Status && !prev.Status.CanTransitionTo(next.Status) {
		return prev.Clone(), fmt.Errorf("%w: job %s %s -> %s", model.ErrInvalidTransition, id, prev.Status, next.Status)
	}

	rec.job = next
	if next.Status != prev.Status {
		m.countsMu.Lock()
		m.adjustLocked(prev.Status, -1)
		m.adjustLocked(next.Status, 1)
		m.countsMu.Unlock()
	}
	return next.Clone(), nil
}

// CountByStatus returns the number of jobs currently in status.
func (m *Memory) CountByStatus(status model.JobStatus) int {
	m.countsMu.Lock()
	defer m.countsMu.Unlock()
	return m.counts[status]
}

// Counts returns a consistent snapshot of every status count.
func (m *Memory) Counts() map[model.JobStatus]int {
	m.countsMu.Lock()
	defer m.countsMu.Unlock()
	out := make(map[model.JobStatus]int, len(model.Statuses))
	for _, s := range model.Statuses {
		out[s] = m.counts[s]
	}
	return out
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (m *Memory) ListJobs(_ context.Context, status *model.JobStatus, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 25
	}

	out := make([]model.Job, 0)
	for _, rec := range m.snapshot() {
		rec.mu.Lock()
		job := rec.job.Clone()
		rec.mu.Unlock()
		if status != nil && job.Status != *status {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FinishedBefore returns terminal jobs whose FinishedAt is before cutoff.
func (m *Memory) FinishedBefore(cutoff time.Time) []model.Job {
	var out []model.Job
	for _, rec := range m.snapshot() {
		rec.mu.Lock()
		job := rec.job
		if job.Status.Terminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			out = append(out, job.Clone())
		}
		rec.mu.Unlock()
	}
	return out
}

// Delete removes the given jobs if they are terminal and returns how many were
// removed. Unknown ids and jobs still in flight are skipped.
func (m *Memory) Delete(ids ...string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, id := range ids {
		rec, ok := m.jobs[id]
		if !ok {
			continue
		}
		rec.mu.Lock()
		status := rec.job.Status
		rec.mu.Unlock()
		if !status.Terminal() {
			continue
		}
		delete(m.jobs, id)
		m.countsMu.Lock()
		m.adjustLocked(status, -1)
		m.countsMu.Unlock()
		removed++
	}
	return removed
}

func (m *Memory) snapshot() []*record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := make([]*record, 0, len(m.jobs))
	for _, rec := range m.jobs {
		recs = append(recs, rec)
	}
	return recs
}

func (m *Memory) adjustLocked(status model.JobStatus, delta int) {
	m.counts[status] += delta
	n := m.counts[status]
	for _, fn := range m.observers {
		fn(status, n)
	}
}
