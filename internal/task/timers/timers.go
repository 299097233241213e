// Package timers tracks how long providers spend computing subtasks. The
// task manager only emits start/finish events; readings are for accounting
// and never feed back into orchestration decisions.
package timers

import (
	"sync"
	"time"

	"github.com/opengrid/requestor/internal/task/model"
)

// ProviderComputeTimers records per-subtask compute durations.
type ProviderComputeTimers struct {
	mu        sync.Mutex
	started   map[model.SubtaskID]time.Time
	durations map[model.SubtaskID]time.Duration
	now       func() time.Time
}

// New creates an empty timer set.
func New() *ProviderComputeTimers {
	return &ProviderComputeTimers{
		started:   make(map[model.SubtaskID]time.Time),
		durations: make(map[model.SubtaskID]time.Duration),
		now:       time.Now,
	}
}

// Start marks the subtask as being computed from now on. Starting an already
// running timer restarts it.
func (t *ProviderComputeTimers) Start(id model.SubtaskID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started[id] = t.now()
	delete(t.durations, id)
}

// Finish stops the subtask's timer and records the elapsed duration. Finishing
// a timer that was never started records nothing.
func (t *ProviderComputeTimers) Finish(id model.SubtaskID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	startedAt, ok := t.started[id]
	if !ok {
		return
	}
	delete(t.started, id)
	t.durations[id] = t.now().Sub(startedAt)
}

// Duration returns the recorded compute duration for a subtask. For a timer
// still running it returns the elapsed time so far. The second return value
// is false when the subtask was never started.
func (t *ProviderComputeTimers) Duration(id model.SubtaskID) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.durations[id]; ok {
		return d, true
	}
	if startedAt, ok := t.started[id]; ok {
		return t.now().Sub(startedAt), true
	}
	return 0, false
}

// Remove forgets everything recorded for a subtask.
func (t *ProviderComputeTimers) Remove(id model.SubtaskID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.started, id)
	delete(t.durations, id)
}
