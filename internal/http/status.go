package http

import (
	"sync"
	"time"
)

// StatusTracker is the shared progress board between the engine and the
// monitor endpoints. The engine writes, handlers read.
type StatusTracker struct {
	mu      sync.RWMutex
	running bool
	current RunProgress
	last    *RunOutcome
}

// NewStatusTracker creates an empty tracker in the idle state.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{}
}

// BeginRun marks a run as in flight.
func (t *StatusTracker) BeginRun(runID, fromDay, toDay string, unitsTotal int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = true
	t.current = RunProgress{
		RunID:      runID,
		FromDay:    fromDay,
		ToDay:      toDay,
		UnitsTotal: unitsTotal,
		StartedAt:  time.Now().UTC(),
	}
}

// UnitDone folds one finished work unit into the running totals.
func (t *StatusTracker) UnitDone(rows, dropped int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.current.UnitsDone++
	t.current.Rows += rows
	t.current.Dropped += dropped
}

// EndRun records the outcome and clears the in-flight slot.
func (t *StatusTracker) EndRun(status string, runErr error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	outcome := RunOutcome{
		RunID:      t.current.RunID,
		Status:     status,
		Rows:       t.current.Rows,
		Dropped:    t.current.Dropped,
		FinishedAt: time.Now().UTC(),
		Duration:   time.Since(t.current.StartedAt).Round(time.Millisecond).String(),
	}
	if runErr != nil {
		outcome.Error = runErr.Error()
	}
	t.running = false
	t.last = &outcome
	t.current = RunProgress{}
}

// Snapshot returns the current board state for the status endpoint.
func (t *StatusTracker) Snapshot() StatusResponse {
	t.mu.RLock()
	defer t.mu.RUnlock()

	resp := StatusResponse{Timestamp: time.Now().UTC(), State: "idle"}
	if t.running {
		resp.State = "running"
		cur := t.current
		resp.Current = &cur
	}
	if t.last != nil {
		last := *t.last
		resp.Last = &last
	}
	return resp
}
