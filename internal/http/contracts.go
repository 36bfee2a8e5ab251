package http

import "time"

// ErrorResponse is the envelope returned by every non-2xx monitor endpoint.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse describes what the engine is doing right now.
type StatusResponse struct {
	Timestamp time.Time    `json:"timestamp"`
	State     string       `json:"state"` // "idle" or "running"
	Current   *RunProgress `json:"current,omitempty"`
	Last      *RunOutcome  `json:"last,omitempty"`
}

// RunProgress is a point-in-time view of the run in flight.
type RunProgress struct {
	RunID      string    `json:"run_id"`
	FromDay    string    `json:"from_day"`
	ToDay      string    `json:"to_day"`
	UnitsTotal int       `json:"units_total"`
	UnitsDone  int       `json:"units_done"`
	Rows       int64     `json:"rows"`
	Dropped    int64     `json:"dropped"`
	StartedAt  time.Time `json:"started_at"`
}

// RunOutcome summarizes the most recently finished run.
type RunOutcome struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"` // "completed" or "failed"
	Rows       int64     `json:"rows"`
	Dropped    int64     `json:"dropped"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
	Duration   string    `json:"duration"`
}

// RunsResponse lists recorded runs, newest first.
type RunsResponse struct {
	Runs      []RunInfo `json:"runs"`
	Count     int       `json:"count"`
	Generated time.Time `json:"generated"`
}

// RunInfo mirrors a persisted run row.
type RunInfo struct {
	ID         string     `json:"id"`
	FromDay    string     `json:"from_day"`
	ToDay      string     `json:"to_day"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Rows       int64      `json:"rows"`
	Dropped    int64      `json:"dropped"`
	Error      string     `json:"error,omitempty"`
}
