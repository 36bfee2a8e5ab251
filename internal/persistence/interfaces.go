// Package persistence defines the storage contracts for margin results and
// run bookkeeping. The postgres subpackage implements them; the engine only
// sees these interfaces.
package persistence

import (
	"context"
	"time"
)

// MarginRow is one persisted row of the margin table, flattened for storage.
// Price and Margin are nil when undefined for the slot; zero is a real price.
type MarginRow struct {
	ID         int64     `json:"id" db:"id"`
	RunID      string    `json:"run_id" db:"run_id"`
	Day        string    `json:"day" db:"day"` // local calendar day, YYYY-MM-DD
	EntityID   string    `json:"entity_id" db:"entity_id"`
	Market     string    `json:"market" db:"market"`
	Direction  string    `json:"direction" db:"direction"`
	ValueKind  string    `json:"value_kind" db:"value_kind"`
	MadridTS   time.Time `json:"madrid_ts" db:"madrid_ts"`
	UTC1TS     time.Time `json:"utc1_ts" db:"utc1_ts"`
	Resolution string    `json:"resolution" db:"resolution"`
	Quantity   float64   `json:"quantity" db:"quantity"`
	Price      *float64  `json:"price,omitempty" db:"price"`
	Margin     *float64  `json:"margin,omitempty" db:"margin"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run records one engine invocation over a day range.
type Run struct {
	ID         string     `json:"id" db:"id"`
	FromDay    string     `json:"from_day" db:"from_day"`
	ToDay      string     `json:"to_day" db:"to_day"`
	Status     string     `json:"status" db:"status"`
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	Rows       int64      `json:"rows" db:"rows"`
	Dropped    int64      `json:"dropped" db:"dropped"`
	Error      *string    `json:"error,omitempty" db:"error"`
}

// DayCoverage summarizes how much of one local day is persisted.
type DayCoverage struct {
	Day   string `json:"day" db:"day"`
	Units int64  `json:"units" db:"units"`
	Rows  int64  `json:"rows" db:"rows"`
}

// MarginRepo stores margin rows. Writes are idempotent: a rerun over the
// same days replaces rows in place instead of duplicating them.
type MarginRepo interface {
	// UpsertBatch writes rows atomically, replacing existing rows that share
	// the same slot identity.
	UpsertBatch(ctx context.Context, rows []MarginRow) error

	// ListByDay returns every row of one local day in output order. A
	// non-empty unit narrows the result to that entity.
	ListByDay(ctx context.Context, day, unit string) ([]MarginRow, error)

	// DeleteDay removes every row of one local day, returning the count.
	DeleteDay(ctx context.Context, day string) (int64, error)

	// Coverage reports per-day row and distinct-unit counts over an
	// inclusive day range, days with no rows omitted.
	Coverage(ctx context.Context, from, to string) ([]DayCoverage, error)
}

// RunRepo records run lifecycles.
type RunRepo interface {
	// Start registers a run as running.
	Start(ctx context.Context, run Run) error

	// Finish closes a run with its final status and counters.
	Finish(ctx context.Context, id, status string, rows, dropped int64, runErr error) error

	// Latest returns the most recent runs, newest first.
	Latest(ctx context.Context, limit int) ([]Run, error)
}

// Repository aggregates the repos behind one handle.
type Repository struct {
	Margins MarginRepo
	Runs    RunRepo
}

// HealthCheck reports storage health for the status endpoint.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth exposes storage health checks.
type RepositoryHealth interface {
	Health(ctx context.Context) HealthCheck
	Ping(ctx context.Context) error
}
