package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cierzo-energy/margen/internal/persistence"
)

// runsRepo implements RunRepo for PostgreSQL.
type runsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRunRepo creates a PostgreSQL run repository.
func NewRunRepo(db *sqlx.DB, timeout time.Duration) persistence.RunRepo {
	return &runsRepo{db: db, timeout: timeout}
}

// Start registers a run as running.
func (r *runsRepo) Start(ctx context.Context, run persistence.Run) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO runs (id, from_day, to_day, status, started_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := r.db.ExecContext(ctx, query,
		run.ID, run.FromDay, run.ToDay, persistence.RunRunning, run.StartedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate run id %s: %w", run.ID, err)
		}
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// Finish closes a run with its final status and counters.
func (r *runsRepo) Finish(ctx context.Context, id, status string, rows, dropped int64, runErr error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var errText *string
	if runErr != nil {
		s := runErr.Error()
		errText = &s
	}

	query := `
		UPDATE runs
		SET status = $2, finished_at = $3, rows = $4, dropped = $5, error = $6
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, status, time.Now().UTC(), rows, dropped, errText)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// Latest returns the most recent runs, newest first.
func (r *runsRepo) Latest(ctx context.Context, limit int) ([]persistence.Run, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, from_day, to_day, status, started_at, finished_at, rows, dropped, error
		FROM runs
		ORDER BY started_at DESC
		LIMIT $1`

	rows, err := r.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []persistence.Run
	for rows.Next() {
		var run persistence.Run
		if err := rows.StructScan(&run); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return out, nil
}
