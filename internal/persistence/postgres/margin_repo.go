package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cierzo-energy/margen/internal/persistence"
)

// marginRepo implements MarginRepo for PostgreSQL.
type marginRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewMarginRepo creates a PostgreSQL margin repository.
func NewMarginRepo(db *sqlx.DB, timeout time.Duration) persistence.MarginRepo {
	return &marginRepo{db: db, timeout: timeout}
}

const marginUpsert = `
	INSERT INTO margin_rows (run_id, day, entity_id, market, direction, value_kind,
		madrid_ts, utc1_ts, resolution, quantity, price, margin)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (entity_id, market, direction, value_kind, utc1_ts, resolution)
	DO UPDATE SET run_id = EXCLUDED.run_id, day = EXCLUDED.day,
		quantity = EXCLUDED.quantity, price = EXCLUDED.price, margin = EXCLUDED.margin`

// UpsertBatch writes rows in one transaction. The conflict target is the
// slot identity, so reruns replace instead of duplicating.
func (r *marginRepo) UpsertBatch(ctx context.Context, rows []persistence.MarginRow) error {
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(rows)/500+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, marginUpsert)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		_, err = stmt.ExecContext(ctx,
			row.RunID, row.Day, row.EntityID, row.Market, row.Direction, row.ValueKind,
			row.MadridTS, row.UTC1TS, row.Resolution, row.Quantity, row.Price, row.Margin)
		if err != nil {
			return fmt.Errorf("failed to upsert margin row: %w", err)
		}
	}

	return tx.Commit()
}

// ListByDay returns a day's rows in output order, optionally one unit's.
func (r *marginRepo) ListByDay(ctx context.Context, day, unit string) ([]persistence.MarginRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, run_id, day, entity_id, market, direction, value_kind,
			madrid_ts, utc1_ts, resolution, quantity, price, margin, created_at
		FROM margin_rows
		WHERE day = $1`
	args := []interface{}{day}
	if unit != "" {
		query += ` AND entity_id = $2`
		args = append(args, unit)
	}
	query += `
		ORDER BY entity_id, market, utc1_ts, resolution, direction`

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query margin rows: %w", err)
	}
	defer rows.Close()

	var out []persistence.MarginRow
	for rows.Next() {
		var row persistence.MarginRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("failed to scan margin row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return out, nil
}

// Coverage returns per-day row and unit counts for the inclusive range.
func (r *marginRepo) Coverage(ctx context.Context, from, to string) ([]persistence.DayCoverage, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT day, COUNT(DISTINCT entity_id) AS units, COUNT(*) AS rows
		FROM margin_rows
		WHERE day BETWEEN $1 AND $2
		GROUP BY day
		ORDER BY day`

	var out []persistence.DayCoverage
	if err := r.db.SelectContext(ctx, &out, query, from, to); err != nil {
		return nil, fmt.Errorf("failed to query coverage: %w", err)
	}
	return out, nil
}

// DeleteDay removes a day's rows, returning how many went away.
func (r *marginRepo) DeleteDay(ctx context.Context, day string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM margin_rows WHERE day = $1`, day)
	if err != nil {
		return 0, fmt.Errorf("failed to delete margin rows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted rows: %w", err)
	}
	return n, nil
}
