package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Schema bootstraps the result tables. The unique index on the slot identity
// is what makes UpsertBatch idempotent across reruns.
const Schema = `
CREATE TABLE IF NOT EXISTS margin_rows (
	id          BIGSERIAL PRIMARY KEY,
	run_id      UUID NOT NULL,
	day         DATE NOT NULL,
	entity_id   TEXT NOT NULL,
	market      TEXT NOT NULL,
	direction   TEXT NOT NULL,
	value_kind  TEXT NOT NULL,
	madrid_ts   TIMESTAMPTZ NOT NULL,
	utc1_ts     TIMESTAMPTZ NOT NULL,
	resolution  TEXT NOT NULL,
	quantity    DOUBLE PRECISION NOT NULL,
	price       DOUBLE PRECISION,
	margin      DOUBLE PRECISION,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT margin_rows_slot_identity UNIQUE (entity_id, market, direction, value_kind, utc1_ts, resolution)
);

CREATE INDEX IF NOT EXISTS margin_rows_day_idx ON margin_rows (day);

CREATE TABLE IF NOT EXISTS runs (
	id          UUID PRIMARY KEY,
	from_day    DATE NOT NULL,
	to_day      DATE NOT NULL,
	status      TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	rows        BIGINT NOT NULL DEFAULT 0,
	dropped     BIGINT NOT NULL DEFAULT 0,
	error       TEXT
);
`

// EnsureSchema applies the schema. Safe to run on every start.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
