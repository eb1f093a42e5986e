package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	email           TEXT NOT NULL,
	subject         TEXT NOT NULL,
	message         TEXT NOT NULL,
	status          TEXT NOT NULL,
	attempts        INT NOT NULL DEFAULT 0,
	max_attempts    INT NOT NULL,
	next_attempt_at TIMESTAMPTZ,
	last_error      TEXT,
	error_code      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	delivered_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_due
	ON dead_letters (next_attempt_at)
	WHERE status IN ('pending', 'retrying');
`

// Migrate creates the dead letter schema if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate dead_letters: %w", err)
	}
	return nil
}
