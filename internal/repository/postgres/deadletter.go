// Package postgres implements the dead letter store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/DimaBagZ/portfol-bagz-sub000/internal/domain"
)

const deadLetterColumns = `id, name, email, subject, message, status, attempts, max_attempts,
	next_attempt_at, last_error, error_code, created_at, updated_at, delivered_at`

// DefaultClaimLease is how long a claimed dead letter may stay in processing
// before another poller may claim it again.
const DefaultClaimLease = 5 * time.Minute

type DeadLetterRepository struct {
	pool  *pgxpool.Pool
	lease time.Duration
}

func NewDeadLetterRepository(pool *pgxpool.Pool) *DeadLetterRepository {
	return &DeadLetterRepository{pool: pool, lease: DefaultClaimLease}
}

// WithClaimLease sets how long a claim holds before it is considered stale.
func (r *DeadLetterRepository) WithClaimLease(d time.Duration) *DeadLetterRepository {
	if d > 0 {
		r.lease = d
	}
	return r
}

func (r *DeadLetterRepository) Create(ctx context.Context, dl *domain.DeadLetter) error {
	const query = `
		INSERT INTO dead_letters (` + deadLetterColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query,
		dl.ID,
		dl.Submission.Name,
		dl.Submission.Email,
		dl.Submission.Subject,
		dl.Submission.Message,
		dl.Status,
		dl.Attempts,
		dl.MaxAttempts,
		dl.NextAttemptAt,
		dl.LastError,
		dl.ErrorCode,
		dl.CreatedAt,
		dl.UpdatedAt,
		dl.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter %s: %w", dl.ID, err)
	}
	return nil
}

func (r *DeadLetterRepository) GetByID(ctx context.Context, id string) (*domain.DeadLetter, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE id = $1`

	dl, err := scanDeadLetter(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return dl, nil
}

func (r *DeadLetterRepository) ClaimDue(ctx context.Context, limit int) ([]*domain.DeadLetter, error) {
	query := `
		UPDATE dead_letters
		SET status = 'processing', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM dead_letters
			WHERE (status IN ('pending', 'retrying')
				AND (next_attempt_at IS NULL OR next_attempt_at <= NOW()))
			OR (status = 'processing' AND updated_at < NOW() - $2::float8 * INTERVAL '1 second')
			ORDER BY next_attempt_at NULLS FIRST, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING ` + deadLetterColumns

	rows, err := r.pool.Query(ctx, query, limit, r.lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim dead letters: %w", err)
	}
	defer rows.Close()

	var out []*domain.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (r *DeadLetterRepository) UpdateStatus(ctx context.Context, dl *domain.DeadLetter) error {
	const query = `
		UPDATE dead_letters
		SET status = $2, attempts = $3, next_attempt_at = $4,
		    last_error = $5, error_code = $6, updated_at = $7, delivered_at = $8
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query,
		dl.ID,
		dl.Status,
		dl.Attempts,
		dl.NextAttemptAt,
		dl.LastError,
		dl.ErrorCode,
		dl.UpdatedAt,
		dl.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("update dead letter %s: %w", dl.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanDeadLetter(row pgx.Row) (*domain.DeadLetter, error) {
	var dl domain.DeadLetter
	err := row.Scan(
		&dl.ID,
		&dl.Submission.Name,
		&dl.Submission.Email,
		&dl.Submission.Subject,
		&dl.Submission.Message,
		&dl.Status,
		&dl.Attempts,
		&dl.MaxAttempts,
		&dl.NextAttemptAt,
		&dl.LastError,
		&dl.ErrorCode,
		&dl.CreatedAt,
		&dl.UpdatedAt,
		&dl.DeliveredAt,
	)
	if err != nil {
		return nil, err
	}
	return &dl, nil
}
