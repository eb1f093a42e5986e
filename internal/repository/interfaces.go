// Package repository defines persistence contracts for the fallback path.
package repository

import (
	"context"

	"github.com/DimaBagZ/portfol-bagz-sub000/internal/domain"
)

// DeadLetterRepository stores submissions whose primary delivery failed.
type DeadLetterRepository interface {
	Create(ctx context.Context, dl *domain.DeadLetter) error
	GetByID(ctx context.Context, id string) (*domain.DeadLetter, error)
	// ClaimDue marks up to limit due dead letters as processing and returns
	// them. Concurrent callers never receive the same row. Rows left in
	// processing past the claim lease are due again.
	ClaimDue(ctx context.Context, limit int) ([]*domain.DeadLetter, error)
	UpdateStatus(ctx context.Context, dl *domain.DeadLetter) error
}
