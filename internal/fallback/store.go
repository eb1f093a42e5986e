package fallback

import (
	"context"

	"github.com/DimaBagZ/portfol-bagz-sub000/internal/domain"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/repository"
)

// StoreChannel persists the submission as a dead letter for the redelivery
// poller.
type StoreChannel struct {
	repo        repository.DeadLetterRepository
	maxAttempts int
}

func NewStoreChannel(repo repository.DeadLetterRepository, maxAttempts int) *StoreChannel {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &StoreChannel{repo: repo, maxAttempts: maxAttempts}
}

func (c *StoreChannel) Name() string { return "store" }

func (c *StoreChannel) Deliver(ctx context.Context, n Notice) error {
	dl := domain.NewDeadLetter(n.ID, n.Submission, n.Result, c.maxAttempts, n.OccurredAt)
	return c.repo.Create(ctx, dl)
}
