package domain

import "time"

type DeadLetterStatus string

const (
	DeadLetterStatusPending    DeadLetterStatus = "pending"
	DeadLetterStatusProcessing DeadLetterStatus = "processing"
	DeadLetterStatusRetrying   DeadLetterStatus = "retrying"
	DeadLetterStatusDelivered  DeadLetterStatus = "delivered"
	DeadLetterStatusFailed     DeadLetterStatus = "failed"
)

// DeadLetter is a submission whose primary delivery failed and that was kept
// for later redelivery.
type DeadLetter struct {
	ID            string           `json:"id"`
	Submission    Submission       `json:"submission"`
	Status        DeadLetterStatus `json:"status"`
	Attempts      int              `json:"attempts"`
	MaxAttempts   int              `json:"max_attempts"`
	NextAttemptAt *time.Time       `json:"next_attempt_at,omitempty"`
	LastError     *string          `json:"last_error,omitempty"`
	ErrorCode     ErrorCode        `json:"error_code"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	DeliveredAt   *time.Time       `json:"delivered_at,omitempty"`
}

// NewDeadLetter records the failed primary delivery as the first attempt.
func NewDeadLetter(id string, sub Submission, result DeliveryResult, maxAttempts int, now time.Time) *DeadLetter {
	lastError := result.ErrorMessage
	return &DeadLetter{
		ID:            id,
		Submission:    sub,
		Status:        DeadLetterStatusPending,
		Attempts:      1,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: &now,
		LastError:     &lastError,
		ErrorCode:     result.ErrorCode,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (d *DeadLetter) CanRetry() bool {
	return d.Attempts < d.MaxAttempts
}

func (d *DeadLetter) MarkAsDelivered(deliveredAt time.Time) {
	d.Status = DeadLetterStatusDelivered
	d.Attempts++
	d.DeliveredAt = &deliveredAt
	d.NextAttemptAt = nil
	d.UpdatedAt = deliveredAt
}

func (d *DeadLetter) MarkAsRetrying(now, nextAttempt time.Time, code ErrorCode, lastError string) {
	d.Status = DeadLetterStatusRetrying
	d.Attempts++
	d.NextAttemptAt = &nextAttempt
	d.LastError = &lastError
	d.ErrorCode = code
	d.UpdatedAt = now
}

func (d *DeadLetter) MarkAsFailed(now time.Time, code ErrorCode, lastError string) {
	d.Status = DeadLetterStatusFailed
	d.Attempts++
	d.LastError = &lastError
	d.ErrorCode = code
	d.NextAttemptAt = nil
	d.UpdatedAt = now
}

// Release returns a claimed dead letter to the queue without counting an
// attempt. It is due again immediately.
func (d *DeadLetter) Release(now time.Time) {
	d.Status = DeadLetterStatusRetrying
	d.NextAttemptAt = &now
	d.UpdatedAt = now
}
