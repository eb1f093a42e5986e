package fallback

import (
	"context"

	"github.com/DimaBagZ/portfol-bagz-sub000/internal/kafka"
)

// Publisher is implemented by *kafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, msg kafka.DeliveryFailedMessage) error
}

// KafkaChannel announces the failure on a topic.
type KafkaChannel struct {
	publisher Publisher
}

func NewKafkaChannel(p Publisher) *KafkaChannel {
	return &KafkaChannel{publisher: p}
}

func (c *KafkaChannel) Name() string { return "kafka" }

func (c *KafkaChannel) Deliver(ctx context.Context, n Notice) error {
	return c.publisher.Publish(ctx, kafka.DeliveryFailedMessage{
		ID:         n.ID,
		Type:       kafka.TypeDeliveryFailed,
		Name:       n.Submission.Name,
		Email:      n.Submission.Email,
		Subject:    n.Submission.Subject,
		Message:    n.Submission.Message,
		ErrorCode:  string(n.Result.ErrorCode),
		Error:      n.Result.ErrorMessage,
		OccurredAt: n.OccurredAt,
	})
}
