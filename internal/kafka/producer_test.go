package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type mockWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, msgs...)
	return nil
}

func (m *mockWriter) Close() error {
	m.closed = true
	return nil
}

func TestProducer_Publish(t *testing.T) {
	w := &mockWriter{}
	p := NewProducerWithWriter(w, nil)

	err := p.Publish(context.Background(), DeliveryFailedMessage{
		ID:         "dl_1",
		Name:       "Ann",
		Email:      "ann@example.com",
		ErrorCode:  "TIMEOUT",
		OccurredAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(w.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.messages))
	}
	if string(w.messages[0].Key) != "dl_1" {
		t.Errorf("expected key dl_1, got %s", w.messages[0].Key)
	}

	var got DeliveryFailedMessage
	if err := json.Unmarshal(w.messages[0].Value, &got); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if got.Type != TypeDeliveryFailed {
		t.Errorf("expected default type, got %s", got.Type)
	}
	if got.ErrorCode != "TIMEOUT" {
		t.Errorf("expected TIMEOUT, got %s", got.ErrorCode)
	}
}

func TestProducer_PublishError(t *testing.T) {
	w := &mockWriter{err: errors.New("broker down")}
	p := NewProducerWithWriter(w, nil)

	if err := p.Publish(context.Background(), DeliveryFailedMessage{ID: "x"}); err == nil {
		t.Error("expected error")
	}
}

func TestProducer_Close(t *testing.T) {
	w := &mockWriter{}
	if err := NewProducerWithWriter(w, nil).Close(); err != nil {
		t.Fatal(err)
	}
	if !w.closed {
		t.Error("expected writer to be closed")
	}
}
