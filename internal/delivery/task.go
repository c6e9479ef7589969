package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/example/clinic-messaging/internal/messenger"
)

type Payload struct {
	Content     string                 `json:"content"`
	Attachments []messenger.Attachment `json:"attachments,omitempty"`
}

// Task is one outbound message awaiting re-delivery.
type Task struct {
	MessageID      string         `json:"message_id"`
	ConversationID string         `json:"conversation_id"`
	ClinicID       string         `json:"clinic_id"`
	AccountID      string         `json:"account_id"`
	RecipientID    string         `json:"recipient_id"`
	Payload        Payload        `json:"payload"`
	MessengerType  messenger.Type `json:"messenger_type"`
	AttemptCount   int            `json:"attempt_count"`
	MaxRetries     int            `json:"max_retries"`
}

type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// StatusEvent is written to the delivery events topic for downstream consumers.
type StatusEvent struct {
	EventID           string         `json:"event_id"`
	MessageID         string         `json:"message_id"`
	ConversationID    string         `json:"conversation_id,omitempty"`
	ClinicID          string         `json:"clinic_id"`
	MessengerType     messenger.Type `json:"messenger_type"`
	Status            Status         `json:"status"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Attempts          int            `json:"attempts"`
	Error             string         `json:"error,omitempty"`
	EmittedAt         time.Time      `json:"emitted_at"`
}

func NewStatusEvent(task Task, status Status) StatusEvent {
	return StatusEvent{
		EventID:        uuid.NewString(),
		MessageID:      task.MessageID,
		ConversationID: task.ConversationID,
		ClinicID:       task.ClinicID,
		MessengerType:  task.MessengerType,
		Status:         status,
		Attempts:       task.AttemptCount,
		EmittedAt:      time.Now().UTC(),
	}
}

// Producer is satisfied by *kafka.Writer.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, task Task) error
}

type StatusPublisher interface {
	PublishStatus(ctx context.Context, event StatusEvent) error
}

// KafkaEnqueuer hands tasks to the delivery workers through the retry topic.
type KafkaEnqueuer struct {
	Writer Producer
}

func (e *KafkaEnqueuer) Enqueue(ctx context.Context, task Task) error {
	return writeJSON(ctx, e.Writer, task.ClinicID+":"+task.MessageID, task)
}

type KafkaStatusPublisher struct {
	Writer Producer
}

func (p *KafkaStatusPublisher) PublishStatus(ctx context.Context, event StatusEvent) error {
	return writeJSON(ctx, p.Writer, event.MessageID, event)
}

func writeJSON(ctx context.Context, w Producer, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", v, err)
	}
	if err := w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: payload}); err != nil {
		return fmt.Errorf("write %T: %w", v, err)
	}
	return nil
}
