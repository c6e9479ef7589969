package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Reader is satisfied by *kafka.Reader.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer feeds the retry topic into an in-process queue.
type Consumer struct {
	ReaderFactory func() Reader
	Queue         Enqueuer
	Logger        zerolog.Logger
}

func (c *Consumer) Run(ctx context.Context) error {
	if c.ReaderFactory == nil || c.Queue == nil {
		return errors.New("consumer requires a reader factory and a queue")
	}
	reader := c.ReaderFactory()
	defer reader.Close()
	tracer := otel.Tracer("delivery-worker")

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		var task Task
		if err := json.Unmarshal(msg.Value, &task); err != nil {
			c.Logger.Error().Err(err).Msg("failed to decode delivery task")
			_ = reader.CommitMessages(ctx, msg)
			continue
		}

		spanCtx, span := tracer.Start(ctx, "enqueue-delivery")
		span.SetAttributes(
			attribute.String("message.id", task.MessageID),
			attribute.Int("delivery.attempt_count", task.AttemptCount),
		)
		if err := c.Queue.Enqueue(spanCtx, task); err != nil {
			span.RecordError(err)
			if !errors.Is(err, ErrAlreadyQueued) && ctx.Err() != nil {
				span.End()
				return nil
			}
			c.Logger.Warn().Err(err).Str("message_id", task.MessageID).Msg("delivery task not queued")
		}
		span.End()

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit message: %w", err)
		}
	}
}
