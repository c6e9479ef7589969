package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/example/clinic-messaging/internal/delivery"
	"github.com/example/clinic-messaging/internal/messenger"
	"github.com/example/clinic-messaging/internal/store"
)

var dispatchCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dispatch_total",
	Help: "Outbound messages by first-attempt outcome",
}, []string{"messenger_type", "outcome"})

// OutboundRequest is a reply written to the outbound topic by the
// conversation service.
type OutboundRequest struct {
	MessageID      string                 `json:"message_id"`
	ConversationID string                 `json:"conversation_id"`
	ClinicID       string                 `json:"clinic_id"`
	AccountID      string                 `json:"account_id"`
	MessengerType  messenger.Type         `json:"messenger_type"`
	RecipientID    string                 `json:"recipient_id"`
	Content        string                 `json:"content"`
	Attachments    []messenger.Attachment `json:"attachments,omitempty"`
	// Typing sends a typing indicator before the message.
	Typing bool `json:"typing,omitempty"`
}

type Dispatcher struct {
	ReaderFactory func() delivery.Reader
	Accounts      store.AccountStore
	Messages      store.MessageStore
	Registry      *messenger.Registry
	Retry         delivery.Enqueuer
	Status        delivery.StatusPublisher
	MaxRetries    int
	Logger        zerolog.Logger
}

func (d *Dispatcher) Run(ctx context.Context) error {
	if d.ReaderFactory == nil || d.Retry == nil {
		return errors.New("dispatcher requires a reader factory and a retry enqueuer")
	}
	reader := d.ReaderFactory()
	defer reader.Close()

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		var req OutboundRequest
		if err := json.Unmarshal(m.Value, &req); err != nil {
			d.Logger.Error().Err(err).Msg("failed to decode outbound request")
			_ = reader.CommitMessages(ctx, m)
			continue
		}

		if err := d.Deliver(ctx, req); err != nil {
			return err
		}
		if err := reader.CommitMessages(ctx, m); err != nil {
			return fmt.Errorf("commit message: %w", err)
		}
	}
}

// Deliver sends req once through the provider guard. A failed send becomes a
// delivery task on the retry topic; only a failure to hand it over is
// returned.
func (d *Dispatcher) Deliver(ctx context.Context, req OutboundRequest) error {
	ctx, span := otel.Tracer("dispatcher").Start(ctx, "dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("message.id", req.MessageID),
		attribute.String("messenger.type", string(req.MessengerType)),
	)
	logger := d.Logger.With().Str("message_id", req.MessageID).Str("messenger_type", string(req.MessengerType)).Logger()

	providerID, err := d.send(ctx, req)
	if err == nil {
		dispatchCounter.WithLabelValues(string(req.MessengerType), "sent").Inc()
		if err := d.Messages.UpdateProviderMessageID(ctx, req.MessageID, providerID); err != nil {
			logger.Error().Err(err).Msg("failed to record provider message id")
		}
		event := delivery.NewStatusEvent(taskFor(req, d.MaxRetries), delivery.StatusSent)
		event.ProviderMessageID = providerID
		d.publish(ctx, logger, event)
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	dispatchCounter.WithLabelValues(string(req.MessengerType), "deferred").Inc()
	logger.Warn().Err(err).Msg("send failed, handing over to delivery retry queue")

	if err := d.Retry.Enqueue(ctx, taskFor(req, d.MaxRetries)); err != nil {
		return fmt.Errorf("enqueue delivery task %s: %w", req.MessageID, err)
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, req OutboundRequest) (string, error) {
	account, err := d.Accounts.GetAccount(ctx, req.AccountID)
	if err != nil {
		return "", err
	}
	messengerType := req.MessengerType
	if messengerType == "" {
		messengerType = account.MessengerType
	}
	adapter, err := d.Registry.Chat(messengerType)
	if err != nil {
		return "", err
	}
	if req.Typing {
		if err := adapter.SendTypingIndicator(ctx, account, req.RecipientID); err != nil {
			d.Logger.Debug().Err(err).Str("message_id", req.MessageID).Msg("typing indicator failed")
		}
	}
	return adapter.SendMessage(ctx, account, req.RecipientID, req.Content, req.Attachments)
}

func (d *Dispatcher) publish(ctx context.Context, logger zerolog.Logger, event delivery.StatusEvent) {
	if d.Status == nil {
		return
	}
	if err := d.Status.PublishStatus(ctx, event); err != nil {
		logger.Error().Err(err).Msg("failed to publish status event")
	}
}

func taskFor(req OutboundRequest, maxRetries int) delivery.Task {
	return delivery.Task{
		MessageID:      req.MessageID,
		ConversationID: req.ConversationID,
		ClinicID:       req.ClinicID,
		AccountID:      req.AccountID,
		RecipientID:    req.RecipientID,
		Payload:        delivery.Payload{Content: req.Content, Attachments: req.Attachments},
		MessengerType:  req.MessengerType,
		MaxRetries:     maxRetries,
	}
}
