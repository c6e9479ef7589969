package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/clinic-messaging/internal/common"
	"github.com/example/clinic-messaging/internal/messenger"
	"github.com/example/clinic-messaging/internal/realtime"
	"github.com/example/clinic-messaging/internal/store"
)

const maxBody = 1 << 20

var defaultAck = []byte(`{"status":"ok"}`)

// Producer is satisfied by *kafka.Writer.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Server struct {
	Accounts    store.AccountStore
	Registry    *messenger.Registry
	Inbound     Producer
	Payments    Producer
	Broadcaster realtime.Broadcaster
	Logger      zerolog.Logger
}

var (
	eventCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Total webhook events processed",
	}, []string{"provider", "status"})
)

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	common.MountHealth(r)
	r.Post("/v1/webhooks/{provider}/{account_id}", s.handle)
	r.Get("/v1/webhooks/meta/{account_id}", s.subscribe)
	return r
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("webhook").Start(r.Context(), "ingest-webhook")
	defer span.End()

	providerType := messenger.Type(chi.URLParam(r, "provider"))
	accountID := chi.URLParam(r, "account_id")
	span.SetAttributes(attribute.String("provider", string(providerType)), attribute.String("account.id", accountID))

	provider, err := s.Registry.Get(providerType)
	if err != nil {
		s.respondErr(ctx, w, "unknown", "not_found", http.StatusNotFound, err)
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondErr(ctx, w, providerType, "error", http.StatusRequestEntityTooLarge, err)
			return
		}
		s.respondErr(ctx, w, providerType, "error", http.StatusBadRequest, err)
		return
	}

	account, ok := s.account(ctx, w, providerType, accountID)
	if !ok {
		return
	}

	if !verify(provider, account, raw, r.Header) {
		s.respondErr(ctx, w, providerType, "rejected", http.StatusForbidden, errors.New("webhook verification failed"))
		return
	}
	span.SetAttributes(attribute.String("clinic.id", account.ClinicID))

	var published int
	switch adapter := provider.(type) {
	case messenger.ChatAdapter:
		published, err = s.handleChat(ctx, adapter, account, raw)
	case messenger.PaymentAdapter:
		published, err = s.handlePayment(ctx, adapter, account, raw)
	default:
		err = fmt.Errorf("%w: %s", messenger.ErrUnsupported, providerType)
	}
	if err != nil {
		var decodeErr *parseError
		if errors.As(err, &decodeErr) {
			s.respondErr(ctx, w, providerType, "error", http.StatusBadRequest, err)
			return
		}
		s.respondErr(ctx, w, providerType, "error", http.StatusInternalServerError, err)
		return
	}

	status := "ok"
	if published == 0 {
		status = "ignored"
	}
	eventCounter.WithLabelValues(string(providerType), status).Inc()
	span.SetAttributes(attribute.Int("webhook.published", published))

	ack := defaultAck
	if responder, ok := provider.(messenger.WebhookResponder); ok {
		ack = responder.WebhookAck()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(ack)
}

type parseError struct{ err error }

func (e *parseError) Error() string { return e.err.Error() }
func (e *parseError) Unwrap() error { return e.err }

func (s *Server) handleChat(ctx context.Context, adapter messenger.ChatAdapter, account messenger.Account, raw []byte) (int, error) {
	msgs, err := adapter.ParseWebhook(account, raw)
	if err != nil {
		return 0, &parseError{err: err}
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	batch := make([]kafka.Message, 0, len(msgs))
	for _, msg := range msgs {
		body, err := json.Marshal(msg)
		if err != nil {
			return 0, fmt.Errorf("marshal message: %w", err)
		}
		batch = append(batch, kafka.Message{Key: []byte(msg.ClinicID + ":" + msg.AccountID), Value: body})
	}
	if err := s.Inbound.WriteMessages(ctx, batch...); err != nil {
		return 0, fmt.Errorf("publish inbound messages: %w", err)
	}

	for _, msg := range msgs {
		if err := s.Broadcaster.BroadcastToTenant(ctx, msg.ClinicID, realtime.Event{Type: "new_message", Data: msg}); err != nil {
			logger := common.WithContext(ctx, s.Logger)
			logger.Warn().Err(err).Str("clinic_id", msg.ClinicID).Msg("new_message broadcast failed")
		}
	}
	return len(msgs), nil
}

func (s *Server) handlePayment(ctx context.Context, adapter messenger.PaymentAdapter, account messenger.Account, raw []byte) (int, error) {
	result, err := adapter.ParsePayment(account, raw)
	if err != nil {
		return 0, &parseError{err: err}
	}
	if !result.Terminal() {
		return 0, nil
	}
	body, err := json.Marshal(result)
	if err != nil {
		return 0, fmt.Errorf("marshal payment result: %w", err)
	}
	key := result.ClinicID + ":" + result.PaymentID
	if err := s.Payments.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: body}); err != nil {
		return 0, fmt.Errorf("publish payment result: %w", err)
	}
	event := realtime.Event{Type: "payment_update", Data: map[string]any{
		"provider":   result.Provider,
		"payment_id": result.PaymentID,
		"order_id":   result.OrderID,
		"status":     result.Status,
		"amount":     result.Amount,
		"currency":   result.Currency,
	}}
	if err := s.Broadcaster.BroadcastToTenant(ctx, result.ClinicID, event); err != nil {
		logger := common.WithContext(ctx, s.Logger)
		logger.Warn().Err(err).Str("clinic_id", result.ClinicID).Msg("payment_update broadcast failed")
	}
	return 1, nil
}

// subscribe answers the Meta hub.challenge handshake for one account.
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("webhook").Start(r.Context(), "webhook-subscribe")
	defer span.End()

	provider, err := s.Registry.Get(messenger.Meta)
	if err != nil {
		s.respondErr(ctx, w, messenger.Meta, "not_found", http.StatusNotFound, err)
		return
	}
	verifier, ok := provider.(SubscriptionVerifier)
	if !ok {
		s.respondErr(ctx, w, messenger.Meta, "error", http.StatusNotFound, messenger.ErrUnsupported)
		return
	}
	account, ok := s.account(ctx, w, messenger.Meta, chi.URLParam(r, "account_id"))
	if !ok {
		return
	}
	q := r.URL.Query()
	challenge, ok := verifier.VerifySubscription(account, q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
	if !ok {
		s.respondErr(ctx, w, messenger.Meta, "rejected", http.StatusForbidden, errors.New("subscription token mismatch"))
		return
	}
	eventCounter.WithLabelValues(string(messenger.Meta), "subscribed").Inc()
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// account loads and authorizes the target account, writing the error
// response itself when it returns false.
func (s *Server) account(ctx context.Context, w http.ResponseWriter, provider messenger.Type, id string) (messenger.Account, bool) {
	account, err := s.Accounts.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.respondErr(ctx, w, provider, "not_found", http.StatusNotFound, err)
			return messenger.Account{}, false
		}
		s.respondErr(ctx, w, provider, "error", http.StatusInternalServerError, err)
		return messenger.Account{}, false
	}
	if !accountAllows(account, provider) {
		s.respondErr(ctx, w, provider, "rejected", http.StatusForbidden, fmt.Errorf("account %s not accepting %s events", id, provider))
		return messenger.Account{}, false
	}
	return account, true
}

func (s *Server) respondErr(ctx context.Context, w http.ResponseWriter, provider messenger.Type, status string, code int, err error) {
	logger := common.WithContext(ctx, s.Logger)
	event := logger.Error()
	if code < http.StatusInternalServerError {
		event = logger.Warn()
	}
	event.Err(err).Int("status", code).Str("provider", string(provider)).Msg("webhook handler error")
	eventCounter.WithLabelValues(string(provider), status).Inc()
	http.Error(w, http.StatusText(code), code)
}
