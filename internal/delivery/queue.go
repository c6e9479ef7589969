package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/example/clinic-messaging/internal/messenger"
	"github.com/example/clinic-messaging/internal/realtime"
	"github.com/example/clinic-messaging/internal/store"
)

var ErrAlreadyQueued = errors.New("delivery task already queued for message")

var (
	errBrokenTask = errors.New("task cannot be delivered")
	errShutdown   = errors.New("queue shutting down")
)

var (
	attemptCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_attempts_total",
		Help: "Delivery retry attempts by outcome",
	}, []string{"messenger_type", "outcome"})
	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "delivery_pending_tasks",
		Help: "Tasks waiting in the in-process retry queue",
	})
)

type Config struct {
	BaseDelay  time.Duration
	MaxRetries int
	Workers    int
}

type Queue struct {
	cfg         Config
	accounts    store.AccountStore
	messages    store.MessageStore
	registry    *messenger.Registry
	broadcaster realtime.Broadcaster
	status      StatusPublisher
	logger      zerolog.Logger

	// After schedules the wait before each attempt.
	After func(time.Duration) <-chan time.Time
	// Requeue takes back tasks still waiting when the queue shuts down.
	Requeue Enqueuer
	// RequeueTimeout bounds each hand-back after ctx is done.
	RequeueTimeout time.Duration

	incoming chan Task
	sem      chan struct{}

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewQueue(cfg Config, accounts store.AccountStore, messages store.MessageStore, registry *messenger.Registry,
	broadcaster realtime.Broadcaster, status StatusPublisher, logger zerolog.Logger) *Queue {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	return &Queue{
		cfg:            cfg,
		accounts:       accounts,
		messages:       messages,
		registry:       registry,
		broadcaster:    broadcaster,
		status:         status,
		logger:         logger,
		After:          time.After,
		RequeueTimeout: 10 * time.Second,
		incoming:       make(chan Task, cfg.Workers*4),
		sem:            make(chan struct{}, cfg.Workers),
		inflight:       make(map[string]struct{}),
	}
}

// Delay is the wait before the zero-based attempt n.
func (q *Queue) Delay(n int) time.Duration {
	return q.cfg.BaseDelay * time.Duration(1<<uint(n))
}

// Enqueue accepts a task unless one for the same message is already pending
// in this process.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	if task.MessageID == "" {
		return fmt.Errorf("%w: message_id missing", errBrokenTask)
	}
	q.mu.Lock()
	if _, ok := q.inflight[task.MessageID]; ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, task.MessageID)
	}
	q.inflight[task.MessageID] = struct{}{}
	q.mu.Unlock()
	pendingGauge.Inc()

	select {
	case q.incoming <- task:
		return nil
	case <-ctx.Done():
		q.forget(task.MessageID)
		return ctx.Err()
	}
}

// Pending reports whether a task for messageID is in flight.
func (q *Queue) Pending(messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.inflight[messageID]
	return ok
}

// Run schedules queued tasks until ctx is done. On shutdown, tasks that have
// not finished are handed to Requeue with their attempt count, and Run returns
// once every hand-back is done.
func (q *Queue) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			q.drain(ctx)
			return nil
		case task := <-q.incoming:
			wg.Add(1)
			go func(task Task) {
				defer wg.Done()
				defer q.forget(task.MessageID)
				q.process(ctx, task)
			}(task)
		}
	}
}

func (q *Queue) drain(ctx context.Context) {
	for {
		select {
		case task := <-q.incoming:
			q.requeue(ctx, task)
			q.forget(task.MessageID)
		default:
			return
		}
	}
}

// requeue writes task back to the retry topic. ctx is already done here, so
// the write runs on a detached deadline.
func (q *Queue) requeue(ctx context.Context, task Task) {
	logger := q.logger.With().Str("message_id", task.MessageID).Int("attempt", task.AttemptCount).Logger()
	if q.Requeue == nil {
		logger.Error().Msg("shutdown with no requeue target, delivery task dropped")
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.RequeueTimeout)
	defer cancel()
	if err := q.Requeue.Enqueue(rctx, task); err != nil {
		attemptCounter.WithLabelValues(string(task.MessengerType), "lost").Inc()
		logger.Error().Err(err).Msg("failed to requeue delivery task on shutdown")
		return
	}
	attemptCounter.WithLabelValues(string(task.MessengerType), "requeued").Inc()
	logger.Info().Msg("delivery task requeued on shutdown")
}

func (q *Queue) forget(messageID string) {
	q.mu.Lock()
	if _, ok := q.inflight[messageID]; ok {
		delete(q.inflight, messageID)
		pendingGauge.Dec()
	}
	q.mu.Unlock()
}

func (q *Queue) process(ctx context.Context, task Task) {
	maxRetries := task.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.cfg.MaxRetries
	}
	logger := q.logger.With().Str("message_id", task.MessageID).Str("messenger_type", string(task.MessengerType)).Logger()

	var lastErr error
	for task.AttemptCount < maxRetries {
		select {
		case <-ctx.Done():
			q.requeue(ctx, task)
			return
		case <-q.After(q.Delay(task.AttemptCount)):
		}

		providerID, err := q.attempt(ctx, task)
		if errors.Is(err, errShutdown) {
			q.requeue(ctx, task)
			return
		}
		task.AttemptCount++
		if err == nil {
			attemptCounter.WithLabelValues(string(task.MessengerType), "delivered").Inc()
			q.delivered(context.WithoutCancel(ctx), task, providerID)
			logger.Info().Int("attempts", task.AttemptCount).Msg("delivery succeeded")
			return
		}
		lastErr = err
		if errors.Is(err, errBrokenTask) {
			attemptCounter.WithLabelValues(string(task.MessengerType), "broken").Inc()
			break
		}
		attemptCounter.WithLabelValues(string(task.MessengerType), "failed").Inc()
		logger.Warn().Err(err).Int("attempt", task.AttemptCount).Int("max_retries", maxRetries).Msg("delivery attempt failed")
	}
	q.exhausted(context.WithoutCancel(ctx), task, lastErr)
}

// attempt is not cancelled by shutdown once it holds a worker slot; the
// provider client timeouts bound it.
func (q *Queue) attempt(ctx context.Context, task Task) (string, error) {
	select {
	case q.sem <- struct{}{}:
		defer func() { <-q.sem }()
	case <-ctx.Done():
		return "", errShutdown
	}
	ctx = context.WithoutCancel(ctx)

	ctx, span := otel.Tracer("delivery").Start(ctx, "delivery-attempt")
	defer span.End()
	span.SetAttributes(
		attribute.String("message.id", task.MessageID),
		attribute.String("messenger.type", string(task.MessengerType)),
		attribute.Int("delivery.attempt", task.AttemptCount),
	)

	providerID, err := q.send(ctx, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return providerID, err
}

func (q *Queue) send(ctx context.Context, task Task) (string, error) {
	account, err := q.accounts.GetAccount(ctx, task.AccountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: %v", errBrokenTask, err)
		}
		return "", err
	}
	if !account.IsActive {
		return "", fmt.Errorf("%w: account %s inactive", errBrokenTask, account.ID)
	}
	messengerType := task.MessengerType
	if messengerType == "" {
		messengerType = account.MessengerType
	}
	adapter, err := q.registry.Chat(messengerType)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errBrokenTask, err)
	}
	return adapter.SendMessage(ctx, account, task.RecipientID, task.Payload.Content, task.Payload.Attachments)
}

func (q *Queue) delivered(ctx context.Context, task Task, providerID string) {
	if err := q.messages.UpdateProviderMessageID(ctx, task.MessageID, providerID); err != nil {
		q.logger.Error().Err(err).Str("message_id", task.MessageID).Msg("failed to record provider message id")
	}
	event := NewStatusEvent(task, StatusDelivered)
	event.ProviderMessageID = providerID
	q.publish(ctx, event)
}

// exhausted emits the single terminal notification for task. Nothing is
// returned to callers.
func (q *Queue) exhausted(ctx context.Context, task Task, cause error) {
	reason := "retries exhausted"
	if cause != nil {
		reason = cause.Error()
	}
	q.logger.Error().Str("message_id", task.MessageID).Str("clinic_id", task.ClinicID).
		Int("attempts", task.AttemptCount).Str("reason", reason).Msg("delivery failed permanently")

	err := q.broadcaster.BroadcastToTenant(ctx, task.ClinicID, realtime.Event{
		Type: "delivery_failed",
		Data: map[string]string{
			"message_id":      task.MessageID,
			"conversation_id": task.ConversationID,
			"messenger_type":  string(task.MessengerType),
		},
	})
	if err != nil {
		q.logger.Error().Err(err).Str("message_id", task.MessageID).Msg("failed to broadcast delivery_failed")
	}
	if err := q.messages.MarkFailed(ctx, task.MessageID, reason); err != nil {
		q.logger.Error().Err(err).Str("message_id", task.MessageID).Msg("failed to mark message failed")
	}
	event := NewStatusEvent(task, StatusFailed)
	event.Error = reason
	q.publish(ctx, event)
}

func (q *Queue) publish(ctx context.Context, event StatusEvent) {
	if q.status == nil {
		return
	}
	if err := q.status.PublishStatus(ctx, event); err != nil {
		q.logger.Error().Err(err).Str("message_id", event.MessageID).Str("status", string(event.Status)).Msg("failed to publish status event")
	}
}
