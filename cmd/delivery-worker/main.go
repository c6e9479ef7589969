package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"

	"github.com/example/clinic-messaging/internal/common"
	"github.com/example/clinic-messaging/internal/delivery"
	"github.com/example/clinic-messaging/internal/providers"
	"github.com/example/clinic-messaging/internal/realtime"
	"github.com/example/clinic-messaging/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("delivery-worker")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := common.NewLogger(cfg.ServiceName)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer common.ShutdownTelemetry(context.Background(), shutdown)

	metricsSrv := common.StartMetricsServer(cfg.MetricsPort)
	defer metricsSrv.Shutdown(context.Background())

	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL must be provided")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()
	repo := store.NewPostgresRepository(pool)

	// publish-only: delivery_failed reaches dashboards through the gateways'
	// subscribers
	bus, err := realtime.OpenBus(cfg.PubSubDriver, cfg.RedisURL, cfg.KafkaBrokers, cfg.BroadcastTopic, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.PubSubDriver).Msg("open pubsub bus")
	}
	broadcaster := realtime.NewManager(bus, logger)

	statusWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers...),
		Topic:    cfg.DeliveryEventsTopic,
		Balancer: &kafka.Hash{},
	}
	defer statusWriter.Close()

	retryWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers...),
		Topic:    cfg.DeliveryRetryTopic,
		Balancer: &kafka.Hash{},
	}
	defer retryWriter.Close()

	queue := delivery.NewQueue(delivery.Config{
		BaseDelay:  cfg.DeliveryBaseDelay,
		MaxRetries: cfg.DeliveryMaxRetries,
		Workers:    cfg.DeliveryWorkers,
	}, repo, repo, providers.NewRegistry(cfg, logger), broadcaster,
		&delivery.KafkaStatusPublisher{Writer: statusWriter}, logger)
	// tasks still waiting at shutdown go back to the retry topic
	queue.Requeue = &delivery.KafkaEnqueuer{Writer: retryWriter}

	consumer := delivery.Consumer{
		ReaderFactory: func() delivery.Reader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers: cfg.KafkaBrokers,
				GroupID: cfg.ServiceName,
				Topic:   cfg.DeliveryRetryTopic,
			})
		},
		Queue:  queue,
		Logger: logger,
	}

	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		if err := queue.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("delivery queue stopped")
		}
	}()

	logger.Info().Int("workers", cfg.DeliveryWorkers).Dur("base_delay", cfg.DeliveryBaseDelay).Msg("delivery worker started")
	if err := consumer.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("delivery worker stopped")
		cancel()
	}
	<-queueDone
	logger.Info().Msg("delivery queue drained")
}
