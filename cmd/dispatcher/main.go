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
	"github.com/example/clinic-messaging/internal/dispatcher"
	"github.com/example/clinic-messaging/internal/providers"
	"github.com/example/clinic-messaging/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("dispatcher")
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

	readerFactory := func() delivery.Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.ServiceName,
			Topic:   cfg.OutboundTopic,
		})
	}

	writerCache := map[string]*kafka.Writer{}
	writerFor := func(topic string) *kafka.Writer {
		if w, ok := writerCache[topic]; ok {
			return w
		}
		writer := &kafka.Writer{
			Addr:     kafka.TCP(cfg.KafkaBrokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		}
		writerCache[topic] = writer
		return writer
	}

	d := dispatcher.Dispatcher{
		ReaderFactory: readerFactory,
		Accounts:      repo,
		Messages:      repo,
		Registry:      providers.NewRegistry(cfg, logger),
		Retry:         &delivery.KafkaEnqueuer{Writer: writerFor(cfg.DeliveryRetryTopic)},
		Status:        &delivery.KafkaStatusPublisher{Writer: writerFor(cfg.DeliveryEventsTopic)},
		MaxRetries:    cfg.DeliveryMaxRetries,
		Logger:        logger,
	}

	go func() {
		logger.Info().Msg("dispatcher service started")
		if err := d.Run(ctx); err != nil {
			logger.Fatal().Err(err).Msg("dispatcher stopped")
		}
	}()

	<-ctx.Done()
	for _, writer := range writerCache {
		_ = writer.Close()
	}
}
