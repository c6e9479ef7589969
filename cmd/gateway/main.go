package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"

	"github.com/example/clinic-messaging/internal/common"
	"github.com/example/clinic-messaging/internal/providers"
	"github.com/example/clinic-messaging/internal/realtime"
	"github.com/example/clinic-messaging/internal/store"
	"github.com/example/clinic-messaging/internal/webhook"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("gateway")
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
	if cfg.JWTSecret == "" {
		logger.Fatal().Msg("JWT_SECRET must be provided")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()
	repo, err := store.MustRepository(pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("build repository")
	}

	bus, err := realtime.OpenBus(cfg.PubSubDriver, cfg.RedisURL, cfg.KafkaBrokers, cfg.BroadcastTopic, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.PubSubDriver).Msg("open pubsub bus")
	}
	manager := realtime.NewManager(bus, logger)
	subscriberDone := make(chan struct{})
	go func() {
		defer close(subscriberDone)
		if err := manager.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("realtime subscriber stopped")
		}
	}()

	inbound := newWriter(cfg, cfg.InboundTopic)
	defer inbound.Close()
	payments := newWriter(cfg, cfg.PaymentEventsTopic)
	defer payments.Close()

	server := &webhook.Server{
		Accounts:    repo,
		Registry:    providers.NewRegistry(cfg, logger),
		Inbound:     inbound,
		Payments:    payments,
		Broadcaster: manager,
		Logger:      logger,
	}
	router := server.Router()
	realtime.NewHandler(manager, cfg.JWTSecret, logger).Mount(router)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTPPort).Str("pubsub", cfg.PubSubDriver).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("gateway server failed")
		}
	}()

	<-ctx.Done()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	<-subscriberDone
}

func newWriter(cfg *common.Config, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
}
