package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort     int
	MetricsPort  int
	DatabaseURL  string
	KafkaBrokers []string
	OTLPEndpoint string
	ServiceName  string

	InboundTopic        string
	PaymentEventsTopic  string
	OutboundTopic       string
	DeliveryRetryTopic  string
	DeliveryEventsTopic string
	BroadcastTopic      string

	PubSubDriver string
	RedisURL     string
	JWTSecret    string

	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration
	RetryMaxAttempts        int
	HTTPConnectTimeout      time.Duration
	HTTPReadTimeout         time.Duration
	ProviderRateLimit       float64

	DeliveryBaseDelay  time.Duration
	DeliveryMaxRetries int
	DeliveryWorkers    int
}

// LoadConfig reads the environment, after merging an optional .env file.
func LoadConfig(service string) (*Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	cfg := &Config{ServiceName: service}

	httpPort, err := getEnvInt("HTTP_PORT", 8080)
	if err != nil {
		return nil, err
	}
	cfg.HTTPPort = httpPort

	metricsPort, err := getEnvInt("METRICS_PORT", httpPort+1000)
	if err != nil {
		return nil, err
	}
	cfg.MetricsPort = metricsPort

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.OTLPEndpoint = os.Getenv("OTLP_ENDPOINT")

	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	} else {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	cfg.InboundTopic = getEnv("INBOUND_TOPIC", "messages.inbound")
	cfg.PaymentEventsTopic = getEnv("PAYMENT_EVENTS_TOPIC", "payments.events")
	cfg.OutboundTopic = getEnv("OUTBOUND_TOPIC", "messages.outbound")
	cfg.DeliveryRetryTopic = getEnv("DELIVERY_RETRY_TOPIC", "delivery.retry")
	cfg.DeliveryEventsTopic = getEnv("DELIVERY_EVENTS_TOPIC", "delivery.events")
	cfg.BroadcastTopic = getEnv("BROADCAST_TOPIC", "ws.broadcast")

	cfg.PubSubDriver = getEnv("PUBSUB_DRIVER", "redis")
	cfg.RedisURL = getEnv("REDIS_URL", "redis://localhost:6379/0")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	if cfg.BreakerFailureThreshold, err = getEnvInt("BREAKER_FAILURE_THRESHOLD", 5); err != nil {
		return nil, err
	}
	if cfg.BreakerRecoveryTimeout, err = getEnvDuration("BREAKER_RECOVERY_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetryMaxAttempts, err = getEnvInt("RETRY_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.HTTPConnectTimeout, err = getEnvDuration("HTTP_CONNECT_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.HTTPReadTimeout, err = getEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.ProviderRateLimit, err = getEnvFloat("PROVIDER_RATE_LIMIT", 20); err != nil {
		return nil, err
	}
	if cfg.DeliveryBaseDelay, err = getEnvDuration("DELIVERY_BASE_DELAY", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.DeliveryMaxRetries, err = getEnvInt("DELIVERY_MAX_RETRIES", 5); err != nil {
		return nil, err
	}
	if cfg.DeliveryWorkers, err = getEnvInt("DELIVERY_WORKERS", 8); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return parsed, nil
	}
	return fallback, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return parsed, nil
	}
	return fallback, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(key); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return parsed, nil
	}
	return fallback, nil
}
