// Package providers assembles the adapter registry shared by every process.
package providers

import (
	"github.com/rs/zerolog"

	"github.com/example/clinic-messaging/internal/common"
	"github.com/example/clinic-messaging/internal/messenger"
	"github.com/example/clinic-messaging/internal/providers/alipay"
	"github.com/example/clinic-messaging/internal/providers/kakao"
	"github.com/example/clinic-messaging/internal/providers/kingorder"
	"github.com/example/clinic-messaging/internal/providers/line"
	"github.com/example/clinic-messaging/internal/providers/meta"
	"github.com/example/clinic-messaging/internal/providers/stripe"
	"github.com/example/clinic-messaging/internal/providers/telegram"
	"github.com/example/clinic-messaging/internal/resilience"
)

// NewRegistry wires every adapter with its own breaker, retry policy and
// rate-limited client.
func NewRegistry(cfg *common.Config, logger zerolog.Logger) *messenger.Registry {
	breakers := resilience.NewBreakers(resilience.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
	})
	guard := func(t messenger.Type) *resilience.Guard {
		client := resilience.NewClient(resilience.ClientConfig{
			ConnectTimeout: cfg.HTTPConnectTimeout,
			ReadTimeout:    cfg.HTTPReadTimeout,
			RatePerSecond:  cfg.ProviderRateLimit,
			Burst:          int(cfg.ProviderRateLimit),
		})
		return resilience.NewGuard(string(t), breakers, resilience.DefaultRetryPolicy(cfg.RetryMaxAttempts), client, logger)
	}

	return messenger.NewRegistry(
		telegram.New(guard(messenger.Telegram), ""),
		line.New(guard(messenger.LINE), ""),
		kakao.New(guard(messenger.Kakao), ""),
		meta.New(guard(messenger.Meta), ""),
		stripe.New(),
		kingorder.New(),
		alipay.New(),
	)
}
