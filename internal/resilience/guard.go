package resilience

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var providerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "provider_calls_total",
	Help: "Outbound provider calls by outcome",
}, []string{"provider", "outcome"})

// Guard composes breaker, retry policy and client in that order: the breaker
// sees one failure per exhausted retry sequence.
type Guard struct {
	Name    string
	Breaker *CircuitBreaker
	Retry   RetryPolicy
	Client  *Client
	Logger  zerolog.Logger
}

func NewGuard(name string, breakers *Breakers, retry RetryPolicy, client *Client, logger zerolog.Logger) *Guard {
	g := &Guard{
		Name:    name,
		Breaker: breakers.Get(name),
		Retry:   retry,
		Client:  client,
		Logger:  logger.With().Str("provider", name).Logger(),
	}
	if g.Retry.OnRetry == nil {
		g.Retry.OnRetry = func(err error, wait time.Duration) {
			g.Logger.Warn().Err(err).Dur("backoff", wait).Msg("provider call failed, retrying")
		}
	}
	return g
}

func (g *Guard) Call(ctx context.Context, op func(context.Context) error) error {
	err := g.Breaker.Call(ctx, func(ctx context.Context) error {
		return g.Retry.Do(ctx, op)
	})
	providerCalls.WithLabelValues(g.Name, outcome(err)).Inc()
	return err
}

// JSON performs a guarded request. body, when non-nil, is sent as JSON and
// re-encoded for each attempt.
func (g *Guard) JSON(ctx context.Context, method, url string, headers map[string]string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("%s: encode request: %w", g.Name, err)
		}
	}
	return g.Call(ctx, func(ctx context.Context) error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return fmt.Errorf("%s: build request: %w", g.Name, err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return g.Client.DoJSON(g.Name, req, out)
	})
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case IsTransient(err):
		return "transient"
	default:
		return "permanent"
	}
}
