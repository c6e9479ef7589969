package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "circuit_breaker_state",
	Help: "Circuit breaker state per provider (0 closed, 1 open, 2 half open)",
}, []string{"name"})

// Clock is the time source for recovery decisions.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	Clock            Clock
}

// CircuitBreaker guards calls to one provider. Recovery is evaluated lazily on
// each call; there is no background timer.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	clock            Clock

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	probing         bool
}

func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	cb := &CircuitBreaker{
		name:             name,
		failureThreshold: cfg.FailureThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout,
		clock:            cfg.Clock,
	}
	breakerState.WithLabelValues(name).Set(float64(StateClosed))
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.name }

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// Call runs fn unless the breaker is open. A call made once the recovery
// timeout has elapsed is the single half-open probe; concurrent calls during
// the probe are rejected.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	probe, err := cb.acquire()
	if err != nil {
		return err
	}
	err = fn(ctx)
	cb.record(ctx, err, probe)
	return err
}

// acquire reports whether the admitted call is the half-open probe.
func (cb *CircuitBreaker) acquire() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.clock.Now().Sub(cb.lastFailureTime) < cb.recoveryTimeout {
			return false, ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.probing = true
		return true, nil
	case StateHalfOpen:
		if cb.probing {
			return false, ErrCircuitOpen
		}
		cb.probing = true
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) record(ctx context.Context, err error, probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasProbe := probe
	if wasProbe {
		cb.probing = false
	} else if cb.state != StateClosed {
		// admitted before the breaker opened; the probe decides recovery
		return
	}

	if err == nil {
		cb.failureCount = 0
		cb.setState(StateClosed)
		return
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// caller gave up; says nothing about the provider
		if wasProbe {
			cb.setState(StateOpen)
		}
		return
	}

	cb.failureCount++
	if wasProbe || cb.failureCount >= cb.failureThreshold {
		cb.lastFailureTime = cb.clock.Now()
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) setState(s State) {
	cb.state = s
	breakerState.WithLabelValues(cb.name).Set(float64(s))
}

// Breakers hands out one breaker per key, created on first use.
type Breakers struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

func (b *Breakers) Get(key string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(key, b.cfg)
		b.breakers[key] = cb
	}
	return cb
}
