package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("runtime error")

func newTestBreaker(t *testing.T, threshold int) (*CircuitBreaker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker(t.Name(), BreakerConfig{
		FailureThreshold: threshold,
		RecoveryTimeout:  30 * time.Second,
		Clock:            clock,
	})
	return cb, clock
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(t, 3)
	calls := 0
	failing := func(context.Context) error {
		calls++
		return errBoom
	}

	for i := 0; i < 3; i++ {
		if err := cb.Call(context.Background(), failing); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected errBoom, got %v", i+1, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected OPEN after 3 failures, got %s", cb.State())
	}

	if err := cb.Call(context.Background(), failing); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("wrapped function called %d times, expected 3", calls)
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	cb, _ := newTestBreaker(t, 3)
	fail := func(context.Context) error { return errBoom }
	ok := func(context.Context) error { return nil }

	_ = cb.Call(context.Background(), fail)
	_ = cb.Call(context.Background(), fail)
	if err := cb.Call(context.Background(), ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb.FailureCount() != 0 {
		t.Fatalf("failure count=%d, expected 0", cb.FailureCount())
	}
	_ = cb.Call(context.Background(), fail)
	if cb.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", cb.State())
	}
}

func TestBreakerProbeTransitions(t *testing.T) {
	tests := []struct {
		name      string
		probeErr  error
		wantState State
		wantCount int
	}{
		{name: "probe succeeds", probeErr: nil, wantState: StateClosed, wantCount: 0},
		{name: "probe fails", probeErr: errBoom, wantState: StateOpen, wantCount: 3},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cb, clock := newTestBreaker(t, 2)
			fail := func(context.Context) error { return errBoom }
			_ = cb.Call(context.Background(), fail)
			_ = cb.Call(context.Background(), fail)

			clock.Advance(29 * time.Second)
			if err := cb.Call(context.Background(), fail); !errors.Is(err, ErrCircuitOpen) {
				t.Fatalf("expected rejection before recovery timeout, got %v", err)
			}

			clock.Advance(time.Second)
			probed := false
			err := cb.Call(context.Background(), func(context.Context) error {
				probed = true
				if cb.State() != StateHalfOpen {
					t.Errorf("expected HALF_OPEN during probe, got %s", cb.State())
				}
				return tc.probeErr
			})
			if !probed {
				t.Fatalf("probe was not invoked")
			}
			if !errors.Is(err, tc.probeErr) {
				t.Fatalf("probe error=%v, expected %v", err, tc.probeErr)
			}
			if cb.State() != tc.wantState {
				t.Fatalf("state=%s, expected %s", cb.State(), tc.wantState)
			}
			if cb.FailureCount() != tc.wantCount {
				t.Fatalf("failure count=%d, expected %d", cb.FailureCount(), tc.wantCount)
			}
		})
	}
}

func TestBreakerFailedProbeRefreshesCooldown(t *testing.T) {
	cb, clock := newTestBreaker(t, 1)
	fail := func(context.Context) error { return errBoom }
	_ = cb.Call(context.Background(), fail)

	clock.Advance(30 * time.Second)
	_ = cb.Call(context.Background(), fail)

	clock.Advance(10 * time.Second)
	if err := cb.Call(context.Background(), fail); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected cooldown to restart after failed probe, got %v", err)
	}
}

func TestBreakerRejectsConcurrentProbe(t *testing.T) {
	cb, clock := newTestBreaker(t, 1)
	_ = cb.Call(context.Background(), func(context.Context) error { return errBoom })
	clock.Advance(time.Minute)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Call(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Call(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected second caller to be rejected during probe, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe error: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected CLOSED after probe, got %s", cb.State())
	}
}

func TestBreakerStaleCallDoesNotEndProbe(t *testing.T) {
	cb, clock := newTestBreaker(t, 1)

	staleRelease := make(chan struct{})
	staleStarted := make(chan struct{})
	staleDone := make(chan error, 1)
	go func() {
		staleDone <- cb.Call(context.Background(), func(context.Context) error {
			close(staleStarted)
			<-staleRelease
			return errBoom
		})
	}()
	<-staleStarted

	_ = cb.Call(context.Background(), func(context.Context) error { return errBoom })
	clock.Advance(time.Minute)

	probeRelease := make(chan struct{})
	probeStarted := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- cb.Call(context.Background(), func(context.Context) error {
			close(probeStarted)
			<-probeRelease
			return nil
		})
	}()
	<-probeStarted

	close(staleRelease)
	<-staleDone
	if cb.State() != StateHalfOpen {
		t.Fatalf("stale result changed state to %s", cb.State())
	}
	if err := cb.Call(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected a second probe to be rejected, got %v", err)
	}

	close(probeRelease)
	if err := <-probeDone; err != nil {
		t.Fatalf("probe error: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected CLOSED after probe, got %s", cb.State())
	}
}

func TestBreakerIgnoresCallerCancellation(t *testing.T) {
	cb, _ := newTestBreaker(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := cb.Call(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if cb.State() != StateClosed || cb.FailureCount() != 0 {
		t.Fatalf("cancellation must not count: state=%s count=%d", cb.State(), cb.FailureCount())
	}
}

func TestBreakersReuseInstances(t *testing.T) {
	set := NewBreakers(BreakerConfig{FailureThreshold: 2})
	if set.Get("telegram") != set.Get("telegram") {
		t.Fatalf("expected the same breaker for the same key")
	}
	if set.Get("telegram") == set.Get("line") {
		t.Fatalf("expected distinct breakers per key")
	}
}
