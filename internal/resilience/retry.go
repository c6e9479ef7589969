package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy retries an operation while it fails with errors accepted by
// RetryOn. MaxAttempts counts the first call.
type RetryPolicy struct {
	MaxAttempts int
	RetryOn     func(error) bool
	NewBackOff  func() backoff.BackOff
	OnRetry     func(err error, wait time.Duration)
}

func DefaultRetryPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		RetryOn:     IsTransient,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryOn := p.RetryOn
	if retryOn == nil {
		retryOn = IsTransient
	}
	var base backoff.BackOff
	if p.NewBackOff != nil {
		base = p.NewBackOff()
	} else {
		base = &backoff.ZeroBackOff{}
	}
	b := backoff.WithContext(backoff.WithMaxRetries(base, uint64(attempts-1)), ctx)

	operation := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !retryOn(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	var notify backoff.Notify
	if p.OnRetry != nil {
		notify = p.OnRetry
	}
	return backoff.RetryNotify(operation, b, notify)
}
