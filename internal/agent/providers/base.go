package providers

import (
	"context"
	"time"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
	defaultMaxTokens  = 4096
)

// retrier holds shared retry settings for providers.
type retrier struct {
	maxRetries int
	retryDelay time.Duration
}

func newRetrier(maxRetries int, retryDelay time.Duration) retrier {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return retrier{maxRetries: maxRetries, retryDelay: retryDelay}
}

// Do runs op up to maxRetries times with linear backoff while the error is retryable.
func (r retrier) Do(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil || !IsRetryable(lastErr) || attempt == r.maxRetries {
			return lastErr
		}
		timer := time.NewTimer(r.retryDelay * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func send[T any](ctx context.Context, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}
