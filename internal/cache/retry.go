package cache

import (
	"context"
	"fmt"
	"time"
)

// Backoff parameters for Retry.
const (
	retryBaseDelay = 50 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

// Retry runs op once plus up to maxRetries more times with exponential
// backoff. It stops early when ctx is done.
func Retry(ctx context.Context, maxRetries int, op func(ctx context.Context) error) error {
	return retry(ctx, maxRetries, retryBaseDelay, op)
}

func retry(ctx context.Context, maxRetries int, base time.Duration, op func(ctx context.Context) error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	delay := base
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if attempt == maxRetries {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted after %d attempts: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", maxRetries+1, err)
}

// RetryValue is Retry for operations that return a value.
func RetryValue[T any](ctx context.Context, maxRetries int, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Retry(ctx, maxRetries, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
