package store

import (
	"context"
	"errors"
	"math"
	"time"
)

const (
	maxRetries     = 5
	initialBackoff = 100 * time.Millisecond
)

// WithRetry runs op up to maxRetries times with exponential backoff.
// Retrying stops early when the context is done or op reports a
// non-retryable error (ErrRoomExists, ErrNotFound).
func WithRetry(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrRoomExists) || errors.Is(lastErr, ErrNotFound) {
			return lastErr
		}

		backoff := initialBackoff * time.Duration(math.Pow(2, float64(i)))
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(backoff):
		}
	}
	return lastErr
}
