package chain

import (
	"context"
	"errors"
	"time"
)

const maxRetryDelay = 10 * time.Second

// WithRetry runs a read-only call until it succeeds, fails permanently or
// runs out of attempts. The delay doubles between attempts up to
// maxRetryDelay. Transactions never go through here.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func(context.Context) error) error {
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	delay := baseDelay
	var err error
	for attempt := 0; attempt <= max(maxRetries, 0); attempt++ {
		if attempt > 0 {
			if waitErr := sleep(ctx, delay); waitErr != nil {
				return waitErr
			}
			delay = min(delay*2, maxRetryDelay)
		}
		if err = fn(ctx); err == nil || !transient(err) {
			return err
		}
	}
	return err
}

// transient reports whether err may clear on its own. A revert does not:
// the same call against the same state reverts again.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var revert *RevertError
	return !errors.As(AsRevert(err), &revert)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
