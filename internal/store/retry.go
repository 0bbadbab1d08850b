package store

import (
	"context"
	"time"

	"nancy/internal/brain"
	"nancy/internal/logging"
)

// retryBackoff is the pause before the single retry of a transient failure.
const retryBackoff = 200 * time.Millisecond

// ReadWithRetry runs an idempotent read with the configured per-operation
// timeout. A deadline expiry while the caller's context is still live is
// reported as a backend timeout, and transient failures (unavailable backend
// or timeout) are retried exactly once after a short backoff. Writes must not
// go through here.
func ReadWithRetry(ctx context.Context, kind brain.Kind, op string, timeout time.Duration, fn func(ctx context.Context) error) error {
	attempt := func() error {
		opCtx := ctx
		cancel := func() {}
		if timeout > 0 {
			opCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		defer cancel()

		err := fn(opCtx)
		if err != nil && opCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return brain.BackendTimeout(kind, op, err)
		}
		return err
	}

	err := attempt()
	if err == nil || !brain.IsRetryable(err) || ctx.Err() != nil {
		return err
	}

	logging.Get(logging.CategoryStore).Warn("%s.%s failed (%v), retrying once", kind, op, err)
	select {
	case <-time.After(retryBackoff):
	case <-ctx.Done():
		return err
	}
	return attempt()
}
