package sopdoc

import (
	"context"
	log "log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// DefaultRetryBase is the first backoff interval used by Retry when base is not positive.
const DefaultRetryBase = 50 * time.Millisecond

// Retry executes task with Fibonacci backoff up to maxRetries retries. Only errors wrapped with
// RetryableError are retried; any other error ends the loop right away.
// If retries are exhausted, gaveUpTask is invoked (when not nil) and the final error is returned.
func Retry(ctx context.Context, maxRetries uint64, base time.Duration, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	if base <= 0 {
		base = DefaultRetryBase
	}
	b := retry.NewFibonacci(base)
	if err := retry.Do(ctx, retry.WithMaxRetries(maxRetries, b), task); err != nil {
		log.Warn(err.Error() + ", gave up")
		if gaveUpTask != nil {
			gaveUpTask(ctx)
		}
		return err
	}
	return nil
}

// RetryableError marks err as retryable for Retry.
func RetryableError(err error) error {
	return retry.RetryableError(err)
}
