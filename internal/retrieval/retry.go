package retrieval

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/nidhogg/memorybank/internal/errs"
	"github.com/nidhogg/memorybank/internal/metrics"
)

// retry runs fn until it succeeds, fails with a non-retryable error, or
// runs out of attempts. Only ErrUnavailable is retried.
func retry[T any](ctx context.Context, e *Engine, op string, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn(ctx)
		if err != nil && !errs.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.opts.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.Retries.WithLabelValues(op).Inc()
			e.logger.Debug("retrying backend call",
				zap.String("op", op), zap.Duration("in", next), zap.Error(err))
		}),
	)
}
