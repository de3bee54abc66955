package objectstore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ringvault/ringvault/internal/config"
	"github.com/ringvault/ringvault/internal/metrics"
	"github.com/ringvault/ringvault/internal/storage"
)

// RetryPolicy configures the delay between attempts of a store operation.
// The number of attempts is chosen per call.
type RetryPolicy struct {
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential backoff.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which the backoff grows each retry.
	BackoffMultiplier float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryPolicyFromConfig converts the retry config section.
func RetryPolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		InitialBackoff:    cfg.InitialBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		BackoffMultiplier: cfg.Multiplier,
	}
}

func (p RetryPolicy) next(backoff time.Duration) time.Duration {
	if p.BackoffMultiplier > 1 {
		backoff = time.Duration(float64(backoff) * p.BackoffMultiplier)
	}
	if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	return backoff
}

// permanent reports errors that another attempt cannot fix.
func permanent(err error) bool {
	return errors.Is(err, storage.ErrObjectNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Retry runs fn up to attempts times, sleeping between failures according to
// the policy. Values below 1 mean a single attempt. It returns the number of
// attempts made and the last error. A missing object or a done context ends
// the loop early.
func Retry(ctx context.Context, op, key string, attempts int, policy RetryPolicy, fn func(ctx context.Context) error) (int, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	backoff := policy.InitialBackoff
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if permanent(lastErr) {
			return attempt, lastErr
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if attempt == attempts {
			return attempt, lastErr
		}

		slog.Debug("Store operation failed, retrying",
			"op", op, "key", key, "attempt", attempt,
			"attempts", attempts, "backoff", backoff, "error", lastErr)
		metrics.RetriesTotal.WithLabelValues(op).Inc()

		if backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, ctx.Err()
			case <-timer.C:
			}
		}
		backoff = policy.next(backoff)
	}
	return attempts, lastErr
}
