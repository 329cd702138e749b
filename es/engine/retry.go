package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/getpup/pupstore/es/metrics"
)

// RetryConfig bounds the exponential backoff applied to transient backend failures.
type RetryConfig struct {
	// MaxAttempts counts every attempt, the first included. Values below 1 mean one attempt.
	MaxAttempts uint

	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	// MaxElapsed caps the total time spent retrying. Zero disables the cap.
	MaxElapsed time.Duration
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 25 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
		MaxElapsed:      10 * time.Second,
	}
}

func (c RetryConfig) options() []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	if c.InitialInterval > 0 {
		b.InitialInterval = c.InitialInterval
	}
	if c.MaxInterval > 0 {
		b.MaxInterval = c.MaxInterval
	}
	if c.Multiplier >= 1 {
		b.Multiplier = c.Multiplier
	}
	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(attempts),
		backoff.WithMaxElapsedTime(c.MaxElapsed),
	}
}

// withRetry runs fn until it succeeds, returns a non-retryable error, or the
// retry budget is spent. fn marks non-retryable errors with e.permanent.
func withRetry[T any](ctx context.Context, e *Engine, op string, fn func() (T, error)) (T, error) {
	opts := append(e.retry.options(), backoff.WithNotify(func(err error, next time.Duration) {
		metrics.RetriesTotal.WithLabelValues(op).Inc()
		if e.logger != nil {
			e.logger.Debug(ctx, "retrying backend operation",
				"op", op, "backoff", next, "error", err)
		}
	}))
	res, err := backoff.Retry[T](ctx, fn, opts...)
	// The last attempt returns its error as is, permanent or not.
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return res, err
}

// permanent stops the retry loop for every error the backend does not
// classify as transient or as a broken connection.
func (e *Engine) permanent(err error) error {
	if err == nil || e.backend.Classify(err).Retryable() {
		return err
	}
	return backoff.Permanent(err)
}
