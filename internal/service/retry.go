package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/marketplace-core/internal/models"
	"github.com/akylbek/payment-system/marketplace-core/internal/providers"
	"github.com/akylbek/payment-system/marketplace-core/internal/telemetry"
)

// RetryPolicy bounds calls to payment providers. Only retryable ProviderErrors
// are retried, always with the same idempotency key.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	AttemptTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      200 * time.Millisecond,
		AttemptTimeout: providers.DefaultHTTPTimeout,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.MaxElapsedTime = 0
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

// callProvider runs fn under the retry policy and records each attempt's latency.
func callProvider[T any](ctx context.Context, policy RetryPolicy, logger *zap.Logger,
	provider models.Provider, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	op := func() (T, error) {
		attempt++
		attemptCtx := ctx
		if policy.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, policy.AttemptTimeout)
			defer cancel()
		}

		start := time.Now()
		res, err := fn(attemptCtx)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		telemetry.ProviderCallDuration.WithLabelValues(string(provider), operation, outcome).
			Observe(time.Since(start).Seconds())

		if err != nil && !retryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	notify := func(err error, wait time.Duration) {
		logger.Warn("Provider call failed, retrying",
			zap.String("provider", string(provider)),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	return backoff.RetryNotifyWithData(op, policy.backOff(ctx), notify)
}

func retryable(err error) bool {
	var perr *models.ProviderError
	return errors.As(err, &perr) && perr.Retryable
}
