// Package currency converts amounts between currencies using rates cached in
// the store and refreshed from a remote rate source when stale.
package currency

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/marketplace-core/internal/interfaces"
	"github.com/akylbek/payment-system/marketplace-core/internal/models"
	"github.com/akylbek/payment-system/marketplace-core/internal/money"
	"github.com/akylbek/payment-system/marketplace-core/internal/telemetry"
)

const DefaultTTL = 24 * time.Hour

type Converter struct {
	store   interfaces.RateStore
	fetcher interfaces.RateFetcher
	ttl     time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

func NewConverter(store interfaces.RateStore, fetcher interfaces.RateFetcher, ttl time.Duration, logger *zap.Logger) *Converter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Converter{store: store, fetcher: fetcher, ttl: ttl, logger: logger, now: time.Now}
}

// Convert converts amount (minor units of from) into minor units of to, rounding
// half away from zero. It never falls back to a rate of 1.
func (c *Converter) Convert(ctx context.Context, amount int64, from, to string) (*models.Conversion, error) {
	from, to = money.Normalize(from), money.Normalize(to)
	if from == to {
		telemetry.ExchangeRateLookups.WithLabelValues("identity").Inc()
		return &models.Conversion{Amount: amount, Currency: to, Rate: decimal.NewFromInt(1)}, nil
	}

	rate, err := c.Rate(ctx, from, to)
	if err != nil {
		return nil, err
	}

	// amount is in minor units of from; rescale to minor units of to.
	converted := decimal.NewFromInt(amount).
		Mul(rate).
		Shift(money.Exponent(to) - money.Exponent(from))
	return &models.Conversion{Amount: money.Round(converted), Currency: to, Rate: rate}, nil
}

// Rate returns the major-unit rate from -> to.
func (c *Converter) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	cached, err := c.store.GetRate(ctx, from, to)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		c.logger.Warn("Failed to read cached exchange rate",
			zap.String("from", from), zap.String("to", to), zap.Error(err))
		cached = nil
	}
	if cached != nil && c.now().Sub(cached.FetchedAt) < c.ttl {
		telemetry.ExchangeRateLookups.WithLabelValues("cache").Inc()
		return cached.Rate, nil
	}

	rate, fetchErr := c.fetcher.FetchRate(ctx, from, to)
	if fetchErr == nil {
		telemetry.ExchangeRateLookups.WithLabelValues("fetch").Inc()
		if err := c.store.SaveRate(ctx, &interfaces.ExchangeRate{Base: from, Quote: to, Rate: rate, FetchedAt: c.now()}); err != nil {
			c.logger.Warn("Failed to cache exchange rate",
				zap.String("from", from), zap.String("to", to), zap.Error(err))
		}
		return rate, nil
	}

	if cached != nil {
		telemetry.ExchangeRateLookups.WithLabelValues("stale").Inc()
		c.logger.Warn("Using stale exchange rate",
			zap.String("from", from),
			zap.String("to", to),
			zap.Time("fetched_at", cached.FetchedAt),
			zap.Error(fetchErr),
		)
		return cached.Rate, nil
	}

	telemetry.ExchangeRateLookups.WithLabelValues("miss").Inc()
	return decimal.Zero, &models.ExchangeRateNotFoundError{From: from, To: to, Err: fetchErr}
}
