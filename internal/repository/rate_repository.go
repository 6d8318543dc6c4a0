package repository

import (
	"context"
	"database/sql"

	"github.com/akylbek/payment-system/marketplace-core/internal/interfaces"
)

type RateRepository struct {
	db *sql.DB
}

func NewRateRepository(db *sql.DB) *RateRepository {
	return &RateRepository{db: db}
}

func (r *RateRepository) GetRate(ctx context.Context, base, quote string) (*interfaces.ExchangeRate, error) {
	rate := interfaces.ExchangeRate{Base: base, Quote: quote}
	err := r.db.QueryRowContext(ctx,
		`SELECT rate, fetched_at FROM exchange_rates WHERE base = $1 AND quote = $2`, base, quote,
	).Scan(&rate.Rate, &rate.FetchedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &rate, nil
}

func (r *RateRepository) SaveRate(ctx context.Context, rate *interfaces.ExchangeRate) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO exchange_rates (base, quote, rate, fetched_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (base, quote) DO UPDATE SET rate = EXCLUDED.rate, fetched_at = EXCLUDED.fetched_at
	`, rate.Base, rate.Quote, rate.Rate, rate.FetchedAt)
	return err
}
