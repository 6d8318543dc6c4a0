package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/akylbek/payment-system/marketplace-core/internal/models"
)

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// InitDB creates the service's tables when they do not exist.
func InitDB(ctx context.Context, db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS payment_intents (
			id VARCHAR(64) PRIMARY KEY,
			amount BIGINT NOT NULL CHECK (amount > 0),
			currency VARCHAR(10) NOT NULL,
			provider VARCHAR(20) NOT NULL,
			provider_payment_id VARCHAR(255),
			status VARCHAR(30) NOT NULL,
			client_secret TEXT,
			redirect_url TEXT,
			idempotency_key VARCHAR(255) UNIQUE,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_payment_intents_external
			ON payment_intents(provider, provider_payment_id) WHERE provider_payment_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_payment_intents_status ON payment_intents(status)`,
		`CREATE TABLE IF NOT EXISTS refunds (
			id VARCHAR(64) PRIMARY KEY,
			payment_intent_id VARCHAR(64) NOT NULL REFERENCES payment_intents(id),
			amount BIGINT NOT NULL CHECK (amount > 0),
			currency VARCHAR(10) NOT NULL,
			provider_refund_id VARCHAR(255),
			status VARCHAR(20) NOT NULL,
			reason TEXT,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_refunds_payment ON refunds(payment_intent_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_refunds_external
			ON refunds(provider_refund_id) WHERE provider_refund_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS referral_links (
			id VARCHAR(64) PRIMARY KEY,
			referrer_id VARCHAR(64) NOT NULL,
			referral_code VARCHAR(32) NOT NULL UNIQUE,
			target_type VARCHAR(20) NOT NULL,
			target_id VARCHAR(64),
			reward_type VARCHAR(20) NOT NULL,
			reward_value NUMERIC(20, 4) NOT NULL,
			reward_currency VARCHAR(10),
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS referral_stats (
			referral_link_id VARCHAR(64) PRIMARY KEY REFERENCES referral_links(id),
			click_count BIGINT NOT NULL DEFAULT 0,
			purchase_count BIGINT NOT NULL DEFAULT 0,
			total_earned BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS referral_tracking (
			id VARCHAR(64) PRIMARY KEY,
			referral_link_id VARCHAR(64) NOT NULL REFERENCES referral_links(id),
			referral_code VARCHAR(32) NOT NULL,
			ip_address VARCHAR(64),
			user_agent TEXT,
			referrer_url TEXT,
			landing_page TEXT,
			country VARCHAR(64),
			city VARCHAR(128),
			cookie_value VARCHAR(64) NOT NULL UNIQUE,
			risk_score INT NOT NULL DEFAULT 0,
			flagged BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL,
			consumed_at TIMESTAMPTZ,
			payment_intent_id VARCHAR(64)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_referral_tracking_link ON referral_tracking(referral_link_id)`,
		`CREATE TABLE IF NOT EXISTS exchange_rates (
			base VARCHAR(10) NOT NULL,
			quote VARCHAR(10) NOT NULL,
			rate NUMERIC(30, 12) NOT NULL,
			fetched_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (base, quote)
		)`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return err
		}
	}

	return nil
}

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	return json.Marshal(m)
}

func decodeMetadata(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
