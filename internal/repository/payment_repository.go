package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/akylbek/payment-system/marketplace-core/internal/models"
)

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

const paymentColumns = `id, amount, currency, provider, provider_payment_id, status,
	client_secret, redirect_url, idempotency_key, metadata, created_at, updated_at`

func (r *PaymentRepository) CreatePayment(ctx context.Context, p *models.PaymentIntent) error {
	meta, err := encodeMetadata(p.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO payment_intents (id, amount, currency, provider, provider_payment_id, status,
			client_secret, redirect_url, idempotency_key, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`, p.ID, p.Amount, p.Currency, p.Provider, nullString(p.ProviderPaymentID), p.Status,
		nullString(p.ClientSecret), nullString(p.RedirectURL), nullString(p.IdempotencyKey), meta,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if isUniqueViolation(err) {
		return models.ErrConflict
	}
	return err
}

func (r *PaymentRepository) GetPayment(ctx context.Context, id string) (*models.PaymentIntent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payment_intents WHERE id = $1`, id)
	return scanPayment(row)
}

func (r *PaymentRepository) GetPaymentByExternalID(ctx context.Context, provider models.Provider, externalID string) (*models.PaymentIntent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+`
		FROM payment_intents WHERE provider = $1 AND provider_payment_id = $2`, provider, externalID)
	return scanPayment(row)
}

func (r *PaymentRepository) GetPaymentByIdempotencyKey(ctx context.Context, key string) (*models.PaymentIntent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payment_intents WHERE idempotency_key = $1`, key)
	return scanPayment(row)
}

func (r *PaymentRepository) TransitionStatus(ctx context.Context, id string, from, to models.PaymentStatus) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_intents
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const refundColumns = `id, payment_intent_id, amount, currency, provider_refund_id, status,
	reason, metadata, created_at, updated_at`

func (r *PaymentRepository) CreateRefund(ctx context.Context, ref *models.Refund) error {
	meta, err := encodeMetadata(ref.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO refunds (id, payment_intent_id, amount, currency, provider_refund_id, status, reason, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, ref.ID, ref.PaymentIntentID, ref.Amount, ref.Currency, nullString(ref.ProviderRefundID),
		ref.Status, nullString(ref.Reason), meta,
	).Scan(&ref.CreatedAt, &ref.UpdatedAt)
	if isUniqueViolation(err) {
		return models.ErrConflict
	}
	return err
}

func (r *PaymentRepository) GetRefundByExternalID(ctx context.Context, externalID string) (*models.Refund, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refunds WHERE provider_refund_id = $1`, externalID)
	return scanRefund(row)
}

func (r *PaymentRepository) ListRefunds(ctx context.Context, paymentID string) ([]*models.Refund, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+refundColumns+`
		FROM refunds WHERE payment_intent_id = $1 ORDER BY created_at`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refunds []*models.Refund
	for rows.Next() {
		ref, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, ref)
	}
	return refunds, rows.Err()
}

func (r *PaymentRepository) TransitionRefundStatus(ctx context.Context, id string, from, to models.RefundStatus) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE refunds
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanPayment(row rowScanner) (*models.PaymentIntent, error) {
	var (
		p                                     models.PaymentIntent
		externalID, secret, redirect, idemKey sql.NullString
		meta                                  []byte
	)
	err := row.Scan(&p.ID, &p.Amount, &p.Currency, &p.Provider, &externalID, &p.Status,
		&secret, &redirect, &idemKey, &meta, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	p.ProviderPaymentID = externalID.String
	p.ClientSecret = secret.String
	p.RedirectURL = redirect.String
	p.IdempotencyKey = idemKey.String
	if p.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, fmt.Errorf("decode metadata for payment %s: %w", p.ID, err)
	}
	return &p, nil
}

func scanRefund(row rowScanner) (*models.Refund, error) {
	var (
		ref                models.Refund
		externalID, reason sql.NullString
		meta               []byte
	)
	err := row.Scan(&ref.ID, &ref.PaymentIntentID, &ref.Amount, &ref.Currency, &externalID, &ref.Status,
		&reason, &meta, &ref.CreatedAt, &ref.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	ref.ProviderRefundID = externalID.String
	ref.Reason = reason.String
	if ref.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, fmt.Errorf("decode metadata for refund %s: %w", ref.ID, err)
	}
	return &ref, nil
}
