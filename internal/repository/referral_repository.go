package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/akylbek/payment-system/marketplace-core/internal/models"
)

type ReferralRepository struct {
	db *sql.DB
}

func NewReferralRepository(db *sql.DB) *ReferralRepository {
	return &ReferralRepository{db: db}
}

const linkColumns = `id, referrer_id, referral_code, target_type, target_id, reward_type,
	reward_value, reward_currency, is_active, created_at`

// CreateLink inserts the link and its zeroed stats row in one transaction.
func (r *ReferralRepository) CreateLink(ctx context.Context, link *models.ReferralLink) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO referral_links (id, referrer_id, referral_code, target_type, target_id,
			reward_type, reward_value, reward_currency, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, link.ID, link.ReferrerID, link.ReferralCode, link.TargetType, nullString(link.TargetID),
		link.RewardType, link.RewardValue, nullString(link.RewardCurrency), link.IsActive,
	).Scan(&link.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ErrConflict
		}
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO referral_stats (referral_link_id) VALUES ($1)`, link.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *ReferralRepository) GetLinkByCode(ctx context.Context, code string) (*models.ReferralLink, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM referral_links WHERE referral_code = $1`, code)
	return scanLink(row)
}

func (r *ReferralRepository) GetLink(ctx context.Context, id string) (*models.ReferralLink, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM referral_links WHERE id = $1`, id)
	return scanLink(row)
}

func (r *ReferralRepository) GetStats(ctx context.Context, linkID string) (*models.ReferralStats, error) {
	var s models.ReferralStats
	err := r.db.QueryRowContext(ctx, `
		SELECT referral_link_id, click_count, purchase_count, total_earned, updated_at
		FROM referral_stats WHERE referral_link_id = $1
	`, linkID).Scan(&s.ReferralLinkID, &s.ClickCount, &s.PurchaseCount, &s.TotalEarned, &s.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

const trackingColumns = `id, referral_link_id, referral_code, ip_address, user_agent, referrer_url,
	landing_page, country, city, cookie_value, risk_score, flagged, created_at, expires_at,
	consumed_at, payment_intent_id`

func (r *ReferralRepository) InsertTrackingRecord(ctx context.Context, rec *models.ReferralTrackingRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO referral_tracking (id, referral_link_id, referral_code, ip_address, user_agent,
			referrer_url, landing_page, country, city, cookie_value, risk_score, flagged, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, rec.ID, rec.ReferralLinkID, rec.ReferralCode, rec.IPAddress, rec.UserAgent,
		nullString(rec.ReferrerURL), nullString(rec.LandingPage), nullString(rec.Country), nullString(rec.City),
		rec.CookieValue, rec.RiskScore, rec.Flagged, rec.CreatedAt, rec.ExpiresAt)
	if isUniqueViolation(err) {
		return models.ErrConflict
	}
	return err
}

func (r *ReferralRepository) GetTrackingRecord(ctx context.Context, cookieValue string) (*models.ReferralTrackingRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+trackingColumns+` FROM referral_tracking WHERE cookie_value = $1`, cookieValue)
	return scanTracking(row)
}

// ClaimTrackingRecord is the single conditional write that makes attribution
// at-most-once per cookie.
func (r *ReferralRepository) ClaimTrackingRecord(ctx context.Context, cookieValue, paymentIntentID string, now time.Time) (*models.ReferralTrackingRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE referral_tracking
		SET consumed_at = $1, payment_intent_id = $2
		WHERE cookie_value = $3 AND consumed_at IS NULL AND expires_at > $1
		RETURNING `+trackingColumns, now, paymentIntentID, cookieValue)
	return scanTracking(row)
}

func (r *ReferralRepository) IncrementClickCount(ctx context.Context, linkID string) error {
	return r.expectOne(ctx, `
		UPDATE referral_stats
		SET click_count = click_count + 1, updated_at = NOW()
		WHERE referral_link_id = $1
	`, linkID)
}

func (r *ReferralRepository) RecordConversion(ctx context.Context, linkID string, commission int64) error {
	return r.expectOne(ctx, `
		UPDATE referral_stats
		SET purchase_count = purchase_count + 1, total_earned = total_earned + $2, updated_at = NOW()
		WHERE referral_link_id = $1
	`, linkID, commission)
}

func (r *ReferralRepository) expectOne(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("referral stats for %v: %w", args[0], models.ErrNotFound)
	}
	return nil
}

func scanLink(row rowScanner) (*models.ReferralLink, error) {
	var (
		l                  models.ReferralLink
		targetID, currency sql.NullString
	)
	err := row.Scan(&l.ID, &l.ReferrerID, &l.ReferralCode, &l.TargetType, &targetID, &l.RewardType,
		&l.RewardValue, &currency, &l.IsActive, &l.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	l.TargetID = targetID.String
	l.RewardCurrency = currency.String
	return &l, nil
}

func scanTracking(row rowScanner) (*models.ReferralTrackingRecord, error) {
	var (
		rec                                               models.ReferralTrackingRecord
		referrer, landing, country, city, paymentIntentID sql.NullString
		consumedAt                                        sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.ReferralLinkID, &rec.ReferralCode, &rec.IPAddress, &rec.UserAgent,
		&referrer, &landing, &country, &city, &rec.CookieValue, &rec.RiskScore, &rec.Flagged,
		&rec.CreatedAt, &rec.ExpiresAt, &consumedAt, &paymentIntentID)
	if err != nil {
		return nil, notFound(err)
	}
	rec.ReferrerURL = referrer.String
	rec.LandingPage = landing.String
	rec.Country = country.String
	rec.City = city.String
	rec.PaymentIntentID = paymentIntentID.String
	if consumedAt.Valid {
		t := consumedAt.Time
		rec.ConsumedAt = &t
	}
	return &rec, nil
}
