package interfaces

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/marketplace-core/internal/models"
)

// PaymentRepository is owned by the orchestrator; no other component writes
// payment intents or refunds.
type PaymentRepository interface {
	CreatePayment(ctx context.Context, p *models.PaymentIntent) error
	GetPayment(ctx context.Context, id string) (*models.PaymentIntent, error)
	GetPaymentByExternalID(ctx context.Context, provider models.Provider, externalID string) (*models.PaymentIntent, error)
	GetPaymentByIdempotencyKey(ctx context.Context, key string) (*models.PaymentIntent, error)
	// TransitionStatus moves the payment from one status to another only if it is
	// still in the from status. It returns the number of rows affected.
	TransitionStatus(ctx context.Context, id string, from, to models.PaymentStatus) (int64, error)

	CreateRefund(ctx context.Context, r *models.Refund) error
	GetRefundByExternalID(ctx context.Context, externalID string) (*models.Refund, error)
	ListRefunds(ctx context.Context, paymentID string) ([]*models.Refund, error)
	TransitionRefundStatus(ctx context.Context, id string, from, to models.RefundStatus) (int64, error)
}

// ReferralRepository is owned by the attribution tracker.
type ReferralRepository interface {
	CreateLink(ctx context.Context, link *models.ReferralLink) error
	GetLinkByCode(ctx context.Context, code string) (*models.ReferralLink, error)
	GetLink(ctx context.Context, id string) (*models.ReferralLink, error)
	GetStats(ctx context.Context, linkID string) (*models.ReferralStats, error)

	InsertTrackingRecord(ctx context.Context, rec *models.ReferralTrackingRecord) error
	GetTrackingRecord(ctx context.Context, cookieValue string) (*models.ReferralTrackingRecord, error)
	// ClaimTrackingRecord marks an unexpired, unconsumed record as consumed by a
	// payment in a single conditional write. It returns models.ErrNotFound when no
	// record qualified.
	ClaimTrackingRecord(ctx context.Context, cookieValue, paymentIntentID string, now time.Time) (*models.ReferralTrackingRecord, error)

	IncrementClickCount(ctx context.Context, linkID string) error
	RecordConversion(ctx context.Context, linkID string, commission int64) error
}

type ExchangeRate struct {
	Base      string
	Quote     string
	Rate      decimal.Decimal
	FetchedAt time.Time
}

type RateStore interface {
	GetRate(ctx context.Context, base, quote string) (*ExchangeRate, error)
	SaveRate(ctx context.Context, rate *ExchangeRate) error
}
