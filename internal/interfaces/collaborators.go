package interfaces

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/marketplace-core/internal/models"
)

// EventPublisher delivers domain events to notification and incentive consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event models.Event) error
}

// Locker serializes work on one key across service instances.
type Locker interface {
	// Acquire returns a release func, or ok=false when another holder owns the key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// VelocityCounter counts hits on a key inside a sliding window and returns the
// count including the current hit.
type VelocityCounter interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, error)
}

type ReputationLookup interface {
	Lookup(ctx context.Context, ip string) (*models.IPReputation, error)
}

type RateFetcher interface {
	FetchRate(ctx context.Context, base, quote string) (decimal.Decimal, error)
}

type CurrencyConverter interface {
	Convert(ctx context.Context, amount int64, from, to string) (*models.Conversion, error)
}

// FraudAnalyzer scores a click and applies the decision policy.
type FraudAnalyzer interface {
	Analyze(ctx context.Context, signal models.ClickSignal) (*models.FraudAnalysisResult, error)
}

// Attributor credits purchases to referrals.
type Attributor interface {
	AttributePurchase(ctx context.Context, cookieValue string, purchase models.PurchaseContext) (*models.Attribution, error)
}
