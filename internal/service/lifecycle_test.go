package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/marketplace-core/internal/fraud"
	"github.com/akylbek/payment-system/marketplace-core/internal/models"
	"github.com/akylbek/payment-system/marketplace-core/internal/referral"
)

const browserUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_2) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15"

// A referred purchase goes through click, payment, webhook, attribution and two
// refunds.
func TestPaymentLifecycleWithReferral(t *testing.T) {
	e := newEnv(t)
	engine := fraud.NewEngine(fraud.Config{}, nil, nil, fraud.NewThresholdPolicy(70, 40), zap.NewNop(), nil)
	tracker := referral.NewTracker(e.store, engine, e.converter, e.publisher, 0, zap.NewNop())
	e.orch.attributor = tracker
	ctx := context.Background()

	link, err := tracker.CreateLink(ctx, models.CreateLinkRequest{
		ReferrerID: "affiliate-7", RewardType: models.RewardPercentage, RewardValue: decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	click, err := tracker.CreateTrackingCookie(ctx, link.ReferralCode, models.ClickContext{
		IPAddress: "93.184.216.34", UserAgent: browserUA, LandingPage: "/product/42",
	})
	require.NoError(t, err)

	res, err := e.orch.CreatePayment(ctx, models.CreatePaymentRequest{
		Amount: 2999, Currency: "USD", Provider: models.ProviderStripe,
		ReferralCookie: click.Record.CookieValue,
	}, "checkout-1")
	require.NoError(t, err)
	require.True(t, res.Success)
	p := res.PaymentIntent
	assert.Equal(t, models.StatusPending, p.Status)

	e.succeed(t, p)
	e.succeed(t, p)
	assert.Equal(t, models.StatusSucceeded, e.status(t, p.ID))
	assert.Equal(t, 1, e.publisher.count(models.EventPaymentSucceeded))
	assert.Equal(t, 1, e.publisher.count(models.EventCommissionAccrued))

	stats, err := tracker.GetStats(ctx, link.ReferralCode)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ClickCount)
	assert.Equal(t, int64(1), stats.PurchaseCount)
	assert.Equal(t, int64(300), stats.TotalEarned)

	refund, err := e.orch.ProcessRefund(ctx, models.RefundRequest{PaymentIntentID: p.ID, Amount: amountPtr(1500), Reason: "requested_by_customer"})
	require.NoError(t, err)
	require.True(t, refund.Success)
	assert.Equal(t, models.StatusPartiallyRefunded, e.status(t, p.ID))

	refund, err = e.orch.ProcessRefund(ctx, models.RefundRequest{PaymentIntentID: p.ID})
	require.NoError(t, err)
	require.True(t, refund.Success)
	assert.Equal(t, int64(1499), refund.Refund.Amount)
	assert.Equal(t, models.StatusRefunded, e.status(t, p.ID))

	// A late redelivery of the success webhook changes nothing.
	e.succeed(t, p)
	assert.Equal(t, models.StatusRefunded, e.status(t, p.ID))
	assert.Equal(t, 1, e.publisher.count(models.EventPaymentSucceeded))

	stats, err = tracker.GetStats(ctx, link.ReferralCode)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.PurchaseCount)
}
