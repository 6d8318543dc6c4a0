package referral

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/marketplace-core/internal/models"
	"github.com/akylbek/payment-system/marketplace-core/internal/repository"
)

type fixedAnalyzer struct {
	result models.FraudAnalysisResult
	calls  int
}

func (a *fixedAnalyzer) Analyze(context.Context, models.ClickSignal) (*models.FraudAnalysisResult, error) {
	a.calls++
	r := a.result
	return &r, nil
}

type rateConverter struct {
	rate decimal.Decimal
	err  error
}

func (c *rateConverter) Convert(_ context.Context, amount int64, _, to string) (*models.Conversion, error) {
	if c.err != nil {
		return nil, c.err
	}
	v := decimal.NewFromInt(amount).Mul(c.rate).Round(0).IntPart()
	return &models.Conversion{Amount: v, Currency: to, Rate: c.rate}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

type fixture struct {
	store     *repository.MemoryStore
	analyzer  *fixedAnalyzer
	converter *rateConverter
	publisher *recordingPublisher
	tracker   *Tracker
}

func newFixture() *fixture {
	f := &fixture{
		store:     repository.NewMemoryStore(),
		analyzer:  &fixedAnalyzer{},
		converter: &rateConverter{rate: decimal.NewFromInt(1)},
		publisher: &recordingPublisher{},
	}
	f.tracker = NewTracker(f.store, f.analyzer, f.converter, f.publisher, 0, zap.NewNop())
	return f
}

func (f *fixture) link(t *testing.T, req models.CreateLinkRequest) *models.ReferralLink {
	t.Helper()
	if req.ReferrerID == "" {
		req.ReferrerID = "user-1"
	}
	link, err := f.tracker.CreateLink(context.Background(), req)
	require.NoError(t, err)
	return link
}

func percentage(v int64) models.CreateLinkRequest {
	return models.CreateLinkRequest{RewardType: models.RewardPercentage, RewardValue: decimal.NewFromInt(v)}
}

var click = models.ClickContext{IPAddress: "93.184.216.34", UserAgent: "Mozilla/5.0", LandingPage: "/product/1"}

func TestCreateLink(t *testing.T) {
	f := newFixture()
	link := f.link(t, percentage(10))
	assert.Len(t, link.ReferralCode, 10)
	assert.Equal(t, models.TargetAny, link.TargetType)
	assert.True(t, link.IsActive)

	stats, err := f.tracker.GetStats(context.Background(), link.ReferralCode)
	require.NoError(t, err)
	assert.Zero(t, stats.ClickCount)
}

func TestCreateLinkValidation(t *testing.T) {
	f := newFixture()
	tests := []models.CreateLinkRequest{
		{RewardType: models.RewardPercentage, RewardValue: decimal.NewFromInt(10)},
		{ReferrerID: "u", RewardType: models.RewardPercentage, RewardValue: decimal.NewFromInt(0)},
		{ReferrerID: "u", RewardType: models.RewardPercentage, RewardValue: decimal.NewFromInt(101)},
		{ReferrerID: "u", RewardType: models.RewardFixed, RewardValue: decimal.RequireFromString("1.5")},
		{ReferrerID: "u", RewardType: "bonus", RewardValue: decimal.NewFromInt(1)},
		{ReferrerID: "u", TargetType: models.TargetProduct, RewardType: models.RewardFixed, RewardValue: decimal.NewFromInt(1)},
	}
	for _, req := range tests {
		_, err := f.tracker.CreateLink(context.Background(), req)
		var verr *models.ValidationError
		assert.ErrorAs(t, err, &verr)
	}
}

func TestCreateTrackingCookie(t *testing.T) {
	f := newFixture()
	link := f.link(t, percentage(10))

	res, err := f.tracker.CreateTrackingCookie(context.Background(), link.ReferralCode, click)
	require.NoError(t, err)
	assert.Len(t, res.Record.CookieValue, 64)
	assert.Equal(t, link.ID, res.Record.ReferralLinkID)
	assert.WithinDuration(t, res.Record.CreatedAt.Add(30*24*time.Hour), res.Record.ExpiresAt, time.Second)
	assert.False(t, res.Record.Flagged)

	stats, err := f.tracker.GetStats(context.Background(), link.ReferralCode)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ClickCount)
}

func TestBlockedClickLeavesNoTrace(t *testing.T) {
	f := newFixture()
	link := f.link(t, percentage(10))
	f.analyzer.result = models.FraudAnalysisResult{RiskScore: 85, ShouldBlock: true, FraudTypes: []string{models.FraudBotUserAgent}}

	_, err := f.tracker.CreateTrackingCookie(context.Background(), link.ReferralCode, click)
	var blocked *models.ClickBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, 85, blocked.Result.RiskScore)

	assert.Zero(t, f.store.CountTrackingRecords(link.ID))
	stats, err := f.tracker.GetStats(context.Background(), link.ReferralCode)
	require.NoError(t, err)
	assert.Zero(t, stats.ClickCount)
}

func TestTrackingUnknownAndInactiveLinks(t *testing.T) {
	f := newFixture()
	_, err := f.tracker.CreateTrackingCookie(context.Background(), "nope", click)
	assert.ErrorIs(t, err, models.ErrReferralNotFound)
	assert.ErrorIs(t, err, models.ErrNotFound)

	link := f.link(t, percentage(10))
	f.store.SetLinkActive(link.ID, false)
	_, err = f.tracker.CreateTrackingCookie(context.Background(), link.ReferralCode, click)
	assert.ErrorIs(t, err, models.ErrReferralInactive)
	assert.Zero(t, f.analyzer.calls)
}

func TestAttributePurchasePercentage(t *testing.T) {
	f := newFixture()
	link := f.link(t, percentage(10))
	res, err := f.tracker.CreateTrackingCookie(context.Background(), link.ReferralCode, click)
	require.NoError(t, err)

	attr, err := f.tracker.AttributePurchase(context.Background(), res.Record.CookieValue, models.PurchaseContext{
		PaymentIntentID: "pay-1", Amount: 2999, Currency: "usd",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(300), attr.Commission)
	assert.Equal(t, "USD", attr.Currency)
	assert.Equal(t, "user-1", attr.ReferrerID)
	assert.False(t, attr.HeldForReview)

	stats, _ := f.tracker.GetStats(context.Background(), link.ReferralCode)
	assert.Equal(t, int64(1), stats.PurchaseCount)
	assert.Equal(t, int64(300), stats.TotalEarned)

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, models.EventCommissionAccrued, f.publisher.events[0].Type)

	_, err = f.tracker.AttributePurchase(context.Background(), res.Record.CookieValue, models.PurchaseContext{PaymentIntentID: "pay-2", Amount: 100, Currency: "USD"})
	var miss *models.AttributionMiss
	require.ErrorAs(t, err, &miss)
	assert.Equal(t, models.MissAlreadyClaimed, miss.Reason)
}

func TestAttributePurchaseAtMostOnceUnderConcurrency(t *testing.T) {
	f := newFixture()
	link := f.link(t, percentage(5))
	res, err := f.tracker.CreateTrackingCookie(context.Background(), link.ReferralCode, click)
	require.NoError(t, err)

	const workers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		misses    int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.tracker.AttributePurchase(context.Background(), res.Record.CookieValue,
				models.PurchaseContext{PaymentIntentID: "pay-1", Amount: 1000, Currency: "USD"})
			mu.Lock()
			defer mu.Unlock()
			var miss *models.AttributionMiss
			switch {
			case err == nil:
				successes++
			case errors.As(err, &miss):
				misses++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, misses)
	stats, _ := f.tracker.GetStats(context.Background(), link.ReferralCode)
	assert.Equal(t, int64(1), stats.PurchaseCount)
	assert.Equal(t, int64(50), stats.TotalEarned)
}

func TestAttributePurchaseMisses(t *testing.T) {
	f := newFixture()
	link := f.link(t, percentage(10))
	res, err := f.tracker.CreateTrackingCookie(context.Background(), link.ReferralCode, click)
	require.NoError(t, err)

	var miss *models.AttributionMiss
	_, err = f.tracker.AttributePurchase(context.Background(), "unknown-cookie", models.PurchaseContext{PaymentIntentID: "p", Amount: 1, Currency: "USD"})
	require.ErrorAs(t, err, &miss)
	assert.Equal(t, models.MissNotFound, miss.Reason)

	f.tracker.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	_, err = f.tracker.AttributePurchase(context.Background(), res.Record.CookieValue, models.PurchaseContext{PaymentIntentID: "p", Amount: 1, Currency: "USD"})
	require.ErrorAs(t, err, &miss)
	assert.Equal(t, models.MissExpired, miss.Reason)
}

func TestFlaggedClickHeldForReview(t *testing.T) {
	f := newFixture()
	link := f.link(t, percentage(10))
	f.analyzer.result = models.FraudAnalysisResult{RiskScore: 45, ShouldFlag: true}

	res, err := f.tracker.CreateTrackingCookie(context.Background(), link.ReferralCode, click)
	require.NoError(t, err)
	assert.True(t, res.Record.Flagged)

	attr, err := f.tracker.AttributePurchase(context.Background(), res.Record.CookieValue, models.PurchaseContext{PaymentIntentID: "p", Amount: 1000, Currency: "USD"})
	require.NoError(t, err)
	assert.True(t, attr.HeldForReview)
	assert.Equal(t, int64(100), attr.Commission)
}

func TestFixedRewardConvertedAndCapped(t *testing.T) {
	f := newFixture()
	f.converter.rate = decimal.RequireFromString("0.9")
	link := f.link(t, models.CreateLinkRequest{
		RewardType: models.RewardFixed, RewardValue: decimal.NewFromInt(500), RewardCurrency: "usd",
	})

	res, err := f.tracker.CreateTrackingCookie(context.Background(), link.ReferralCode, click)
	require.NoError(t, err)
	attr, err := f.tracker.AttributePurchase(context.Background(), res.Record.CookieValue, models.PurchaseContext{PaymentIntentID: "p1", Amount: 10000, Currency: "EUR"})
	require.NoError(t, err)
	assert.Equal(t, int64(450), attr.Commission)

	res, err = f.tracker.CreateTrackingCookie(context.Background(), link.ReferralCode, click)
	require.NoError(t, err)
	attr, err = f.tracker.AttributePurchase(context.Background(), res.Record.CookieValue, models.PurchaseContext{PaymentIntentID: "p2", Amount: 300, Currency: "EUR"})
	require.NoError(t, err)
	assert.Equal(t, int64(300), attr.Commission)
}

func TestConversionFailureLeavesCookieClaimable(t *testing.T) {
	f := newFixture()
	f.converter.rate = decimal.RequireFromString("0.9")
	link := f.link(t, models.CreateLinkRequest{
		RewardType: models.RewardFixed, RewardValue: decimal.NewFromInt(500), RewardCurrency: "USD",
	})
	res, err := f.tracker.CreateTrackingCookie(context.Background(), link.ReferralCode, click)
	require.NoError(t, err)
	purchase := models.PurchaseContext{PaymentIntentID: "p1", Amount: 10000, Currency: "EUR"}

	f.converter.err = errors.New("rate service down")
	_, err = f.tracker.AttributePurchase(context.Background(), res.Record.CookieValue, purchase)
	require.Error(t, err)
	var miss *models.AttributionMiss
	assert.False(t, errors.As(err, &miss))

	rec, err := f.store.GetTrackingRecord(context.Background(), res.Record.CookieValue)
	require.NoError(t, err)
	assert.Nil(t, rec.ConsumedAt)

	f.converter.err = nil
	attr, err := f.tracker.AttributePurchase(context.Background(), res.Record.CookieValue, purchase)
	require.NoError(t, err)
	assert.Equal(t, int64(450), attr.Commission)

	stats, err := f.tracker.GetStats(context.Background(), link.ReferralCode)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.PurchaseCount)
	assert.Equal(t, int64(450), stats.TotalEarned)
}

func TestAttributionToInactiveLinkConsumesCookie(t *testing.T) {
	f := newFixture()
	link := f.link(t, percentage(10))
	res, err := f.tracker.CreateTrackingCookie(context.Background(), link.ReferralCode, click)
	require.NoError(t, err)
	f.store.SetLinkActive(link.ID, false)

	purchase := models.PurchaseContext{PaymentIntentID: "p1", Amount: 1000, Currency: "USD"}
	var miss *models.AttributionMiss
	_, err = f.tracker.AttributePurchase(context.Background(), res.Record.CookieValue, purchase)
	require.ErrorAs(t, err, &miss)
	assert.Equal(t, models.MissInactive, miss.Reason)

	f.store.SetLinkActive(link.ID, true)
	_, err = f.tracker.AttributePurchase(context.Background(), res.Record.CookieValue, purchase)
	require.ErrorAs(t, err, &miss)
	assert.Equal(t, models.MissAlreadyClaimed, miss.Reason)
}
