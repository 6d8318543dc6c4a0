// Package referral tracks referral clicks and credits purchases to the
// referrer whose link was clicked.
package referral

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/marketplace-core/internal/interfaces"
	"github.com/akylbek/payment-system/marketplace-core/internal/models"
	"github.com/akylbek/payment-system/marketplace-core/internal/money"
	"github.com/akylbek/payment-system/marketplace-core/internal/telemetry"
)

const (
	DefaultCookieTTL = 30 * 24 * time.Hour
	codeLength       = 10
	// codeAlphabet omits characters that are easy to confuse when typed.
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnpqrstuvwxyz23456789"
	codeAttempts = 5
)

type Tracker struct {
	repo      interfaces.ReferralRepository
	analyzer  interfaces.FraudAnalyzer
	converter interfaces.CurrencyConverter
	publisher interfaces.EventPublisher
	cookieTTL time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewTracker(repo interfaces.ReferralRepository, analyzer interfaces.FraudAnalyzer,
	converter interfaces.CurrencyConverter, publisher interfaces.EventPublisher,
	cookieTTL time.Duration, logger *zap.Logger) *Tracker {
	if cookieTTL <= 0 {
		cookieTTL = DefaultCookieTTL
	}
	return &Tracker{
		repo:      repo,
		analyzer:  analyzer,
		converter: converter,
		publisher: publisher,
		cookieTTL: cookieTTL,
		logger:    logger,
		now:       time.Now,
	}
}

func (t *Tracker) CreateLink(ctx context.Context, req models.CreateLinkRequest) (*models.ReferralLink, error) {
	if err := validateLink(&req); err != nil {
		return nil, err
	}

	link := &models.ReferralLink{
		ID:             uuid.NewString(),
		ReferrerID:     req.ReferrerID,
		TargetType:     req.TargetType,
		TargetID:       req.TargetID,
		RewardType:     req.RewardType,
		RewardValue:    req.RewardValue,
		RewardCurrency: req.RewardCurrency,
		IsActive:       true,
	}
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := generateCode()
		if err != nil {
			return nil, err
		}
		link.ReferralCode = code
		err = t.repo.CreateLink(ctx, link)
		if err == nil {
			t.logger.Info("Referral link created",
				zap.String("referral_link_id", link.ID),
				zap.String("referral_code", link.ReferralCode),
				zap.String("referrer_id", link.ReferrerID),
			)
			return link, nil
		}
		if !errors.Is(err, models.ErrConflict) {
			return nil, fmt.Errorf("create referral link: %w", err)
		}
	}
	return nil, fmt.Errorf("create referral link: no unique code after %d attempts", codeAttempts)
}

func validateLink(req *models.CreateLinkRequest) error {
	if strings.TrimSpace(req.ReferrerID) == "" {
		return models.NewValidationError(models.CodeInvalidRequest, "referrer_id is required", nil)
	}
	if req.TargetType == "" {
		req.TargetType = models.TargetAny
	}
	switch req.TargetType {
	case models.TargetAny:
		req.TargetID = ""
	case models.TargetProduct, models.TargetShop:
		if req.TargetID == "" {
			return models.NewValidationError(models.CodeInvalidRequest, "target_id is required for this target type",
				map[string]any{"target_type": string(req.TargetType)})
		}
	default:
		return models.NewValidationError(models.CodeInvalidRequest, "unknown target type",
			map[string]any{"target_type": string(req.TargetType)})
	}

	switch req.RewardType {
	case models.RewardPercentage:
		if !req.RewardValue.IsPositive() || req.RewardValue.GreaterThan(decimal.NewFromInt(100)) {
			return models.NewValidationError(models.CodeInvalidAmount, "percentage reward must be in (0, 100]", nil)
		}
		req.RewardCurrency = ""
	case models.RewardFixed:
		if !req.RewardValue.IsPositive() || !req.RewardValue.Equal(req.RewardValue.Truncate(0)) {
			return models.NewValidationError(models.CodeInvalidAmount, "fixed reward must be a positive whole number of minor units", nil)
		}
		req.RewardCurrency = money.Normalize(req.RewardCurrency)
		if req.RewardCurrency != "" && !money.ValidCurrency(req.RewardCurrency) {
			return models.NewValidationError(models.CodeInvalidCurrency, "reward currency is invalid",
				map[string]any{"currency": req.RewardCurrency})
		}
	default:
		return models.NewValidationError(models.CodeInvalidRequest, "reward_type must be percentage or fixed", nil)
	}
	return nil
}

// CreateTrackingCookie records a click on a referral link and returns the cookie
// that later identifies the purchase. Blocked clicks leave no trace in the store.
func (t *Tracker) CreateTrackingCookie(ctx context.Context, referralCode string, click models.ClickContext) (*models.TrackingResult, error) {
	link, err := t.repo.GetLinkByCode(ctx, referralCode)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrReferralNotFound
		}
		return nil, err
	}
	if !link.IsActive {
		return nil, models.ErrReferralInactive
	}

	fraud, err := t.analyzer.Analyze(ctx, models.ClickSignal{
		ReferralCode: referralCode,
		IPAddress:    click.IPAddress,
		UserAgent:    click.UserAgent,
		ReferrerURL:  click.ReferrerURL,
	})
	if err != nil {
		return nil, fmt.Errorf("score referral click: %w", err)
	}
	if fraud.ShouldBlock {
		t.logger.Warn("Referral click blocked",
			zap.String("referral_code", referralCode),
			zap.String("ip_address", click.IPAddress),
			zap.Int("risk_score", fraud.RiskScore),
			zap.Strings("fraud_types", fraud.FraudTypes),
		)
		return nil, &models.ClickBlockedError{ReferralCode: referralCode, Result: fraud}
	}

	cookie, err := newCookieValue()
	if err != nil {
		return nil, err
	}
	now := t.now().UTC()
	rec := &models.ReferralTrackingRecord{
		ID:             uuid.NewString(),
		ReferralLinkID: link.ID,
		ReferralCode:   link.ReferralCode,
		IPAddress:      click.IPAddress,
		UserAgent:      click.UserAgent,
		ReferrerURL:    click.ReferrerURL,
		LandingPage:    click.LandingPage,
		Country:        fraud.Country,
		City:           fraud.City,
		CookieValue:    cookie,
		RiskScore:      fraud.RiskScore,
		Flagged:        fraud.ShouldFlag,
		CreatedAt:      now,
		ExpiresAt:      now.Add(t.cookieTTL),
	}
	if err := t.repo.InsertTrackingRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("store tracking record: %w", err)
	}
	if err := t.repo.IncrementClickCount(ctx, link.ID); err != nil {
		t.logger.Error("Failed to increment click count",
			zap.String("referral_link_id", link.ID),
			zap.Error(err),
		)
	}

	t.logger.Info("Referral click tracked",
		zap.String("referral_code", link.ReferralCode),
		zap.String("tracking_id", rec.ID),
		zap.Bool("flagged", rec.Flagged),
	)
	return &models.TrackingResult{Record: rec, Fraud: fraud}, nil
}

// AttributePurchase credits a purchase to the referral behind cookieValue. The
// commission is computed before the claim so a failure leaves the cookie usable
// for a retry. The claim is a single conditional write, so concurrent calls for
// one cookie credit at most once. A miss never fails the purchase.
func (t *Tracker) AttributePurchase(ctx context.Context, cookieValue string, purchase models.PurchaseContext) (*models.Attribution, error) {
	if cookieValue == "" {
		return nil, &models.AttributionMiss{Reason: models.MissNotFound}
	}

	now := t.now().UTC()
	pending, err := t.repo.GetTrackingRecord(ctx, cookieValue)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, t.miss(ctx, cookieValue, purchase, now)
		}
		return nil, fmt.Errorf("load tracking record: %w", err)
	}
	if pending.ConsumedAt != nil || !pending.ExpiresAt.After(now) {
		return nil, t.miss(ctx, cookieValue, purchase, now)
	}

	link, err := t.repo.GetLink(ctx, pending.ReferralLinkID)
	if err != nil {
		return nil, fmt.Errorf("load referral link: %w", err)
	}

	var commission int64
	if link.IsActive {
		if commission, err = t.commission(ctx, link, purchase); err != nil {
			return nil, err
		}
	}

	rec, err := t.repo.ClaimTrackingRecord(ctx, cookieValue, purchase.PaymentIntentID, now)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, t.miss(ctx, cookieValue, purchase, now)
		}
		return nil, fmt.Errorf("claim tracking record: %w", err)
	}

	// A deactivated link still consumes the cookie.
	if !link.IsActive {
		telemetry.Attributions.WithLabelValues(models.MissInactive).Inc()
		t.logger.Info("Referral attribution miss",
			zap.String("payment_id", purchase.PaymentIntentID),
			zap.String("referral_code", link.ReferralCode),
			zap.String("reason", models.MissInactive),
		)
		return nil, &models.AttributionMiss{CookieValue: cookieValue, Reason: models.MissInactive}
	}

	if err := t.repo.RecordConversion(ctx, link.ID, commission); err != nil {
		ierr := &models.InconsistentStateError{
			Kind:            models.KindUncreditedClaim,
			PaymentIntentID: purchase.PaymentIntentID,
			ExternalID:      rec.ID,
			Detail:          fmt.Sprintf("tracking record claimed but commission %d not recorded", commission),
			Err:             err,
		}
		telemetry.InconsistentStates.WithLabelValues(ierr.Kind).Inc()
		t.logger.Error("Referral claim not credited",
			zap.String("severity", "critical"),
			zap.String("payment_id", purchase.PaymentIntentID),
			zap.String("referral_link_id", link.ID),
			zap.String("tracking_id", rec.ID),
			zap.Int64("commission", commission),
			zap.Error(err),
		)
		return nil, ierr
	}

	attribution := &models.Attribution{
		ReferralLinkID:  link.ID,
		ReferralCode:    link.ReferralCode,
		ReferrerID:      link.ReferrerID,
		PaymentIntentID: purchase.PaymentIntentID,
		PurchaseAmount:  purchase.Amount,
		Commission:      commission,
		Currency:        money.Normalize(purchase.Currency),
		HeldForReview:   rec.Flagged,
	}

	outcome := "credited"
	if attribution.HeldForReview {
		outcome = "held_for_review"
	}
	telemetry.Attributions.WithLabelValues(outcome).Inc()
	t.logger.Info("Referral commission accrued",
		zap.String("payment_id", purchase.PaymentIntentID),
		zap.String("referral_code", link.ReferralCode),
		zap.Int64("commission", commission),
		zap.String("currency", attribution.Currency),
		zap.Bool("held_for_review", attribution.HeldForReview),
	)

	t.publish(ctx, models.Event{
		ID:          uuid.NewString(),
		Type:        models.EventCommissionAccrued,
		AggregateID: link.ID,
		OccurredAt:  now,
		Data: map[string]any{
			"referral_link_id":  link.ID,
			"referral_code":     link.ReferralCode,
			"referrer_id":       link.ReferrerID,
			"payment_intent_id": purchase.PaymentIntentID,
			"purchase_amount":   purchase.Amount,
			"commission":        commission,
			"currency":          attribution.Currency,
			"held_for_review":   attribution.HeldForReview,
		},
	})
	return attribution, nil
}

func (t *Tracker) miss(ctx context.Context, cookieValue string, purchase models.PurchaseContext, now time.Time) error {
	reason := models.MissNotFound
	if rec, err := t.repo.GetTrackingRecord(ctx, cookieValue); err == nil {
		switch {
		case rec.ConsumedAt != nil:
			reason = models.MissAlreadyClaimed
		case !rec.ExpiresAt.After(now):
			reason = models.MissExpired
		}
	}
	telemetry.Attributions.WithLabelValues(reason).Inc()
	t.logger.Info("Referral attribution miss",
		zap.String("payment_id", purchase.PaymentIntentID),
		zap.String("reason", reason),
	)
	return &models.AttributionMiss{CookieValue: cookieValue, Reason: reason}
}

// commission computes the referrer's reward in minor units of the purchase
// currency. Percentage rewards round half up; fixed rewards never exceed the
// purchase amount.
func (t *Tracker) commission(ctx context.Context, link *models.ReferralLink, purchase models.PurchaseContext) (int64, error) {
	switch link.RewardType {
	case models.RewardPercentage:
		value := decimal.NewFromInt(purchase.Amount).Mul(link.RewardValue).Div(decimal.NewFromInt(100))
		return money.Round(value), nil
	case models.RewardFixed:
		reward := link.RewardValue.IntPart()
		currency := money.Normalize(purchase.Currency)
		if link.RewardCurrency != "" && money.Normalize(link.RewardCurrency) != currency {
			conv, err := t.converter.Convert(ctx, reward, link.RewardCurrency, currency)
			if err != nil {
				return 0, fmt.Errorf("convert fixed reward: %w", err)
			}
			reward = conv.Amount
		}
		if reward > purchase.Amount {
			reward = purchase.Amount
		}
		return reward, nil
	}
	return 0, fmt.Errorf("unknown reward type %q", link.RewardType)
}

// GetStats returns the counters of the link behind referralCode.
func (t *Tracker) GetStats(ctx context.Context, referralCode string) (*models.ReferralStats, error) {
	link, err := t.repo.GetLinkByCode(ctx, referralCode)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrReferralNotFound
		}
		return nil, err
	}
	return t.repo.GetStats(ctx, link.ID)
}

func (t *Tracker) publish(ctx context.Context, event models.Event) {
	if t.publisher == nil {
		return
	}
	if err := t.publisher.Publish(ctx, event); err != nil {
		t.logger.Warn("Event not delivered",
			zap.String("event_type", string(event.Type)),
			zap.String("aggregate_id", event.AggregateID),
			zap.Error(err),
		)
	}
}

func generateCode() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate referral code: %w", err)
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

func newCookieValue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate cookie value: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
