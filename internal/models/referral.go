package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type RewardType string

const (
	RewardPercentage RewardType = "percentage"
	RewardFixed      RewardType = "fixed"
)

type TargetType string

const (
	TargetAny     TargetType = "any"
	TargetProduct TargetType = "product"
	TargetShop    TargetType = "shop"
)

// ReferralLink is an affiliate's shareable link. ReferralCode is unique and never
// changes once issued. RewardValue is percentage points for percentage rewards and
// minor units of RewardCurrency for fixed rewards.
type ReferralLink struct {
	ID             string          `json:"id"`
	ReferrerID     string          `json:"referrer_id"`
	ReferralCode   string          `json:"referral_code"`
	TargetType     TargetType      `json:"target_type"`
	TargetID       string          `json:"target_id,omitempty"`
	RewardType     RewardType      `json:"reward_type"`
	RewardValue    decimal.Decimal `json:"reward_value"`
	RewardCurrency string          `json:"reward_currency,omitempty"`
	IsActive       bool            `json:"is_active"`
	CreatedAt      time.Time       `json:"created_at"`
}

type ReferralStats struct {
	ReferralLinkID string    `json:"referral_link_id"`
	ClickCount     int64     `json:"click_count"`
	PurchaseCount  int64     `json:"purchase_count"`
	TotalEarned    int64     `json:"total_earned"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type ReferralTrackingRecord struct {
	ID              string     `json:"id"`
	ReferralLinkID  string     `json:"referral_link_id"`
	ReferralCode    string     `json:"referral_code"`
	IPAddress       string     `json:"ip_address"`
	UserAgent       string     `json:"user_agent"`
	ReferrerURL     string     `json:"referrer_url,omitempty"`
	LandingPage     string     `json:"landing_page,omitempty"`
	Country         string     `json:"country,omitempty"`
	City            string     `json:"city,omitempty"`
	CookieValue     string     `json:"cookie_value"`
	RiskScore       int        `json:"risk_score"`
	Flagged         bool       `json:"flagged"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	ConsumedAt      *time.Time `json:"consumed_at,omitempty"`
	PaymentIntentID string     `json:"payment_intent_id,omitempty"`
}

type ClickContext struct {
	IPAddress   string `json:"ip_address"`
	UserAgent   string `json:"user_agent"`
	ReferrerURL string `json:"referrer_url,omitempty"`
	LandingPage string `json:"landing_page,omitempty"`
}

type TrackingResult struct {
	Record *ReferralTrackingRecord `json:"record"`
	Fraud  *FraudAnalysisResult    `json:"fraud"`
}

type PurchaseContext struct {
	PaymentIntentID string `json:"payment_intent_id"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
}

// Attribution is the outcome of crediting a purchase to a referral link.
type Attribution struct {
	ReferralLinkID  string `json:"referral_link_id"`
	ReferralCode    string `json:"referral_code"`
	ReferrerID      string `json:"referrer_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	PurchaseAmount  int64  `json:"purchase_amount"`
	Commission      int64  `json:"commission"`
	Currency        string `json:"currency"`
	HeldForReview   bool   `json:"held_for_review"`
}

type CreateLinkRequest struct {
	ReferrerID     string          `json:"referrer_id"`
	TargetType     TargetType      `json:"target_type"`
	TargetID       string          `json:"target_id,omitempty"`
	RewardType     RewardType      `json:"reward_type"`
	RewardValue    decimal.Decimal `json:"reward_value"`
	RewardCurrency string          `json:"reward_currency,omitempty"`
}
