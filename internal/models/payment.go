package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Provider string

const (
	ProviderStripe   Provider = "stripe"
	ProviderYooKassa Provider = "yookassa"
	ProviderCoinGate Provider = "coingate"
)

func (p Provider) Valid() bool {
	switch p {
	case ProviderStripe, ProviderYooKassa, ProviderCoinGate:
		return true
	}
	return false
}

type PaymentStatus string

const (
	StatusPending           PaymentStatus = "pending"
	StatusRequiresAction    PaymentStatus = "requires_action"
	StatusSucceeded         PaymentStatus = "succeeded"
	StatusFailed            PaymentStatus = "failed"
	StatusPartiallyRefunded PaymentStatus = "partially_refunded"
	StatusRefunded          PaymentStatus = "refunded"
)

// transitions lists every legal edge of the payment state machine.
var transitions = map[PaymentStatus][]PaymentStatus{
	StatusPending:           {StatusRequiresAction, StatusSucceeded, StatusFailed},
	StatusRequiresAction:    {StatusSucceeded, StatusFailed},
	StatusSucceeded:         {StatusPartiallyRefunded, StatusRefunded},
	StatusPartiallyRefunded: {StatusPartiallyRefunded, StatusRefunded, StatusSucceeded},
	StatusRefunded:          {StatusPartiallyRefunded, StatusSucceeded},
}

// CanTransition reports whether moving from one status to another is a legal edge.
// The refunded -> partially_refunded/succeeded edges exist only to undo refunds the
// provider later reports as failed.
func CanTransition(from, to PaymentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Reached reports whether a payment in status s has already passed through target.
func (s PaymentStatus) Reached(target PaymentStatus) bool {
	if s == target {
		return true
	}
	switch target {
	case StatusSucceeded:
		return s == StatusPartiallyRefunded || s == StatusRefunded
	case StatusRequiresAction:
		return s == StatusSucceeded || s == StatusPartiallyRefunded || s == StatusRefunded
	}
	return false
}

func (s PaymentStatus) Refundable() bool {
	return s == StatusSucceeded || s == StatusPartiallyRefunded
}

// PaymentIntent is the local record of a requested charge. Amount is in minor units
// of Currency and never changes after creation.
type PaymentIntent struct {
	ID                string            `json:"id"`
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency"`
	Provider          Provider          `json:"provider"`
	ProviderPaymentID string            `json:"provider_payment_id,omitempty"`
	Status            PaymentStatus     `json:"status"`
	ClientSecret      string            `json:"client_secret,omitempty"`
	RedirectURL       string            `json:"redirect_url,omitempty"`
	IdempotencyKey    string            `json:"-"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// MetadataReferralCookie carries the tracking cookie of the click that led to the purchase.
const MetadataReferralCookie = "referral_cookie"

type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundSucceeded RefundStatus = "succeeded"
	RefundFailed    RefundStatus = "failed"
)

type Refund struct {
	ID               string            `json:"id"`
	PaymentIntentID  string            `json:"payment_intent_id"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	ProviderRefundID string            `json:"provider_refund_id,omitempty"`
	Status           RefundStatus      `json:"status"`
	Reason           string            `json:"reason,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

type CreatePaymentRequest struct {
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	NativeCurrency string            `json:"native_currency,omitempty"`
	Provider       Provider          `json:"provider"`
	Description    string            `json:"description"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	ReferralCookie string            `json:"referral_cookie,omitempty"`
}

type RefundRequest struct {
	PaymentIntentID string            `json:"payment_intent_id"`
	Amount          *int64            `json:"amount,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ErrorBody is the wire form of an error: {"message", "code", "details"}.
type ErrorBody struct {
	Message string         `json:"message"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

type PaymentResult struct {
	Success       bool           `json:"success"`
	PaymentIntent *PaymentIntent `json:"payment_intent,omitempty"`
	Error         *ErrorBody     `json:"error,omitempty"`
}

type RefundResult struct {
	Success       bool           `json:"success"`
	Refund        *Refund        `json:"refund,omitempty"`
	PaymentIntent *PaymentIntent `json:"payment_intent,omitempty"`
	Error         *ErrorBody     `json:"error,omitempty"`
}

// Conversion is the result of converting an amount between currencies. Rate is
// expressed in major units (1 From = Rate To).
type Conversion struct {
	Amount   int64           `json:"amount"`
	Currency string          `json:"currency"`
	Rate     decimal.Decimal `json:"rate"`
}
