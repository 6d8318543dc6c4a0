package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by stores when a unique key is already taken.
	ErrConflict = errors.New("already exists")

	// ErrSignatureVerification never says which part of the verification failed.
	ErrSignatureVerification = errors.New("webhook verification failed")
	ErrMalformedWebhook      = errors.New("malformed webhook payload")

	ErrReferralNotFound = fmt.Errorf("referral link %w", ErrNotFound)
	ErrReferralInactive = errors.New("referral link is inactive")
)

// Validation error codes.
const (
	CodeInvalidAmount       = "invalid_amount"
	CodeInvalidCurrency     = "invalid_currency"
	CodeUnsupportedProvider = "unsupported_provider"
	CodeUnsupportedCurrency = "unsupported_currency"
	CodeNotRefundable       = "payment_not_refundable"
	CodeRefundExceeds       = "refund_exceeds_remaining"
	CodeInvalidRequest      = "invalid_request"
	CodePaymentNotFound     = "payment_not_found"
	CodeRefundInProgress    = "refund_in_progress"
)

// ValidationError is malformed input. It is never retryable.
type ValidationError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error (%s): %s", e.Code, e.Message)
}

func NewValidationError(code, message string, details map[string]any) *ValidationError {
	return &ValidationError{Code: code, Message: message, Details: details}
}

// ProviderError is a rejection or failure reported by a payment provider.
// Retryable errors (timeouts, 5xx, rate limits) may be retried with the same
// idempotency key.
type ProviderError struct {
	Provider     Provider
	Retryable    bool
	ProviderCode string
	Message      string
	Err          error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s provider error", e.Provider)
	if e.ProviderCode != "" {
		msg += " [" + e.ProviderCode + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

type ExchangeRateNotFoundError struct {
	From string
	To   string
	Err  error
}

func (e *ExchangeRateNotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exchange rate %s->%s not found: %v", e.From, e.To, e.Err)
	}
	return fmt.Sprintf("exchange rate %s->%s not found", e.From, e.To)
}

func (e *ExchangeRateNotFoundError) Unwrap() error { return e.Err }

// Attribution miss reasons.
const (
	MissNotFound       = "not_found"
	MissExpired        = "expired"
	MissAlreadyClaimed = "already_claimed"
	MissInactive       = "referral_inactive"
)

// AttributionMiss means a purchase could not be credited to a referral. Checkout
// proceeds regardless.
type AttributionMiss struct {
	CookieValue string
	Reason      string
}

func (e *AttributionMiss) Error() string {
	return "referral attribution miss: " + e.Reason
}

// Inconsistent state kinds.
const (
	KindLeakedCharge       = "leaked_charge"
	KindConflictingWebhook = "conflicting_webhook"
	KindAmountMismatch     = "amount_mismatch"
	KindUncreditedClaim    = "uncredited_claim"
	KindRefundNotRecorded  = "refund_not_recorded"
)

// InconsistentStateError needs manual reconciliation; no automatic recovery is safe.
type InconsistentStateError struct {
	Kind            string
	PaymentIntentID string
	ExternalID      string
	Detail          string
	Err             error
}

func (e *InconsistentStateError) Error() string {
	msg := fmt.Sprintf("inconsistent state (%s) payment=%s external=%s: %s",
		e.Kind, e.PaymentIntentID, e.ExternalID, e.Detail)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InconsistentStateError) Unwrap() error { return e.Err }

// ClickBlockedError is returned when fraud scoring rejects a referral click.
type ClickBlockedError struct {
	ReferralCode string
	Result       *FraudAnalysisResult
}

func (e *ClickBlockedError) Error() string {
	return fmt.Sprintf("referral click blocked (code=%s score=%d)", e.ReferralCode, e.Result.RiskScore)
}

// ToErrorBody renders an error for API responses. Unknown errors become a generic
// internal error so nothing internal leaks to callers.
func ToErrorBody(err error) *ErrorBody {
	var (
		verr  *ValidationError
		perr  *ProviderError
		rerr  *ExchangeRateNotFoundError
		cberr *ClickBlockedError
	)
	switch {
	case errors.As(err, &verr):
		return &ErrorBody{Message: verr.Message, Code: verr.Code, Details: verr.Details}
	case errors.As(err, &perr):
		body := &ErrorBody{
			Message: "The payment provider could not process the request. Please try again or use another payment method.",
			Code:    "provider_error",
			Details: map[string]any{"retryable": perr.Retryable, "provider": string(perr.Provider)},
		}
		if perr.ProviderCode != "" {
			body.Details["provider_code"] = perr.ProviderCode
		}
		return body
	case errors.As(err, &rerr):
		return &ErrorBody{
			Message: "Payments in this currency are temporarily unavailable.",
			Code:    "exchange_rate_not_found",
			Details: map[string]any{"from": rerr.From, "to": rerr.To},
		}
	case errors.As(err, &cberr):
		return &ErrorBody{Message: "This referral link cannot be used right now.", Code: "click_blocked"}
	case errors.Is(err, ErrReferralInactive):
		return &ErrorBody{Message: "This referral link is no longer active.", Code: MissInactive}
	case errors.Is(err, ErrNotFound):
		return &ErrorBody{Message: "Resource not found.", Code: "not_found"}
	}
	return &ErrorBody{Message: "Internal error.", Code: "internal_error"}
}
