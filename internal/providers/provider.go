// Package providers defines the contract every payment provider adapter
// implements. Adapters are the only place where a provider's amount format,
// authentication and webhook trust model are known.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/akylbek/payment-system/marketplace-core/internal/models"
)

// Authenticity describes how an adapter establishes that a webhook really came
// from the provider. Only Stripe signs its payloads; the other two providers are
// verified with weaker substitutes whose residual risk callers must accept.
type Authenticity string

const (
	// AuthenticityHMAC: payload is HMAC-signed with a timestamp and a replay window.
	AuthenticityHMAC Authenticity = "hmac_signature"
	// AuthenticityIPAllowlist: source address must be in the provider's published
	// ranges. Optionally strengthened by re-reading the object from the provider API.
	AuthenticityIPAllowlist Authenticity = "ip_allowlist"
	// AuthenticitySharedToken: the callback echoes a per-order token derived from a
	// shared secret. The token is sent in clear text and can be replayed for the
	// same order.
	AuthenticitySharedToken Authenticity = "shared_token"
)

type PaymentRequest struct {
	Amount         int64
	Currency       string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

type PaymentResponse struct {
	ExternalID   string
	Status       models.PaymentStatus
	ClientSecret string
	RedirectURL  string
}

// RefundRequest asks the provider to refund a payment. A nil Amount refunds the
// full remaining amount.
type RefundRequest struct {
	ExternalPaymentID string
	Amount            *int64
	Currency          string
	Reason            string
	IdempotencyKey    string
}

type RefundResponse struct {
	ExternalRefundID string
	Status           models.RefundStatus
	Amount           int64
}

type WebhookRequest struct {
	Payload   []byte
	Signature string
	RemoteIP  string
}

type EventType string

const (
	EventPaymentRequiresAction EventType = "payment.requires_action"
	EventPaymentSucceeded      EventType = "payment.succeeded"
	EventPaymentFailed         EventType = "payment.failed"
	EventRefundSucceeded       EventType = "refund.succeeded"
	EventRefundFailed          EventType = "refund.failed"
	// EventIgnored is a recognized notification that requires no state change.
	EventIgnored EventType = "ignored"
)

// NormalizedEvent is the provider-independent form of a webhook. For refund
// events ExternalID is the provider refund id and PaymentExternalID the payment.
type NormalizedEvent struct {
	EventID           string
	Type              EventType
	ExternalID        string
	PaymentExternalID string
	Status            string
	Amount            int64
	Currency          string
}

func (e *NormalizedEvent) IsRefund() bool {
	return e.Type == EventRefundSucceeded || e.Type == EventRefundFailed
}

// TargetStatus maps a payment event to the payment status it drives toward.
func (e *NormalizedEvent) TargetStatus() (models.PaymentStatus, bool) {
	switch e.Type {
	case EventPaymentRequiresAction:
		return models.StatusRequiresAction, true
	case EventPaymentSucceeded:
		return models.StatusSucceeded, true
	case EventPaymentFailed:
		return models.StatusFailed, true
	}
	return "", false
}

// TargetRefundStatus maps a refund event to the refund status it confirms.
func (e *NormalizedEvent) TargetRefundStatus() (models.RefundStatus, bool) {
	switch e.Type {
	case EventRefundSucceeded:
		return models.RefundSucceeded, true
	case EventRefundFailed:
		return models.RefundFailed, true
	}
	return "", false
}

// Validate rejects events the state machine must never see.
func (e *NormalizedEvent) Validate() error {
	switch e.Type {
	case EventIgnored:
		return nil
	case EventPaymentRequiresAction, EventPaymentSucceeded, EventPaymentFailed:
	case EventRefundSucceeded, EventRefundFailed:
		if e.PaymentExternalID == "" {
			return fmt.Errorf("%w: refund event without payment reference", models.ErrMalformedWebhook)
		}
	default:
		return fmt.Errorf("%w: unknown event type %q", models.ErrMalformedWebhook, e.Type)
	}
	if e.ExternalID == "" {
		return fmt.Errorf("%w: missing external id", models.ErrMalformedWebhook)
	}
	if e.Amount < 0 {
		return fmt.Errorf("%w: negative amount", models.ErrMalformedWebhook)
	}
	return nil
}

// Adapter is implemented once per provider.
type Adapter interface {
	Name() models.Provider
	SupportsCurrency(code string) bool
	CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentResponse, error)
	CreateRefund(ctx context.Context, req RefundRequest) (*RefundResponse, error)
	// ParseWebhook authenticates and normalizes a webhook. It returns
	// models.ErrSignatureVerification or models.ErrMalformedWebhook (possibly wrapped)
	// and never mutates anything.
	ParseWebhook(ctx context.Context, req WebhookRequest) (*NormalizedEvent, error)
	Authenticity() Authenticity
}

// ClassifyTransportError converts a failed HTTP round trip into a ProviderError.
// Timeouts and network failures are retryable.
func ClassifyTransportError(provider models.Provider, err error) *models.ProviderError {
	perr := &models.ProviderError{Provider: provider, Retryable: true, Message: "request failed", Err: err}
	var netErr net.Error
	var urlErr *url.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		perr.ProviderCode = "timeout"
	case errors.Is(err, context.Canceled):
		perr.ProviderCode = "canceled"
		perr.Retryable = false
	case errors.As(err, &netErr) && netErr.Timeout():
		perr.ProviderCode = "timeout"
	case errors.As(err, &urlErr):
		perr.ProviderCode = "network"
	}
	return perr
}

// ClassifyStatus builds a ProviderError from a non-2xx HTTP status.
func ClassifyStatus(provider models.Provider, status int, code, message string) *models.ProviderError {
	return &models.ProviderError{
		Provider:     provider,
		Retryable:    status >= 500 || status == 429 || status == 408,
		ProviderCode: code,
		Message:      fmt.Sprintf("HTTP %d: %s", status, message),
	}
}

// DefaultHTTPTimeout bounds a single provider round trip when the caller's context
// has no deadline.
const DefaultHTTPTimeout = 15 * time.Second
