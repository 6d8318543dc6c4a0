// Package stripe adapts the Stripe PaymentIntents API. Stripe amounts are integer
// minor units, so no amount translation is needed; webhooks are HMAC-signed.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	stripego "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/akylbek/payment-system/marketplace-core/internal/models"
	"github.com/akylbek/payment-system/marketplace-core/internal/money"
	"github.com/akylbek/payment-system/marketplace-core/internal/providers"
)

// DefaultTolerance is the replay window for signed webhooks, applied in both
// directions around the current time.
const DefaultTolerance = 5 * time.Minute

type Config struct {
	SecretKey     string
	WebhookSecret string
	// BaseURL overrides https://api.stripe.com.
	BaseURL    string
	HTTPClient *http.Client
	Tolerance  time.Duration
}

type Adapter struct {
	api           *client.API
	webhookSecret string
	tolerance     time.Duration
	now           func() time.Time
}

func New(cfg Config) *Adapter {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: providers.DefaultHTTPTimeout}
	}
	backendCfg := &stripego.BackendConfig{
		HTTPClient: httpClient,
		// Retries are driven by the orchestrator, not the SDK.
		MaxNetworkRetries: stripego.Int64(0),
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripego.String(cfg.BaseURL)
	}
	backend := stripego.GetBackendWithConfig(stripego.APIBackend, backendCfg)

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripego.Backends{API: backend, Connect: backend, Uploads: backend})

	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Adapter{api: api, webhookSecret: cfg.WebhookSecret, tolerance: tolerance, now: time.Now}
}

func (a *Adapter) Name() models.Provider { return models.ProviderStripe }

func (a *Adapter) Authenticity() providers.Authenticity { return providers.AuthenticityHMAC }

func (a *Adapter) SupportsCurrency(code string) bool {
	code = money.Normalize(code)
	return len(code) == 3 && money.ValidCurrency(code) && !money.IsCrypto(code)
}

func (a *Adapter) CreatePayment(ctx context.Context, req providers.PaymentRequest) (*providers.PaymentResponse, error) {
	params := &stripego.PaymentIntentParams{
		Amount:   stripego.Int64(req.Amount),
		Currency: stripego.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripego.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripego.Bool(true),
		},
	}
	if req.Description != "" {
		params.Description = stripego.String(req.Description)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := a.api.PaymentIntents.New(params)
	if err != nil {
		return nil, a.classify(err)
	}
	return &providers.PaymentResponse{
		ExternalID:   pi.ID,
		Status:       mapPaymentStatus(string(pi.Status)),
		ClientSecret: pi.ClientSecret,
	}, nil
}

func (a *Adapter) CreateRefund(ctx context.Context, req providers.RefundRequest) (*providers.RefundResponse, error) {
	params := &stripego.RefundParams{PaymentIntent: stripego.String(req.ExternalPaymentID)}
	if req.Amount != nil {
		params.Amount = stripego.Int64(*req.Amount)
	}
	if reason := refundReason(req.Reason); reason != "" {
		params.Reason = stripego.String(reason)
	}
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	r, err := a.api.Refunds.New(params)
	if err != nil {
		return nil, a.classify(err)
	}
	return &providers.RefundResponse{
		ExternalRefundID: r.ID,
		Status:           mapRefundStatus(string(r.Status)),
		Amount:           r.Amount,
	}, nil
}

// ParseWebhook verifies the Stripe-Signature header and normalizes the event.
func (a *Adapter) ParseWebhook(_ context.Context, req providers.WebhookRequest) (*providers.NormalizedEvent, error) {
	if a.webhookSecret == "" || req.Signature == "" {
		return nil, models.ErrSignatureVerification
	}
	if err := webhook.ValidatePayloadWithTolerance(req.Payload, req.Signature, a.webhookSecret, a.tolerance); err != nil {
		return nil, models.ErrSignatureVerification
	}
	// The SDK only rejects stale timestamps; reject ones too far in the future too.
	ts, err := signatureTimestamp(req.Signature)
	if err != nil || ts.Sub(a.now()) > a.tolerance {
		return nil, models.ErrSignatureVerification
	}

	var event stripego.Event
	if err := json.Unmarshal(req.Payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedWebhook, err)
	}
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event without data", models.ErrMalformedWebhook)
	}

	normalized, err := normalize(&event)
	if err != nil {
		return nil, err
	}
	if err := normalized.Validate(); err != nil {
		return nil, err
	}
	return normalized, nil
}

func normalize(event *stripego.Event) (*providers.NormalizedEvent, error) {
	eventType := string(event.Type)
	out := &providers.NormalizedEvent{EventID: event.ID, Type: providers.EventIgnored, Status: eventType}

	switch {
	case strings.HasPrefix(eventType, "payment_intent."):
		var pi stripego.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrMalformedWebhook, err)
		}
		out.ExternalID = pi.ID
		out.Amount = pi.Amount
		out.Currency = money.Normalize(string(pi.Currency))
		out.Status = string(pi.Status)
		switch eventType {
		case "payment_intent.succeeded":
			out.Type = providers.EventPaymentSucceeded
		case "payment_intent.payment_failed", "payment_intent.canceled":
			out.Type = providers.EventPaymentFailed
		case "payment_intent.requires_action":
			out.Type = providers.EventPaymentRequiresAction
		}
	case eventType == "refund.created", eventType == "refund.updated", eventType == "refund.failed",
		eventType == "charge.refund.updated":
		var r stripego.Refund
		if err := json.Unmarshal(event.Data.Raw, &r); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrMalformedWebhook, err)
		}
		out.ExternalID = r.ID
		out.Amount = r.Amount
		out.Currency = money.Normalize(string(r.Currency))
		out.Status = string(r.Status)
		if r.PaymentIntent != nil {
			out.PaymentExternalID = r.PaymentIntent.ID
		}
		switch mapRefundStatus(string(r.Status)) {
		case models.RefundSucceeded:
			out.Type = providers.EventRefundSucceeded
		case models.RefundFailed:
			out.Type = providers.EventRefundFailed
		}
	}
	return out, nil
}

func signatureTimestamp(header string) (time.Time, error) {
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && key == "t" {
			unix, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return time.Time{}, err
			}
			return time.Unix(unix, 0), nil
		}
	}
	return time.Time{}, errors.New("signature header has no timestamp")
}

func (a *Adapter) classify(err error) error {
	var serr *stripego.Error
	if errors.As(err, &serr) {
		code := string(serr.Code)
		if code == "" {
			code = string(serr.Type)
		}
		perr := providers.ClassifyStatus(models.ProviderStripe, serr.HTTPStatusCode, code, serr.Msg)
		perr.Err = err
		return perr
	}
	return providers.ClassifyTransportError(models.ProviderStripe, err)
}

func mapPaymentStatus(status string) models.PaymentStatus {
	switch status {
	case "succeeded":
		return models.StatusSucceeded
	case "requires_action":
		return models.StatusRequiresAction
	case "canceled":
		return models.StatusFailed
	}
	// requires_payment_method, requires_confirmation, requires_capture, processing
	return models.StatusPending
}

func mapRefundStatus(status string) models.RefundStatus {
	switch status {
	case "succeeded":
		return models.RefundSucceeded
	case "failed", "canceled":
		return models.RefundFailed
	}
	return models.RefundPending
}

// refundReason returns the reason only when Stripe accepts it as an enum value.
func refundReason(reason string) string {
	switch reason {
	case "duplicate", "fraudulent", "requested_by_customer":
		return reason
	}
	return ""
}
