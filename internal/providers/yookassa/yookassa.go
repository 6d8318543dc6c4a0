// Package yookassa adapts the YooKassa v3 API. YooKassa exchanges amounts as
// decimal strings in major units and does not sign notifications, so webhooks
// are trusted by source address and optionally re-read from the API.
package yookassa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/akylbek/payment-system/marketplace-core/internal/models"
	"github.com/akylbek/payment-system/marketplace-core/internal/money"
	"github.com/akylbek/payment-system/marketplace-core/internal/providers"
)

const maxDescription = 128

type Config struct {
	ShopID    string
	SecretKey string
	BaseURL   string
	ReturnURL string
	// AllowedIPs are CIDRs or single addresses notifications may come from.
	AllowedIPs []string
	// ConfirmViaAPI re-reads the notified object before trusting its status.
	ConfirmViaAPI bool
	HTTPClient    *http.Client
}

type Adapter struct {
	cfg     Config
	client  *http.Client
	allowed []*net.IPNet
}

func New(cfg Config) (*Adapter, error) {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: providers.DefaultHTTPTimeout}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	allowed := make([]*net.IPNet, 0, len(cfg.AllowedIPs))
	for _, raw := range cfg.AllowedIPs {
		if !strings.Contains(raw, "/") {
			if ip := net.ParseIP(raw); ip != nil && ip.To4() != nil {
				raw += "/32"
			} else {
				raw += "/128"
			}
		}
		_, network, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("yookassa allowlist entry %q: %w", raw, err)
		}
		allowed = append(allowed, network)
	}
	return &Adapter{cfg: cfg, client: client, allowed: allowed}, nil
}

func (a *Adapter) Name() models.Provider { return models.ProviderYooKassa }

func (a *Adapter) Authenticity() providers.Authenticity { return providers.AuthenticityIPAllowlist }

func (a *Adapter) SupportsCurrency(code string) bool {
	code = money.Normalize(code)
	return len(code) == 3 && money.ValidCurrency(code) && !money.IsCrypto(code)
}

type amountDTO struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type confirmationDTO struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type paymentDTO struct {
	ID             string            `json:"id"`
	Status         string            `json:"status"`
	Amount         amountDTO         `json:"amount"`
	RefundedAmount *amountDTO        `json:"refunded_amount,omitempty"`
	Confirmation   *confirmationDTO  `json:"confirmation,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type refundDTO struct {
	ID        string    `json:"id"`
	PaymentID string    `json:"payment_id"`
	Status    string    `json:"status"`
	Amount    amountDTO `json:"amount"`
}

type errorDTO struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

type notification struct {
	Type   string          `json:"type"`
	Event  string          `json:"event"`
	Object json.RawMessage `json:"object"`
}

func (a *Adapter) CreatePayment(ctx context.Context, req providers.PaymentRequest) (*providers.PaymentResponse, error) {
	body := map[string]any{
		"amount":  amountDTO{Value: money.FormatMajor(req.Amount, req.Currency), Currency: money.Normalize(req.Currency)},
		"capture": true,
		"confirmation": confirmationDTO{
			Type:      "redirect",
			ReturnURL: a.cfg.ReturnURL,
		},
	}
	if req.Description != "" {
		body["description"] = truncate(req.Description, maxDescription)
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}

	var out paymentDTO
	if err := a.do(ctx, http.MethodPost, "/payments", req.IdempotencyKey, body, &out); err != nil {
		return nil, err
	}
	resp := &providers.PaymentResponse{ExternalID: out.ID, Status: mapPaymentStatus(out.Status)}
	if out.Confirmation != nil && out.Confirmation.ConfirmationURL != "" {
		resp.RedirectURL = out.Confirmation.ConfirmationURL
		if resp.Status == models.StatusPending {
			resp.Status = models.StatusRequiresAction
		}
	}
	return resp, nil
}

func (a *Adapter) CreateRefund(ctx context.Context, req providers.RefundRequest) (*providers.RefundResponse, error) {
	amount := int64(0)
	if req.Amount != nil {
		amount = *req.Amount
	} else {
		remaining, err := a.remaining(ctx, req.ExternalPaymentID, req.Currency)
		if err != nil {
			return nil, err
		}
		amount = remaining
	}

	body := map[string]any{
		"payment_id": req.ExternalPaymentID,
		"amount":     amountDTO{Value: money.FormatMajor(amount, req.Currency), Currency: money.Normalize(req.Currency)},
	}
	if req.Reason != "" {
		body["description"] = truncate(req.Reason, 250)
	}

	var out refundDTO
	if err := a.do(ctx, http.MethodPost, "/refunds", req.IdempotencyKey, body, &out); err != nil {
		return nil, err
	}
	refunded, err := money.ParseMajor(out.Amount.Value, out.Amount.Currency)
	if err != nil {
		refunded = amount
	}
	return &providers.RefundResponse{
		ExternalRefundID: out.ID,
		Status:           mapRefundStatus(out.Status),
		Amount:           refunded,
	}, nil
}

// remaining returns the part of a payment not yet refunded, in minor units.
func (a *Adapter) remaining(ctx context.Context, paymentID, currency string) (int64, error) {
	var p paymentDTO
	if err := a.do(ctx, http.MethodGet, "/payments/"+paymentID, "", nil, &p); err != nil {
		return 0, err
	}
	total, err := money.ParseMajor(p.Amount.Value, currency)
	if err != nil {
		return 0, &models.ProviderError{Provider: models.ProviderYooKassa, Message: "unparseable payment amount", Err: err}
	}
	if p.RefundedAmount != nil {
		refunded, err := money.ParseMajor(p.RefundedAmount.Value, currency)
		if err == nil {
			total -= refunded
		}
	}
	return total, nil
}

func (a *Adapter) ParseWebhook(ctx context.Context, req providers.WebhookRequest) (*providers.NormalizedEvent, error) {
	if !a.allowedSource(req.RemoteIP) {
		return nil, models.ErrSignatureVerification
	}

	var n notification
	if err := json.Unmarshal(req.Payload, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedWebhook, err)
	}
	if n.Type != "notification" || n.Event == "" || len(n.Object) == 0 {
		return nil, fmt.Errorf("%w: not a notification", models.ErrMalformedWebhook)
	}

	var ev *providers.NormalizedEvent
	var err error
	if strings.HasPrefix(n.Event, "refund.") {
		ev, err = a.refundEvent(ctx, n)
	} else {
		ev, err = a.paymentEvent(ctx, n)
	}
	if err != nil {
		return nil, err
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func (a *Adapter) paymentEvent(ctx context.Context, n notification) (*providers.NormalizedEvent, error) {
	var p paymentDTO
	if err := json.Unmarshal(n.Object, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedWebhook, err)
	}

	ev := &providers.NormalizedEvent{ExternalID: p.ID, Type: providers.EventIgnored, Status: p.Status}
	switch n.Event {
	case "payment.succeeded":
		ev.Type = providers.EventPaymentSucceeded
	case "payment.canceled":
		ev.Type = providers.EventPaymentFailed
	default:
		// payment.waiting_for_capture does not occur with capture=true.
		return ev, nil
	}

	if a.cfg.ConfirmViaAPI {
		var confirmed paymentDTO
		if err := a.do(ctx, http.MethodGet, "/payments/"+p.ID, "", nil, &confirmed); err != nil {
			return nil, err
		}
		if confirmed.Status != p.Status {
			return nil, models.ErrSignatureVerification
		}
		p = confirmed
	}

	ev.EventID = n.Event + ":" + p.ID
	ev.Currency = money.Normalize(p.Amount.Currency)
	amount, err := money.ParseMajor(p.Amount.Value, p.Amount.Currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedWebhook, err)
	}
	ev.Amount = amount
	return ev, nil
}

func (a *Adapter) refundEvent(ctx context.Context, n notification) (*providers.NormalizedEvent, error) {
	var r refundDTO
	if err := json.Unmarshal(n.Object, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedWebhook, err)
	}
	if a.cfg.ConfirmViaAPI {
		var confirmed refundDTO
		if err := a.do(ctx, http.MethodGet, "/refunds/"+r.ID, "", nil, &confirmed); err != nil {
			return nil, err
		}
		if confirmed.PaymentID != r.PaymentID {
			return nil, models.ErrSignatureVerification
		}
		r = confirmed
	}

	ev := &providers.NormalizedEvent{
		EventID:           n.Event + ":" + r.ID,
		ExternalID:        r.ID,
		PaymentExternalID: r.PaymentID,
		Status:            r.Status,
		Type:              providers.EventIgnored,
		Currency:          money.Normalize(r.Amount.Currency),
	}
	switch mapRefundStatus(r.Status) {
	case models.RefundSucceeded:
		ev.Type = providers.EventRefundSucceeded
	case models.RefundFailed:
		ev.Type = providers.EventRefundFailed
	}
	if r.Amount.Value != "" {
		amount, err := money.ParseMajor(r.Amount.Value, r.Amount.Currency)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrMalformedWebhook, err)
		}
		ev.Amount = amount
	}
	return ev, nil
}

func (a *Adapter) allowedSource(remote string) bool {
	host := remote
	if h, _, err := net.SplitHostPort(remote); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, network := range a.allowed {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func (a *Adapter) do(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode yookassa request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build yookassa request: %w", err)
	}
	req.SetBasicAuth(a.cfg.ShopID, a.cfg.SecretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotence-Key", idempotencyKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return providers.ClassifyTransportError(models.ProviderYooKassa, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return providers.ClassifyTransportError(models.ProviderYooKassa, err)
	}
	if resp.StatusCode >= 300 {
		var apiErr errorDTO
		_ = json.Unmarshal(raw, &apiErr)
		msg := apiErr.Description
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return providers.ClassifyStatus(models.ProviderYooKassa, resp.StatusCode, apiErr.Code, msg)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &models.ProviderError{Provider: models.ProviderYooKassa, Message: "unreadable response", Err: err}
		}
	}
	return nil
}

func mapPaymentStatus(status string) models.PaymentStatus {
	switch status {
	case "succeeded":
		return models.StatusSucceeded
	case "canceled":
		return models.StatusFailed
	}
	return models.StatusPending
}

func mapRefundStatus(status string) models.RefundStatus {
	switch status {
	case "succeeded":
		return models.RefundSucceeded
	case "canceled":
		return models.RefundFailed
	}
	return models.RefundPending
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
