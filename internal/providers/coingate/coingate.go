// Package coingate adapts the CoinGate v2 orders API for crypto payments.
package coingate

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/akylbek/payment-system/marketplace-core/internal/models"
	"github.com/akylbek/payment-system/marketplace-core/internal/money"
	"github.com/akylbek/payment-system/marketplace-core/internal/providers"
)

// fiatPriceCurrencies are the non-crypto price currencies CoinGate accepts.
var fiatPriceCurrencies = map[string]bool{"EUR": true, "USD": true, "GBP": true, "CHF": true, "PLN": true, "CZK": true}

type Config struct {
	APIKey      string
	BaseURL     string
	CallbackURL string
	SuccessURL  string
	CancelURL   string
	// CallbackSecret derives the per-order token echoed back in callbacks.
	CallbackSecret  string
	ReceiveCurrency string
	HTTPClient      *http.Client
}

type Adapter struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Adapter {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: providers.DefaultHTTPTimeout}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ReceiveCurrency == "" {
		cfg.ReceiveCurrency = "DO_NOT_CONVERT"
	}
	return &Adapter{cfg: cfg, client: client}
}

func (a *Adapter) Name() models.Provider { return models.ProviderCoinGate }

func (a *Adapter) Authenticity() providers.Authenticity { return providers.AuthenticitySharedToken }

func (a *Adapter) SupportsCurrency(code string) bool {
	code = money.Normalize(code)
	return money.IsCrypto(code) || fiatPriceCurrencies[code]
}

// Token is the value CoinGate must echo back in callbacks for orderID.
func (a *Adapter) Token(orderID string) string {
	mac := hmac.New(sha256.New, []byte(a.cfg.CallbackSecret))
	mac.Write([]byte(orderID))
	return hex.EncodeToString(mac.Sum(nil))
}

type orderDTO struct {
	ID             int64  `json:"id"`
	Status         string `json:"status"`
	OrderID        string `json:"order_id"`
	PriceAmount    string `json:"price_amount"`
	PriceCurrency  string `json:"price_currency"`
	PaymentURL     string `json:"payment_url"`
	RefundedAmount string `json:"refunded_amount,omitempty"`
}

type refundDTO struct {
	ID       int64  `json:"id"`
	Status   string `json:"status"`
	Amount   string `json:"amount"`
	Currency struct {
		Symbol string `json:"symbol"`
	} `json:"currency"`
}

type errorDTO struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// CreatePayment creates an order. CoinGate has no idempotency header, so the
// idempotency key doubles as order_id and lets callbacks be matched back.
func (a *Adapter) CreatePayment(ctx context.Context, req providers.PaymentRequest) (*providers.PaymentResponse, error) {
	orderID := req.IdempotencyKey
	form := url.Values{}
	form.Set("order_id", orderID)
	form.Set("price_amount", money.FormatMajor(req.Amount, req.Currency))
	form.Set("price_currency", money.Normalize(req.Currency))
	form.Set("receive_currency", a.cfg.ReceiveCurrency)
	form.Set("token", a.Token(orderID))
	if req.Description != "" {
		form.Set("title", req.Description)
	}
	if a.cfg.CallbackURL != "" {
		form.Set("callback_url", a.cfg.CallbackURL)
	}
	if a.cfg.SuccessURL != "" {
		form.Set("success_url", a.cfg.SuccessURL)
	}
	if a.cfg.CancelURL != "" {
		form.Set("cancel_url", a.cfg.CancelURL)
	}

	var out orderDTO
	if err := a.do(ctx, http.MethodPost, "/orders", form, &out); err != nil {
		return nil, err
	}
	status := mapOrderStatus(out.Status)
	if status == models.StatusPending && out.PaymentURL != "" {
		status = models.StatusRequiresAction
	}
	return &providers.PaymentResponse{
		ExternalID:  strconv.FormatInt(out.ID, 10),
		Status:      status,
		RedirectURL: out.PaymentURL,
	}, nil
}

func (a *Adapter) CreateRefund(ctx context.Context, req providers.RefundRequest) (*providers.RefundResponse, error) {
	var amount int64
	if req.Amount != nil {
		amount = *req.Amount
	} else {
		var order orderDTO
		if err := a.do(ctx, http.MethodGet, "/orders/"+req.ExternalPaymentID, nil, &order); err != nil {
			return nil, err
		}
		total, err := money.ParseMajor(order.PriceAmount, req.Currency)
		if err != nil {
			return nil, &models.ProviderError{Provider: models.ProviderCoinGate, Message: "unparseable order amount", Err: err}
		}
		if order.RefundedAmount != "" {
			if refunded, err := money.ParseMajor(order.RefundedAmount, req.Currency); err == nil {
				total -= refunded
			}
		}
		amount = total
	}

	form := url.Values{}
	form.Set("amount", money.FormatMajor(amount, req.Currency))
	form.Set("address_currency_id", money.Normalize(req.Currency))
	form.Set("reason", reasonOrDefault(req.Reason))
	if req.IdempotencyKey != "" {
		form.Set("ext_id", req.IdempotencyKey)
	}

	var out refundDTO
	if err := a.do(ctx, http.MethodPost, "/orders/"+req.ExternalPaymentID+"/refunds", form, &out); err != nil {
		return nil, err
	}
	refunded := amount
	if out.Amount != "" {
		if parsed, err := money.ParseMajor(out.Amount, req.Currency); err == nil {
			refunded = parsed
		}
	}
	return &providers.RefundResponse{
		ExternalRefundID: strconv.FormatInt(out.ID, 10),
		Status:           mapRefundStatus(out.Status),
		Amount:           refunded,
	}, nil
}

// ParseWebhook handles form-encoded order callbacks. Authenticity rests on the
// per-order token; it is compared in constant time but offers no replay window.
func (a *Adapter) ParseWebhook(_ context.Context, req providers.WebhookRequest) (*providers.NormalizedEvent, error) {
	form, err := url.ParseQuery(string(req.Payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedWebhook, err)
	}
	orderID := form.Get("order_id")
	token := form.Get("token")
	if a.cfg.CallbackSecret == "" || orderID == "" || token == "" {
		return nil, models.ErrSignatureVerification
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.Token(orderID))) != 1 {
		return nil, models.ErrSignatureVerification
	}

	id := form.Get("id")
	status := form.Get("status")
	if id == "" || status == "" {
		return nil, fmt.Errorf("%w: missing id or status", models.ErrMalformedWebhook)
	}
	ev := &providers.NormalizedEvent{
		EventID:    id + ":" + status,
		ExternalID: id,
		Status:     status,
		Type:       providers.EventIgnored,
		Currency:   money.Normalize(form.Get("price_currency")),
	}
	switch status {
	case "paid":
		ev.Type = providers.EventPaymentSucceeded
	case "invalid", "expired", "canceled":
		ev.Type = providers.EventPaymentFailed
	}
	if raw := form.Get("price_amount"); raw != "" && ev.Currency != "" {
		amount, err := money.ParseMajor(raw, ev.Currency)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrMalformedWebhook, err)
		}
		ev.Amount = amount
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("build coingate request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+a.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return providers.ClassifyTransportError(models.ProviderCoinGate, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return providers.ClassifyTransportError(models.ProviderCoinGate, err)
	}
	if resp.StatusCode >= 300 {
		var apiErr errorDTO
		_ = json.Unmarshal(raw, &apiErr)
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return providers.ClassifyStatus(models.ProviderCoinGate, resp.StatusCode, apiErr.Reason, msg)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &models.ProviderError{Provider: models.ProviderCoinGate, Message: "unreadable response", Err: err}
		}
	}
	return nil
}

func mapOrderStatus(status string) models.PaymentStatus {
	switch status {
	case "paid":
		return models.StatusSucceeded
	case "invalid", "expired", "canceled":
		return models.StatusFailed
	}
	// new, pending, confirming
	return models.StatusPending
}

func mapRefundStatus(status string) models.RefundStatus {
	switch status {
	case "completed", "refunded":
		return models.RefundSucceeded
	case "rejected", "failed":
		return models.RefundFailed
	}
	return models.RefundPending
}

func reasonOrDefault(reason string) string {
	if reason == "" {
		return "requested_by_merchant"
	}
	return reason
}
