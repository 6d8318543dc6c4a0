package yookassa

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/marketplace-core/internal/models"
	"github.com/akylbek/payment-system/marketplace-core/internal/providers"
)

func newTestAdapter(t *testing.T, confirm bool, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	adapter, err := New(Config{
		ShopID:        "shop",
		SecretKey:     "secret",
		BaseURL:       srv.URL,
		ReturnURL:     "https://shop.example/return",
		AllowedIPs:    []string{"185.71.76.0/27", "77.75.156.11"},
		ConfirmViaAPI: confirm,
	})
	require.NoError(t, err)
	return adapter
}

func TestCreatePayment(t *testing.T) {
	var body map[string]any
	var user, pass, key string
	adapter := newTestAdapter(t, false, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/payments", r.URL.Path)
		user, pass, _ = r.BasicAuth()
		key = r.Header.Get("Idempotence-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"id":"2d1f","status":"pending","amount":{"value":"29.99","currency":"RUB"},"confirmation":{"type":"redirect","confirmation_url":"https://yoomoney.ru/checkout/2d1f"}}`))
	})

	resp, err := adapter.CreatePayment(context.Background(), providers.PaymentRequest{
		Amount:         2999,
		Currency:       "RUB",
		Description:    "order 1",
		IdempotencyKey: "idem-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "2d1f", resp.ExternalID)
	assert.Equal(t, models.StatusRequiresAction, resp.Status)
	assert.Equal(t, "https://yoomoney.ru/checkout/2d1f", resp.RedirectURL)
	assert.Equal(t, "shop", user)
	assert.Equal(t, "secret", pass)
	assert.Equal(t, "idem-1", key)

	amount := body["amount"].(map[string]any)
	assert.Equal(t, "29.99", amount["value"])
	assert.Equal(t, "RUB", amount["currency"])
	assert.Equal(t, true, body["capture"])
}

func TestCreatePaymentRejected(t *testing.T) {
	adapter := newTestAdapter(t, false, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","code":"invalid_request","description":"amount is invalid"}`))
	})
	_, err := adapter.CreatePayment(context.Background(), providers.PaymentRequest{Amount: 1, Currency: "RUB"})
	var perr *models.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.False(t, perr.Retryable)
	assert.Equal(t, "invalid_request", perr.ProviderCode)
}

func TestCreateRefundFullAmount(t *testing.T) {
	var refundBody map[string]any
	adapter := newTestAdapter(t, false, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/payments/2d1f":
			_, _ = w.Write([]byte(`{"id":"2d1f","status":"succeeded","amount":{"value":"100.00","currency":"RUB"},"refunded_amount":{"value":"30.00","currency":"RUB"}}`))
		case r.Method == http.MethodPost && r.URL.Path == "/refunds":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&refundBody))
			_, _ = w.Write([]byte(`{"id":"rf1","payment_id":"2d1f","status":"succeeded","amount":{"value":"70.00","currency":"RUB"}}`))
		default:
			http.NotFound(w, r)
		}
	})

	resp, err := adapter.CreateRefund(context.Background(), providers.RefundRequest{ExternalPaymentID: "2d1f", Currency: "RUB"})
	require.NoError(t, err)
	assert.Equal(t, "rf1", resp.ExternalRefundID)
	assert.Equal(t, models.RefundSucceeded, resp.Status)
	assert.Equal(t, int64(7000), resp.Amount)
	assert.Equal(t, "70.00", refundBody["amount"].(map[string]any)["value"])
}

const succeededNotification = `{"type":"notification","event":"payment.succeeded","object":{"id":"2d1f","status":"succeeded","amount":{"value":"29.99","currency":"RUB"}}}`

func TestParseWebhookAllowlist(t *testing.T) {
	adapter := newTestAdapter(t, false, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no API call expected")
	})

	ev, err := adapter.ParseWebhook(context.Background(), providers.WebhookRequest{
		Payload:  []byte(succeededNotification),
		RemoteIP: "185.71.76.5",
	})
	require.NoError(t, err)
	assert.Equal(t, providers.EventPaymentSucceeded, ev.Type)
	assert.Equal(t, "2d1f", ev.ExternalID)
	assert.Equal(t, int64(2999), ev.Amount)

	_, err = adapter.ParseWebhook(context.Background(), providers.WebhookRequest{
		Payload:  []byte(succeededNotification),
		RemoteIP: "77.75.156.11:443",
	})
	require.NoError(t, err)

	_, err = adapter.ParseWebhook(context.Background(), providers.WebhookRequest{
		Payload:  []byte(succeededNotification),
		RemoteIP: "10.0.0.1",
	})
	assert.ErrorIs(t, err, models.ErrSignatureVerification)
}

func TestParseWebhookConfirmsViaAPI(t *testing.T) {
	status := "succeeded"
	adapter := newTestAdapter(t, true, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/payments/2d1f", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"2d1f","status":"` + status + `","amount":{"value":"29.99","currency":"RUB"}}`))
	})
	req := providers.WebhookRequest{Payload: []byte(succeededNotification), RemoteIP: "185.71.76.5"}

	ev, err := adapter.ParseWebhook(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, providers.EventPaymentSucceeded, ev.Type)

	status = "pending"
	_, err = adapter.ParseWebhook(context.Background(), req)
	assert.ErrorIs(t, err, models.ErrSignatureVerification)
}

func TestParseWebhookRefund(t *testing.T) {
	adapter := newTestAdapter(t, false, nil)
	payload := `{"type":"notification","event":"refund.succeeded","object":{"id":"rf1","payment_id":"2d1f","status":"succeeded","amount":{"value":"10.00","currency":"RUB"}}}`

	ev, err := adapter.ParseWebhook(context.Background(), providers.WebhookRequest{Payload: []byte(payload), RemoteIP: "185.71.76.5"})
	require.NoError(t, err)
	assert.Equal(t, providers.EventRefundSucceeded, ev.Type)
	assert.Equal(t, "rf1", ev.ExternalID)
	assert.Equal(t, "2d1f", ev.PaymentExternalID)
	assert.Equal(t, int64(1000), ev.Amount)
}

func TestParseWebhookMalformed(t *testing.T) {
	adapter := newTestAdapter(t, false, nil)
	_, err := adapter.ParseWebhook(context.Background(), providers.WebhookRequest{Payload: []byte(`{"type":"x"}`), RemoteIP: "185.71.76.5"})
	assert.ErrorIs(t, err, models.ErrMalformedWebhook)
}

func TestNewRejectsBadAllowlist(t *testing.T) {
	_, err := New(Config{AllowedIPs: []string{"not-an-ip/8"}})
	assert.Error(t, err)
}
