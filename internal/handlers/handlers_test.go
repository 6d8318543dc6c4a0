package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/marketplace-core/internal/models"
	"github.com/akylbek/payment-system/marketplace-core/internal/providers"
	"github.com/akylbek/payment-system/marketplace-core/internal/service"
)

// MockPaymentService is a mock implementation of PaymentService
type MockPaymentService struct {
	mock.Mock
}

func (m *MockPaymentService) CreatePayment(ctx context.Context, req models.CreatePaymentRequest, key string) (*models.PaymentResult, error) {
	args := m.Called(ctx, req, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PaymentResult), args.Error(1)
}

func (m *MockPaymentService) ProcessRefund(ctx context.Context, req models.RefundRequest) (*models.RefundResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RefundResult), args.Error(1)
}

func (m *MockPaymentService) GetPayment(ctx context.Context, id string) (*models.PaymentIntent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PaymentIntent), args.Error(1)
}

func (m *MockPaymentService) ListRefunds(ctx context.Context, paymentID string) ([]*models.Refund, error) {
	args := m.Called(ctx, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Refund), args.Error(1)
}

func (m *MockPaymentService) HandleWebhook(ctx context.Context, provider models.Provider, req providers.WebhookRequest) (bool, error) {
	args := m.Called(ctx, provider, req)
	return args.Bool(0), args.Error(1)
}

// MockReferralService is a mock implementation of ReferralService
type MockReferralService struct {
	mock.Mock
}

func (m *MockReferralService) CreateLink(ctx context.Context, req models.CreateLinkRequest) (*models.ReferralLink, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ReferralLink), args.Error(1)
}

func (m *MockReferralService) CreateTrackingCookie(ctx context.Context, code string, click models.ClickContext) (*models.TrackingResult, error) {
	args := m.Called(ctx, code, click)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TrackingResult), args.Error(1)
}

func (m *MockReferralService) GetStats(ctx context.Context, code string) (*models.ReferralStats, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ReferralStats), args.Error(1)
}

func setupRouter(payments PaymentService, referrals ReferralService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	r := gin.New()

	ph := NewPaymentHandler(payments, "ref_track", logger)
	sh := NewPaymentStateHandler(payments, logger)
	wh := NewWebhookHandler(payments, logger)
	rh := NewReferralHandler(referrals, "ref_track", "/", false, logger)

	r.POST("/payments", ph.CreatePayment)
	r.GET("/payments/:id", sh.GetPayment)
	r.POST("/payments/:id/refunds", ph.CreateRefund)
	r.GET("/payments/:id/refunds", sh.ListRefunds)
	r.POST("/webhooks/:provider", wh.Handle)
	r.POST("/referrals/links", rh.CreateLink)
	r.POST("/referrals/track", rh.Track)
	r.GET("/referrals/:code/stats", rh.GetStats)
	r.GET("/r/:code", rh.Redirect)
	return r
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}

type errorResponse struct {
	Error models.ErrorBody `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) models.ErrorBody {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestCreatePaymentHandler(t *testing.T) {
	payments := new(MockPaymentService)
	r := setupRouter(payments, new(MockReferralService))

	want := models.CreatePaymentRequest{Amount: 2999, Currency: "USD", Provider: models.ProviderStripe, ReferralCookie: "ck-1"}
	payments.On("CreatePayment", mock.Anything, want, "key-1").Return(&models.PaymentResult{
		Success:       true,
		PaymentIntent: &models.PaymentIntent{ID: "pay-1", Amount: 2999, Currency: "USD", Status: models.StatusPending},
	}, nil)

	req := jsonRequest(t, http.MethodPost, "/payments", map[string]any{"amount": 2999, "currency": "USD", "provider": "stripe"})
	req.Header.Set("Idempotency-Key", "key-1")
	req.AddCookie(&http.Cookie{Name: "ref_track", Value: "ck-1"})
	w := serve(r, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	var result models.PaymentResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, "pay-1", result.PaymentIntent.ID)
	payments.AssertExpectations(t)
}

func TestCreatePaymentHandlerFailures(t *testing.T) {
	tests := []struct {
		name   string
		result *models.PaymentResult
		err    error
		status int
		code   string
	}{
		{
			name:   "validation",
			result: &models.PaymentResult{Error: models.ToErrorBody(models.NewValidationError(models.CodeInvalidAmount, "amount must be greater than zero", nil))},
			status: http.StatusBadRequest,
			code:   models.CodeInvalidAmount,
		},
		{
			name:   "decline",
			result: &models.PaymentResult{Error: models.ToErrorBody(&models.ProviderError{Provider: models.ProviderStripe, ProviderCode: "card_declined"})},
			status: http.StatusPaymentRequired,
			code:   "provider_error",
		},
		{
			name:   "provider outage",
			result: &models.PaymentResult{Error: models.ToErrorBody(&models.ProviderError{Provider: models.ProviderStripe, Retryable: true})},
			status: http.StatusBadGateway,
			code:   "provider_error",
		},
		{
			name:   "no exchange rate",
			result: &models.PaymentResult{Error: models.ToErrorBody(&models.ExchangeRateNotFoundError{From: "USD", To: "EUR"})},
			status: http.StatusServiceUnavailable,
			code:   "exchange_rate_not_found",
		},
		{
			name:   "leaked charge",
			err:    &models.InconsistentStateError{Kind: models.KindLeakedCharge, PaymentIntentID: "pay-1", ExternalID: "pi_1"},
			status: http.StatusInternalServerError,
			code:   "internal_error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payments := new(MockPaymentService)
			r := setupRouter(payments, new(MockReferralService))
			if tt.result != nil {
				payments.On("CreatePayment", mock.Anything, mock.Anything, "").Return(tt.result, nil)
			} else {
				payments.On("CreatePayment", mock.Anything, mock.Anything, "").Return(nil, tt.err)
			}

			w := serve(r, jsonRequest(t, http.MethodPost, "/payments", map[string]any{"amount": 1, "currency": "USD", "provider": "stripe"}))
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decodeError(t, w).Code)
		})
	}
}

func TestCreatePaymentHandlerBadJSON(t *testing.T) {
	payments := new(MockPaymentService)
	r := setupRouter(payments, new(MockReferralService))

	req := httptest.NewRequest(http.MethodPost, "/payments", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	w := serve(r, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.CodeInvalidRequest, decodeError(t, w).Code)
	payments.AssertNotCalled(t, "CreatePayment", mock.Anything, mock.Anything, mock.Anything)
}

func TestPaymentReadHandlers(t *testing.T) {
	payments := new(MockPaymentService)
	r := setupRouter(payments, new(MockReferralService))

	payments.On("GetPayment", mock.Anything, "missing").Return(nil, models.ErrNotFound)
	payments.On("GetPayment", mock.Anything, "pay-1").Return(&models.PaymentIntent{ID: "pay-1", Status: models.StatusSucceeded}, nil)
	payments.On("ListRefunds", mock.Anything, "pay-1").Return(nil, nil)

	w := serve(r, httptest.NewRequest(http.MethodGet, "/payments/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(r, httptest.NewRequest(http.MethodGet, "/payments/pay-1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"succeeded"`)

	w = serve(r, httptest.NewRequest(http.MethodGet, "/payments/pay-1/refunds", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"payment_intent_id":"pay-1","refunds":[]}`, w.Body.String())
}

func TestCreateRefundHandler(t *testing.T) {
	payments := new(MockPaymentService)
	r := setupRouter(payments, new(MockReferralService))

	payments.On("ProcessRefund", mock.Anything, mock.MatchedBy(func(req models.RefundRequest) bool {
		return req.PaymentIntentID == "pay-1" && req.Amount != nil && *req.Amount == 1500
	})).Return(&models.RefundResult{Success: true, Refund: &models.Refund{ID: "ref-1", Amount: 1500}}, nil)
	payments.On("ProcessRefund", mock.Anything, mock.MatchedBy(func(req models.RefundRequest) bool {
		return req.PaymentIntentID == "pay-1" && req.Amount != nil && *req.Amount == 2000
	})).Return(&models.RefundResult{Error: models.ToErrorBody(models.NewValidationError(models.CodeRefundExceeds,
		"refund amount exceeds the remaining refundable amount", map[string]any{"remaining": int64(1499)}))}, nil)
	payments.On("ProcessRefund", mock.Anything, mock.MatchedBy(func(req models.RefundRequest) bool {
		return req.PaymentIntentID == "pay-2"
	})).Return(&models.RefundResult{Error: models.ToErrorBody(models.NewValidationError(models.CodeRefundInProgress, "busy", nil))}, nil)

	w := serve(r, jsonRequest(t, http.MethodPost, "/payments/pay-1/refunds", map[string]any{"amount": 1500}))
	assert.Equal(t, http.StatusCreated, w.Code)

	w = serve(r, jsonRequest(t, http.MethodPost, "/payments/pay-1/refunds", map[string]any{"amount": 2000}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, models.CodeRefundExceeds, body.Code)
	assert.EqualValues(t, 1499, body.Details["remaining"])

	w = serve(r, httptest.NewRequest(http.MethodPost, "/payments/pay-2/refunds", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestWebhookHandler(t *testing.T) {
	payments := new(MockPaymentService)
	r := setupRouter(payments, new(MockReferralService))

	payments.On("HandleWebhook", mock.Anything, models.ProviderStripe, mock.MatchedBy(func(req providers.WebhookRequest) bool {
		return req.Signature == "t=1,v1=good" && string(req.Payload) == `{"id":"evt_1"}` && req.RemoteIP == "192.0.2.1"
	})).Return(true, nil)
	payments.On("HandleWebhook", mock.Anything, models.ProviderStripe, mock.MatchedBy(func(req providers.WebhookRequest) bool {
		return req.Signature == "t=1,v1=bad"
	})).Return(false, nil)
	payments.On("HandleWebhook", mock.Anything, models.ProviderYooKassa, mock.Anything).Return(false, service.ErrBusy)
	payments.On("HandleWebhook", mock.Anything, models.ProviderCoinGate, mock.Anything).Return(false, errors.New("db down"))

	post := func(provider, signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/"+provider, bytes.NewBufferString(`{"id":"evt_1"}`))
		if signature != "" {
			req.Header.Set("Stripe-Signature", signature)
		}
		return serve(r, req)
	}

	w := post("stripe", "t=1,v1=good")
	assert.Equal(t, http.StatusOK, w.Code)

	w = post("stripe", "t=1,v1=bad")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "webhook_rejected", decodeError(t, w).Code)

	assert.Equal(t, http.StatusServiceUnavailable, post("yookassa", "").Code)
	assert.Equal(t, http.StatusInternalServerError, post("coingate", "").Code)
	assert.Equal(t, http.StatusNotFound, post("paypal", "").Code)
	payments.AssertNumberOfCalls(t, "HandleWebhook", 4)
}

func TestReferralRedirect(t *testing.T) {
	referrals := new(MockReferralService)
	r := setupRouter(new(MockPaymentService), referrals)

	record := &models.ReferralTrackingRecord{CookieValue: "cookie-abc", ExpiresAt: time.Now().Add(30 * 24 * time.Hour)}
	referrals.On("CreateTrackingCookie", mock.Anything, "GOOD", mock.MatchedBy(func(click models.ClickContext) bool {
		return click.IPAddress == "192.0.2.1" && click.UserAgent == "test-agent"
	})).Return(&models.TrackingResult{Record: record}, nil)
	referrals.On("CreateTrackingCookie", mock.Anything, "BOT", mock.Anything).
		Return(nil, &models.ClickBlockedError{ReferralCode: "BOT", Result: &models.FraudAnalysisResult{RiskScore: 90, ShouldBlock: true}})
	referrals.On("CreateTrackingCookie", mock.Anything, "OLD", mock.Anything).Return(nil, models.ErrReferralInactive)
	referrals.On("CreateTrackingCookie", mock.Anything, "NONE", mock.Anything).Return(nil, models.ErrReferralNotFound)

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("User-Agent", "test-agent")
		return serve(r, req)
	}

	w := get("/r/GOOD?to=/product/42")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/product/42", w.Header().Get("Location"))
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "ref_track", cookies[0].Name)
	assert.Equal(t, "cookie-abc", cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)

	w = get("/r/GOOD?to=//evil.example.com")
	assert.Equal(t, "/", w.Header().Get("Location"))

	w = get("/r/BOT")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "click_blocked", decodeError(t, w).Code)
	assert.Empty(t, w.Result().Cookies())

	assert.Equal(t, http.StatusGone, get("/r/OLD").Code)
	assert.Equal(t, http.StatusNotFound, get("/r/NONE").Code)
}

func TestReferralTrackAndStats(t *testing.T) {
	referrals := new(MockReferralService)
	r := setupRouter(new(MockPaymentService), referrals)

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	referrals.On("CreateTrackingCookie", mock.Anything, "CODE", mock.MatchedBy(func(click models.ClickContext) bool {
		return click.ReferrerURL == "https://blog.example.com/post" && click.LandingPage == "/"
	})).Return(&models.TrackingResult{
		Record: &models.ReferralTrackingRecord{CookieValue: "ck", ExpiresAt: expires},
		Fraud:  &models.FraudAnalysisResult{RiskScore: 45, ShouldFlag: true},
	}, nil)
	referrals.On("GetStats", mock.Anything, "CODE").Return(&models.ReferralStats{ClickCount: 3, PurchaseCount: 1, TotalEarned: 300}, nil)

	w := serve(r, jsonRequest(t, http.MethodPost, "/referrals/track", map[string]any{
		"referral_code": "CODE", "referrer_url": "https://blog.example.com/post", "landing_page": "https://evil.example.com",
	}))
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"cookie_value":"ck"`)
	assert.NotContains(t, w.Body.String(), "risk_score")

	w = serve(r, jsonRequest(t, http.MethodPost, "/referrals/track", map[string]any{}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(r, httptest.NewRequest(http.MethodGet, "/referrals/CODE/stats", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total_earned":300`)
}

func TestCreateLinkHandler(t *testing.T) {
	referrals := new(MockReferralService)
	r := setupRouter(new(MockPaymentService), referrals)

	referrals.On("CreateLink", mock.Anything, mock.MatchedBy(func(req models.CreateLinkRequest) bool {
		return req.ReferrerID == "u-1"
	})).Return(&models.ReferralLink{ID: "l-1", ReferralCode: "ABCDEFGHJK"}, nil)
	referrals.On("CreateLink", mock.Anything, mock.MatchedBy(func(req models.CreateLinkRequest) bool {
		return req.ReferrerID == ""
	})).Return(nil, models.NewValidationError(models.CodeInvalidRequest, "referrer_id is required", nil))

	w := serve(r, jsonRequest(t, http.MethodPost, "/referrals/links", map[string]any{
		"referrer_id": "u-1", "reward_type": "percentage", "reward_value": "10",
	}))
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "ABCDEFGHJK")

	w = serve(r, jsonRequest(t, http.MethodPost, "/referrals/links", map[string]any{"reward_type": "percentage"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.CodeInvalidRequest, decodeError(t, w).Code)
}
