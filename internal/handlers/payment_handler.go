package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/marketplace-core/internal/models"
)

type PaymentHandler struct {
	payments   PaymentService
	cookieName string
	logger     *zap.Logger
}

// NewPaymentHandler serves payment creation and refunds. cookieName is the
// referral tracking cookie read when the request body carries none.
func NewPaymentHandler(payments PaymentService, cookieName string, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{payments: payments, cookieName: cookieName, logger: logger}
}

func (h *PaymentHandler) CreatePayment(c *gin.Context) {
	var req models.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Error decoding payment request", zap.Error(err))
		badRequest(c, "invalid request body")
		return
	}
	if req.ReferralCookie == "" && h.cookieName != "" {
		if cookie, err := c.Cookie(h.cookieName); err == nil {
			req.ReferralCookie = cookie
		}
	}

	result, err := h.payments.CreatePayment(c.Request.Context(), req, c.GetHeader("Idempotency-Key"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !result.Success {
		c.JSON(statusForBody(result.Error), result)
		return
	}
	c.JSON(http.StatusCreated, result)
}

type refundBody struct {
	Amount   *int64            `json:"amount"`
	Reason   string            `json:"reason"`
	Metadata map[string]string `json:"metadata"`
}

func (h *PaymentHandler) CreateRefund(c *gin.Context) {
	var body refundBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}

	result, err := h.payments.ProcessRefund(c.Request.Context(), models.RefundRequest{
		PaymentIntentID: c.Param("id"),
		Amount:          body.Amount,
		Reason:          body.Reason,
		Metadata:        body.Metadata,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !result.Success {
		c.JSON(statusForBody(result.Error), result)
		return
	}
	c.JSON(http.StatusCreated, result)
}
