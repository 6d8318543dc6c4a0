package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/marketplace-core/internal/models"
)

// PaymentStateHandler serves the read side of payments.
type PaymentStateHandler struct {
	payments PaymentService
	logger   *zap.Logger
}

func NewPaymentStateHandler(payments PaymentService, logger *zap.Logger) *PaymentStateHandler {
	return &PaymentStateHandler{payments: payments, logger: logger}
}

func (h *PaymentStateHandler) GetPayment(c *gin.Context) {
	payment, err := h.payments.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *PaymentStateHandler) ListRefunds(c *gin.Context) {
	paymentID := c.Param("id")
	refunds, err := h.payments.ListRefunds(c.Request.Context(), paymentID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if refunds == nil {
		refunds = []*models.Refund{}
	}
	c.JSON(http.StatusOK, gin.H{
		"payment_intent_id": paymentID,
		"refunds":           refunds,
	})
}
