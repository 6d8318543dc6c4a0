package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/marketplace-core/internal/models"
	"github.com/akylbek/payment-system/marketplace-core/internal/providers"
	"github.com/akylbek/payment-system/marketplace-core/internal/service"
)

const maxWebhookBody = 1 << 20

// signatureHeaders names the header each provider signs its webhooks with.
var signatureHeaders = map[models.Provider]string{
	models.ProviderStripe: "Stripe-Signature",
}

type WebhookHandler struct {
	payments PaymentService
	logger   *zap.Logger
}

func NewWebhookHandler(payments PaymentService, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{payments: payments, logger: logger}
}

// Handle answers 200 once a notification is applied or safely ignored, 400 when
// it fails verification and 5xx when the provider should redeliver. Rejections
// never say which check failed.
func (h *WebhookHandler) Handle(c *gin.Context) {
	provider := models.Provider(c.Param("provider"))
	if !provider.Valid() {
		c.JSON(http.StatusNotFound, gin.H{"error": &models.ErrorBody{Message: "Unknown webhook endpoint.", Code: "not_found"}})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		badRequest(c, "webhook body could not be read")
		return
	}

	req := providers.WebhookRequest{Payload: payload, RemoteIP: c.ClientIP()}
	if header, ok := signatureHeaders[provider]; ok {
		req.Signature = c.GetHeader(header)
	}

	ok, err := h.payments.HandleWebhook(c.Request.Context(), provider, req)
	switch {
	case errors.Is(err, service.ErrBusy):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": &models.ErrorBody{Message: "Try again later.", Code: "busy"}})
	case err != nil:
		respondError(c, h.logger, err)
	case !ok:
		c.JSON(http.StatusBadRequest, gin.H{"error": &models.ErrorBody{Message: "Webhook rejected.", Code: "webhook_rejected"}})
	default:
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}
