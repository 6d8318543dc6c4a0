package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/marketplace-core/internal/models"
)

// statusForBody maps an error body to the HTTP status it is served with.
func statusForBody(body *models.ErrorBody) int {
	switch body.Code {
	case models.CodePaymentNotFound, "not_found":
		return http.StatusNotFound
	case models.CodeRefundInProgress:
		return http.StatusConflict
	case models.CodeNotRefundable:
		return http.StatusUnprocessableEntity
	case "provider_error":
		if retryable, _ := body.Details["retryable"].(bool); retryable {
			return http.StatusBadGateway
		}
		return http.StatusPaymentRequired
	case "exchange_rate_not_found":
		return http.StatusServiceUnavailable
	case "click_blocked":
		return http.StatusForbidden
	case models.MissInactive:
		return http.StatusGone
	case "internal_error":
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

func statusForError(err error) int {
	var (
		verr  *models.ValidationError
		cberr *models.ClickBlockedError
	)
	switch {
	case errors.As(err, &verr):
		return statusForBody(models.ToErrorBody(err))
	case errors.As(err, &cberr):
		return http.StatusForbidden
	case errors.Is(err, models.ErrReferralInactive):
		return http.StatusGone
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// respondError writes {"error": {...}}. Internal errors are logged here and
// rendered without detail.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{"error": models.ToErrorBody(err)})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": &models.ErrorBody{Message: message, Code: models.CodeInvalidRequest}})
}
