package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/marketplace-core/internal/handlers"
	"github.com/akylbek/payment-system/marketplace-core/internal/middleware"
	"github.com/akylbek/payment-system/marketplace-core/internal/telemetry"
)

// RouterConfig carries the HTTP-facing settings of the service.
type RouterConfig struct {
	ReferralCookieName   string
	ReferralCookieSecure bool
	ReferralLandingURL   string
	TrustedProxies       []string
}

func NewRouter(payments handlers.PaymentService, referrals handlers.ReferralService, clickLimiter *middleware.RateLimiter,
	cfg RouterConfig, logger *zap.Logger, tracer trace.Tracer) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, err
	}
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware(logger, tracer))

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "marketplace-core"})
	})

	// Payment routes
	paymentHandler := handlers.NewPaymentHandler(payments, cfg.ReferralCookieName, logger)
	stateHandler := handlers.NewPaymentStateHandler(payments, logger)
	r.POST("/payments", paymentHandler.CreatePayment)
	r.GET("/payments/:id", stateHandler.GetPayment)
	r.POST("/payments/:id/refunds", paymentHandler.CreateRefund)
	r.GET("/payments/:id/refunds", stateHandler.ListRefunds)

	// Provider notifications
	webhookHandler := handlers.NewWebhookHandler(payments, logger)
	r.POST("/webhooks/:provider", webhookHandler.Handle)

	// Referral routes
	referralHandler := handlers.NewReferralHandler(referrals, cfg.ReferralCookieName, cfg.ReferralLandingURL, cfg.ReferralCookieSecure, logger)
	r.POST("/referrals/links", referralHandler.CreateLink)
	r.GET("/referrals/:code/stats", referralHandler.GetStats)

	clicks := r.Group("/")
	if clickLimiter != nil {
		clicks.Use(clickLimiter.IPRateLimiterMiddleware())
	}
	clicks.GET("/r/:code", referralHandler.Redirect)
	clicks.POST("/referrals/track", referralHandler.Track)

	return r, nil
}
