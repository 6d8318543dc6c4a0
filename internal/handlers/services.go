package handlers

import (
	"context"

	"github.com/akylbek/payment-system/marketplace-core/internal/models"
	"github.com/akylbek/payment-system/marketplace-core/internal/providers"
)

// PaymentService is the part of the orchestrator the HTTP layer calls.
type PaymentService interface {
	CreatePayment(ctx context.Context, req models.CreatePaymentRequest, idempotencyKey string) (*models.PaymentResult, error)
	ProcessRefund(ctx context.Context, req models.RefundRequest) (*models.RefundResult, error)
	GetPayment(ctx context.Context, id string) (*models.PaymentIntent, error)
	ListRefunds(ctx context.Context, paymentID string) ([]*models.Refund, error)
	HandleWebhook(ctx context.Context, provider models.Provider, req providers.WebhookRequest) (bool, error)
}

type ReferralService interface {
	CreateLink(ctx context.Context, req models.CreateLinkRequest) (*models.ReferralLink, error)
	CreateTrackingCookie(ctx context.Context, referralCode string, click models.ClickContext) (*models.TrackingResult, error)
	GetStats(ctx context.Context, referralCode string) (*models.ReferralStats, error)
}
