package service

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/marketplace-core/internal/models"
	"github.com/akylbek/payment-system/marketplace-core/internal/providers"
	"github.com/akylbek/payment-system/marketplace-core/internal/telemetry"
)

// maxTransitionAttempts bounds how often a webhook re-reads a payment after
// losing a conditional write.
const maxTransitionAttempts = 3

// HandleWebhook verifies a provider notification and applies it to local state.
// It returns false without error when the notification failed verification or
// could not be parsed, true when it was applied or safely ignored, and an error
// when the provider should redeliver.
func (o *Orchestrator) HandleWebhook(ctx context.Context, provider models.Provider, req providers.WebhookRequest) (bool, error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.HandleWebhook")
	defer span.End()
	span.SetAttributes(attribute.String("payment.provider", string(provider)))

	adapter, err := o.registry.Get(provider)
	if err != nil {
		telemetry.WebhooksReceived.WithLabelValues(string(provider), "rejected").Inc()
		return false, err
	}

	event, err := adapter.ParseWebhook(ctx, req)
	if err == nil {
		err = event.Validate()
	}
	if err != nil {
		if errors.Is(err, models.ErrSignatureVerification) || errors.Is(err, models.ErrMalformedWebhook) {
			telemetry.WebhooksReceived.WithLabelValues(string(provider), "rejected").Inc()
			o.logger.Warn("Webhook rejected",
				zap.String("provider", string(provider)),
				zap.String("remote_ip", req.RemoteIP),
				zap.Error(err),
			)
			return false, nil
		}
		telemetry.WebhooksReceived.WithLabelValues(string(provider), "error").Inc()
		telemetry.RecordError(span, err)
		return false, fmt.Errorf("parse %s webhook: %w", provider, err)
	}

	span.SetAttributes(
		attribute.String("webhook.event_type", string(event.Type)),
		attribute.String("webhook.external_id", event.ExternalID),
	)
	if event.Type == providers.EventIgnored {
		telemetry.WebhooksReceived.WithLabelValues(string(provider), "ignored").Inc()
		o.logger.Debug("Webhook ignored",
			zap.String("provider", string(provider)),
			zap.String("event_id", event.EventID),
			zap.String("status", event.Status),
		)
		return true, nil
	}

	// Webhooks take the same per-payment lock as ProcessRefund. Events that match
	// no local payment change nothing and run unlocked.
	paymentID, err := o.resolvePaymentID(ctx, provider, event)
	if err != nil {
		telemetry.WebhooksReceived.WithLabelValues(string(provider), "error").Inc()
		telemetry.RecordError(span, err)
		return false, err
	}
	if paymentID != "" {
		release, ok, err := o.locker.Acquire(ctx, paymentLockKey(paymentID), o.cfg.LockTTL)
		if err != nil {
			telemetry.WebhooksReceived.WithLabelValues(string(provider), "error").Inc()
			telemetry.RecordError(span, err)
			return false, err
		}
		if !ok {
			telemetry.WebhooksReceived.WithLabelValues(string(provider), "error").Inc()
			return false, ErrBusy
		}
		defer release()
	}

	var result string
	if event.IsRefund() {
		result, err = o.applyRefundEvent(ctx, provider, event)
	} else {
		result, err = o.applyPaymentEvent(ctx, provider, event)
	}
	if err != nil {
		telemetry.WebhooksReceived.WithLabelValues(string(provider), "error").Inc()
		telemetry.RecordError(span, err)
		o.logger.Error("Webhook processing failed",
			zap.String("provider", string(provider)),
			zap.String("event_id", event.EventID),
			zap.String("external_id", event.ExternalID),
			zap.Error(err),
		)
		return false, err
	}
	telemetry.WebhooksReceived.WithLabelValues(string(provider), result).Inc()
	return true, nil
}

// resolvePaymentID finds the local payment an event concerns. Refund events are
// matched through their payment first and through the refund record otherwise.
// An empty id means nothing local matches.
func (o *Orchestrator) resolvePaymentID(ctx context.Context, provider models.Provider, event *providers.NormalizedEvent) (string, error) {
	externalID := event.ExternalID
	if event.IsRefund() {
		externalID = event.PaymentExternalID
	}
	if externalID != "" {
		payment, err := o.repo.GetPaymentByExternalID(ctx, provider, externalID)
		if err == nil {
			return payment.ID, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return "", fmt.Errorf("load payment: %w", err)
		}
	}
	if !event.IsRefund() {
		return "", nil
	}
	refund, err := o.repo.GetRefundByExternalID(ctx, event.ExternalID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("load refund: %w", err)
	}
	return refund.PaymentIntentID, nil
}

func (o *Orchestrator) applyPaymentEvent(ctx context.Context, provider models.Provider, event *providers.NormalizedEvent) (string, error) {
	target, _ := event.TargetStatus()

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		payment, err := o.repo.GetPaymentByExternalID(ctx, provider, event.ExternalID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				o.logger.Warn("Webhook for unknown payment",
					zap.String("provider", string(provider)),
					zap.String("external_id", event.ExternalID),
					zap.String("event_type", string(event.Type)),
				)
				return "unknown", nil
			}
			return "", fmt.Errorf("load payment: %w", err)
		}

		if payment.Status.Reached(target) {
			o.logger.Info("Duplicate webhook",
				zap.String("payment_id", payment.ID),
				zap.String("event_id", event.EventID),
				zap.String("status", string(payment.Status)),
			)
			return "duplicate", nil
		}
		if !models.CanTransition(payment.Status, target) {
			o.reportInconsistency(ctx, &models.InconsistentStateError{
				Kind:            models.KindConflictingWebhook,
				PaymentIntentID: payment.ID,
				ExternalID:      event.ExternalID,
				Detail:          fmt.Sprintf("%s received while payment is %s", event.Type, payment.Status),
			}, provider)
			return "conflict", nil
		}
		if target == models.StatusSucceeded && amountMismatch(payment, event) {
			o.reportInconsistency(ctx, &models.InconsistentStateError{
				Kind:            models.KindAmountMismatch,
				PaymentIntentID: payment.ID,
				ExternalID:      event.ExternalID,
				Detail: fmt.Sprintf("provider reported %d %s, expected %d %s",
					event.Amount, event.Currency, payment.Amount, payment.Currency),
			}, provider)
			return "conflict", nil
		}

		n, err := o.repo.TransitionStatus(ctx, payment.ID, payment.Status, target)
		if err != nil {
			return "", fmt.Errorf("transition payment %s: %w", payment.ID, err)
		}
		if n == 0 {
			// Another delivery moved the payment first; re-read and decide again.
			continue
		}

		from := payment.Status
		payment.Status = target
		telemetry.PaymentTransitions.WithLabelValues(string(from), string(target)).Inc()
		o.logger.Info("Payment state transition",
			zap.String("payment_id", payment.ID),
			zap.String("provider", string(provider)),
			zap.String("event_id", event.EventID),
			zap.String("from_state", string(from)),
			zap.String("to_state", string(target)),
		)
		o.afterTransition(ctx, payment)
		return "applied", nil
	}
	return "", fmt.Errorf("payment for %s kept changing while applying %s", event.ExternalID, event.Type)
}

// afterTransition runs the side effects of a transition. It is only reached by
// the caller whose conditional write took effect.
func (o *Orchestrator) afterTransition(ctx context.Context, payment *models.PaymentIntent) {
	switch payment.Status {
	case models.StatusSucceeded:
		o.publish(ctx, paymentEvent(models.EventPaymentSucceeded, payment))
		o.attribute(ctx, payment)
	case models.StatusFailed:
		o.publish(ctx, paymentEvent(models.EventPaymentFailed, payment))
	}
}

// attribute credits the purchase to the referral that led to it. Failures never
// undo the payment.
func (o *Orchestrator) attribute(ctx context.Context, payment *models.PaymentIntent) {
	cookie := payment.Metadata[models.MetadataReferralCookie]
	if cookie == "" || o.attributor == nil {
		return
	}
	_, err := o.attributor.AttributePurchase(ctx, cookie, models.PurchaseContext{
		PaymentIntentID: payment.ID,
		Amount:          payment.Amount,
		Currency:        payment.Currency,
	})
	var miss *models.AttributionMiss
	switch {
	case err == nil:
	case errors.As(err, &miss):
		o.logger.Info("Purchase not attributed",
			zap.String("payment_id", payment.ID),
			zap.String("reason", miss.Reason),
		)
	default:
		o.logger.Error("Referral attribution failed",
			zap.String("payment_id", payment.ID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) applyRefundEvent(ctx context.Context, provider models.Provider, event *providers.NormalizedEvent) (string, error) {
	target, _ := event.TargetRefundStatus()

	refund, err := o.repo.GetRefundByExternalID(ctx, event.ExternalID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			o.logger.Warn("Webhook for unknown refund",
				zap.String("provider", string(provider)),
				zap.String("external_id", event.ExternalID),
				zap.String("payment_external_id", event.PaymentExternalID),
			)
			return "unknown", nil
		}
		return "", fmt.Errorf("load refund: %w", err)
	}
	payment, err := o.repo.GetPayment(ctx, refund.PaymentIntentID)
	if err != nil {
		return "", fmt.Errorf("load payment: %w", err)
	}
	if payment.Provider != provider || payment.ProviderPaymentID != event.PaymentExternalID {
		o.reportInconsistency(ctx, &models.InconsistentStateError{
			Kind:            models.KindConflictingWebhook,
			PaymentIntentID: payment.ID,
			ExternalID:      event.ExternalID,
			Detail:          fmt.Sprintf("refund event references payment %s", event.PaymentExternalID),
		}, provider)
		return "conflict", nil
	}

	if refund.Status == target {
		return "duplicate", nil
	}
	if refund.Status != models.RefundPending {
		o.reportInconsistency(ctx, &models.InconsistentStateError{
			Kind:            models.KindConflictingWebhook,
			PaymentIntentID: payment.ID,
			ExternalID:      event.ExternalID,
			Detail:          fmt.Sprintf("%s received while refund is %s", event.Type, refund.Status),
		}, provider)
		return "conflict", nil
	}

	n, err := o.repo.TransitionRefundStatus(ctx, refund.ID, models.RefundPending, target)
	if err != nil {
		return "", fmt.Errorf("transition refund %s: %w", refund.ID, err)
	}
	if n == 0 {
		return "duplicate", nil
	}
	refund.Status = target
	o.logger.Info("Refund state transition",
		zap.String("payment_id", payment.ID),
		zap.String("refund_id", refund.ID),
		zap.String("to_state", string(target)),
	)

	if target == models.RefundFailed {
		if err := o.restoreRefundable(ctx, payment); err != nil {
			return "", err
		}
	}
	o.publish(ctx, refundEvent(payment, refund))
	return "applied", nil
}

// restoreRefundable recomputes the payment status from the refunds that still
// count after one of them failed.
func (o *Orchestrator) restoreRefundable(ctx context.Context, payment *models.PaymentIntent) error {
	refunds, err := o.repo.ListRefunds(ctx, payment.ID)
	if err != nil {
		return fmt.Errorf("list refunds: %w", err)
	}
	refunded := refundedAmount(refunds)

	target := models.StatusPartiallyRefunded
	switch {
	case refunded == 0:
		target = models.StatusSucceeded
	case refunded >= payment.Amount:
		target = models.StatusRefunded
	}
	if target == payment.Status || !models.CanTransition(payment.Status, target) {
		return nil
	}
	return o.transition(ctx, payment, target)
}

// amountMismatch reports a provider amount that disagrees with the local record.
// Zero means the provider did not report one.
func amountMismatch(p *models.PaymentIntent, e *providers.NormalizedEvent) bool {
	if e.Amount == 0 {
		return false
	}
	if e.Currency != "" && e.Currency != p.Currency {
		return true
	}
	return e.Amount != p.Amount
}
