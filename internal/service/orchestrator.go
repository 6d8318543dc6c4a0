// Package service holds the payment orchestrator: payment creation, refunds and
// webhook reconciliation on top of the provider adapters.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/marketplace-core/internal/interfaces"
	"github.com/akylbek/payment-system/marketplace-core/internal/models"
	"github.com/akylbek/payment-system/marketplace-core/internal/money"
	"github.com/akylbek/payment-system/marketplace-core/internal/providers"
	"github.com/akylbek/payment-system/marketplace-core/internal/telemetry"
)

// ErrBusy is returned when another worker holds the lock for the same payment.
// Webhook callers answer with a 5xx so the provider redelivers.
var ErrBusy = errors.New("payment is being processed")

// paymentLockKey is the lock shared by refunds and webhooks of one payment.
func paymentLockKey(paymentID string) string { return "payment:" + paymentID }

type Config struct {
	Retry   RetryPolicy
	LockTTL time.Duration
}

type Orchestrator struct {
	registry   *providers.Registry
	repo       interfaces.PaymentRepository
	converter  interfaces.CurrencyConverter
	attributor interfaces.Attributor
	publisher  interfaces.EventPublisher
	locker     interfaces.Locker
	cfg        Config
	logger     *zap.Logger
	tracer     trace.Tracer
}

func NewOrchestrator(
	registry *providers.Registry,
	repo interfaces.PaymentRepository,
	converter interfaces.CurrencyConverter,
	attributor interfaces.Attributor,
	publisher interfaces.EventPublisher,
	locker interfaces.Locker,
	cfg Config,
	logger *zap.Logger,
	tracer trace.Tracer,
) *Orchestrator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if tracer == nil {
		tracer = otel.Tracer("orchestrator")
	}
	return &Orchestrator{
		registry:   registry,
		repo:       repo,
		converter:  converter,
		attributor: attributor,
		publisher:  publisher,
		locker:     locker,
		cfg:        cfg,
		logger:     logger,
		tracer:     tracer,
	}
}

// CreatePayment validates the request, converts the amount into the charge
// currency when needed and creates the remote payment. Validation, conversion and
// provider failures come back as an unsuccessful result; only internal failures
// are returned as errors.
func (o *Orchestrator) CreatePayment(ctx context.Context, req models.CreatePaymentRequest, idempotencyKey string) (*models.PaymentResult, error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.CreatePayment")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.provider", string(req.Provider)),
		attribute.String("payment.currency", req.Currency),
		attribute.Int64("payment.amount", req.Amount),
	)

	req.Currency = money.Normalize(req.Currency)
	req.NativeCurrency = money.Normalize(req.NativeCurrency)

	adapter, err := o.validatePayment(req)
	if err != nil {
		telemetry.PaymentsCreated.WithLabelValues(string(req.Provider), "rejected").Inc()
		return failedPayment(err), nil
	}

	if idempotencyKey != "" {
		existing, err := o.repo.GetPaymentByIdempotencyKey(ctx, idempotencyKey)
		switch {
		case err == nil:
			telemetry.PaymentsCreated.WithLabelValues(string(req.Provider), "replayed").Inc()
			o.logger.Info("Idempotent payment replay",
				zap.String("payment_id", existing.ID),
				zap.String("idempotency_key", idempotencyKey),
			)
			return &models.PaymentResult{Success: true, PaymentIntent: existing}, nil
		case !errors.Is(err, models.ErrNotFound):
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	intent := &models.PaymentIntent{
		ID:             uuid.NewString(),
		Amount:         req.Amount,
		Currency:       req.Currency,
		Provider:       req.Provider,
		IdempotencyKey: idempotencyKey,
		Metadata:       copyMetadata(req.Metadata),
	}
	if req.ReferralCookie != "" {
		intent.Metadata[models.MetadataReferralCookie] = req.ReferralCookie
	}

	if req.NativeCurrency != "" && req.NativeCurrency != req.Currency {
		conv, err := o.converter.Convert(ctx, req.Amount, req.NativeCurrency, req.Currency)
		if err != nil {
			telemetry.PaymentsCreated.WithLabelValues(string(req.Provider), "conversion_failed").Inc()
			o.logger.Warn("Currency conversion failed",
				zap.String("from", req.NativeCurrency),
				zap.String("to", req.Currency),
				zap.Error(err),
			)
			var rerr *models.ExchangeRateNotFoundError
			if errors.As(err, &rerr) {
				return failedPayment(err), nil
			}
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("convert amount: %w", err)
		}
		if conv.Amount <= 0 {
			telemetry.PaymentsCreated.WithLabelValues(string(req.Provider), "rejected").Inc()
			return failedPayment(models.NewValidationError(models.CodeInvalidAmount,
				"amount is too small after currency conversion",
				map[string]any{"converted_amount": conv.Amount, "currency": req.Currency})), nil
		}
		intent.Amount = conv.Amount
		intent.Metadata["original_amount"] = strconv.FormatInt(req.Amount, 10)
		intent.Metadata["original_currency"] = req.NativeCurrency
		intent.Metadata["exchange_rate"] = conv.Rate.String()
	}

	remoteKey := idempotencyKey
	if remoteKey == "" {
		remoteKey = intent.ID
	}
	resp, err := callProvider(ctx, o.cfg.Retry, o.logger, req.Provider, "create_payment",
		func(ctx context.Context) (*providers.PaymentResponse, error) {
			return adapter.CreatePayment(ctx, providers.PaymentRequest{
				Amount:         intent.Amount,
				Currency:       intent.Currency,
				Description:    req.Description,
				Metadata:       providerMetadata(intent),
				IdempotencyKey: remoteKey,
			})
		})
	if err != nil {
		var perr *models.ProviderError
		if errors.As(err, &perr) {
			telemetry.PaymentsCreated.WithLabelValues(string(req.Provider), "provider_error").Inc()
			o.logger.Warn("Provider rejected payment",
				zap.String("payment_id", intent.ID),
				zap.String("provider", string(req.Provider)),
				zap.String("provider_code", perr.ProviderCode),
				zap.Bool("retryable", perr.Retryable),
				zap.Error(err),
			)
			return failedPayment(err), nil
		}
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("create remote payment: %w", err)
	}

	intent.ProviderPaymentID = resp.ExternalID
	intent.ClientSecret = resp.ClientSecret
	intent.RedirectURL = resp.RedirectURL
	intent.Status = models.StatusPending
	if resp.Status == models.StatusRequiresAction {
		intent.Status = models.StatusRequiresAction
	}

	if err := o.repo.CreatePayment(ctx, intent); err != nil {
		if errors.Is(err, models.ErrConflict) && idempotencyKey != "" {
			// A concurrent request with the same key won; the provider deduplicated
			// the remote call on the same key.
			if existing, lookupErr := o.repo.GetPaymentByIdempotencyKey(ctx, idempotencyKey); lookupErr == nil {
				telemetry.PaymentsCreated.WithLabelValues(string(req.Provider), "replayed").Inc()
				return &models.PaymentResult{Success: true, PaymentIntent: existing}, nil
			}
		}
		ierr := &models.InconsistentStateError{
			Kind:            models.KindLeakedCharge,
			PaymentIntentID: intent.ID,
			ExternalID:      resp.ExternalID,
			Detail: fmt.Sprintf("remote %s payment created for %d %s but not recorded locally",
				intent.Provider, intent.Amount, intent.Currency),
			Err: err,
		}
		telemetry.PaymentsCreated.WithLabelValues(string(req.Provider), "inconsistent").Inc()
		telemetry.RecordError(span, ierr)
		o.reportInconsistency(ctx, ierr, intent.Provider)
		return nil, ierr
	}

	telemetry.PaymentsCreated.WithLabelValues(string(req.Provider), "created").Inc()
	span.SetAttributes(attribute.String("payment.id", intent.ID))
	o.logger.Info("Payment created",
		zap.String("payment_id", intent.ID),
		zap.String("provider", string(intent.Provider)),
		zap.String("external_id", intent.ProviderPaymentID),
		zap.Int64("amount", intent.Amount),
		zap.String("currency", intent.Currency),
		zap.String("status", string(intent.Status)),
	)
	return &models.PaymentResult{Success: true, PaymentIntent: intent}, nil
}

func (o *Orchestrator) validatePayment(req models.CreatePaymentRequest) (providers.Adapter, error) {
	if req.Amount <= 0 {
		return nil, models.NewValidationError(models.CodeInvalidAmount, "amount must be greater than zero",
			map[string]any{"amount": req.Amount})
	}
	if !money.ValidCurrency(req.Currency) {
		return nil, models.NewValidationError(models.CodeInvalidCurrency, "currency is invalid",
			map[string]any{"currency": req.Currency})
	}
	if req.NativeCurrency != "" && !money.ValidCurrency(req.NativeCurrency) {
		return nil, models.NewValidationError(models.CodeInvalidCurrency, "native currency is invalid",
			map[string]any{"currency": req.NativeCurrency})
	}
	adapter, err := o.registry.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	if !adapter.SupportsCurrency(req.Currency) {
		return nil, models.NewValidationError(models.CodeUnsupportedCurrency,
			fmt.Sprintf("%s does not accept %s", req.Provider, req.Currency),
			map[string]any{"provider": string(req.Provider), "currency": req.Currency})
	}
	return adapter, nil
}

// ProcessRefund refunds all or part of the remaining amount of a payment. Refunds
// of one payment are serialized with a distributed lock so the remaining amount
// cannot be spent twice.
func (o *Orchestrator) ProcessRefund(ctx context.Context, req models.RefundRequest) (*models.RefundResult, error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.ProcessRefund")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", req.PaymentIntentID))

	release, ok, err := o.locker.Acquire(ctx, paymentLockKey(req.PaymentIntentID), o.cfg.LockTTL)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if !ok {
		return failedRefund(models.NewValidationError(models.CodeRefundInProgress,
			"another refund for this payment is in progress", nil)), nil
	}
	defer release()

	payment, err := o.repo.GetPayment(ctx, req.PaymentIntentID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return failedRefund(models.NewValidationError(models.CodePaymentNotFound, "payment not found",
				map[string]any{"payment_intent_id": req.PaymentIntentID})), nil
		}
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("load payment: %w", err)
	}
	if !payment.Status.Refundable() {
		telemetry.RefundsProcessed.WithLabelValues(string(payment.Provider), "rejected").Inc()
		return failedRefund(models.NewValidationError(models.CodeNotRefundable,
			"payment cannot be refunded in its current status",
			map[string]any{"status": string(payment.Status)})), nil
	}

	refunds, err := o.repo.ListRefunds(ctx, payment.ID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	remaining := payment.Amount - refundedAmount(refunds)

	amount := remaining
	if req.Amount != nil {
		amount = *req.Amount
	}
	if amount <= 0 {
		telemetry.RefundsProcessed.WithLabelValues(string(payment.Provider), "rejected").Inc()
		return failedRefund(models.NewValidationError(models.CodeInvalidAmount,
			"refund amount must be greater than zero",
			map[string]any{"amount": amount, "remaining": remaining})), nil
	}
	if amount > remaining {
		telemetry.RefundsProcessed.WithLabelValues(string(payment.Provider), "rejected").Inc()
		return failedRefund(models.NewValidationError(models.CodeRefundExceeds,
			"refund amount exceeds the remaining refundable amount",
			map[string]any{"amount": amount, "remaining": remaining})), nil
	}

	adapter, err := o.registry.Get(payment.Provider)
	if err != nil {
		return failedRefund(err), nil
	}

	refund := &models.Refund{
		ID:              uuid.NewString(),
		PaymentIntentID: payment.ID,
		Amount:          amount,
		Currency:        payment.Currency,
		Reason:          req.Reason,
		Metadata:        req.Metadata,
	}
	resp, err := callProvider(ctx, o.cfg.Retry, o.logger, payment.Provider, "create_refund",
		func(ctx context.Context) (*providers.RefundResponse, error) {
			return adapter.CreateRefund(ctx, providers.RefundRequest{
				ExternalPaymentID: payment.ProviderPaymentID,
				Amount:            req.Amount,
				Currency:          payment.Currency,
				Reason:            req.Reason,
				IdempotencyKey:    refund.ID,
			})
		})
	if err != nil {
		var perr *models.ProviderError
		if errors.As(err, &perr) {
			telemetry.RefundsProcessed.WithLabelValues(string(payment.Provider), "provider_error").Inc()
			o.logger.Warn("Provider rejected refund",
				zap.String("payment_id", payment.ID),
				zap.String("provider", string(payment.Provider)),
				zap.String("provider_code", perr.ProviderCode),
				zap.Error(err),
			)
			return failedRefund(err), nil
		}
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("create remote refund: %w", err)
	}
	if resp.Amount > 0 && resp.Amount != amount {
		o.logger.Warn("Provider refunded a different amount",
			zap.String("payment_id", payment.ID),
			zap.Int64("requested", amount),
			zap.Int64("refunded", resp.Amount),
		)
	}

	refund.ProviderRefundID = resp.ExternalRefundID
	refund.Status = resp.Status
	if refund.Status == "" {
		refund.Status = models.RefundPending
	}
	if err := o.repo.CreateRefund(ctx, refund); err != nil {
		ierr := &models.InconsistentStateError{
			Kind:            models.KindRefundNotRecorded,
			PaymentIntentID: payment.ID,
			ExternalID:      resp.ExternalRefundID,
			Detail:          fmt.Sprintf("remote refund of %d %s created but not recorded locally", amount, payment.Currency),
			Err:             err,
		}
		telemetry.RefundsProcessed.WithLabelValues(string(payment.Provider), "inconsistent").Inc()
		telemetry.RecordError(span, ierr)
		o.reportInconsistency(ctx, ierr, payment.Provider)
		return nil, ierr
	}

	target := models.StatusPartiallyRefunded
	if amount == remaining {
		target = models.StatusRefunded
	}
	if refund.Status != models.RefundFailed {
		if err := o.transition(ctx, payment, target); err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
	}

	telemetry.RefundsProcessed.WithLabelValues(string(payment.Provider), string(refund.Status)).Inc()
	o.logger.Info("Refund created",
		zap.String("payment_id", payment.ID),
		zap.String("refund_id", refund.ID),
		zap.String("external_id", refund.ProviderRefundID),
		zap.Int64("amount", amount),
		zap.Int64("remaining", remaining-amount),
		zap.String("status", string(refund.Status)),
	)
	o.publish(ctx, refundEvent(payment, refund))
	return &models.RefundResult{Success: true, Refund: refund, PaymentIntent: payment}, nil
}

// transition moves payment to target and updates it in place. Losing the
// conditional write to a concurrent writer is logged, not failed.
func (o *Orchestrator) transition(ctx context.Context, payment *models.PaymentIntent, target models.PaymentStatus) error {
	if payment.Status == target && target != models.StatusPartiallyRefunded {
		return nil
	}
	n, err := o.repo.TransitionStatus(ctx, payment.ID, payment.Status, target)
	if err != nil {
		return fmt.Errorf("transition payment %s to %s: %w", payment.ID, target, err)
	}
	if n == 0 {
		o.logger.Warn("Payment status changed concurrently",
			zap.String("payment_id", payment.ID),
			zap.String("from_status", string(payment.Status)),
			zap.String("to_status", string(target)),
		)
		return nil
	}
	telemetry.PaymentTransitions.WithLabelValues(string(payment.Status), string(target)).Inc()
	o.logger.Info("Payment state transition",
		zap.String("payment_id", payment.ID),
		zap.String("from_state", string(payment.Status)),
		zap.String("to_state", string(target)),
	)
	payment.Status = target
	payment.UpdatedAt = time.Now().UTC()
	return nil
}

// GetPayment returns the local record of a payment.
func (o *Orchestrator) GetPayment(ctx context.Context, id string) (*models.PaymentIntent, error) {
	return o.repo.GetPayment(ctx, id)
}

// ListRefunds returns the refunds of a payment, oldest first.
func (o *Orchestrator) ListRefunds(ctx context.Context, paymentID string) ([]*models.Refund, error) {
	if _, err := o.repo.GetPayment(ctx, paymentID); err != nil {
		return nil, err
	}
	return o.repo.ListRefunds(ctx, paymentID)
}

func (o *Orchestrator) ConvertCurrency(ctx context.Context, amount int64, from, to string) (*models.Conversion, error) {
	return o.converter.Convert(ctx, amount, from, to)
}

// reportInconsistency logs a condition that needs an operator and asks the
// reconciliation consumer to look at it.
func (o *Orchestrator) reportInconsistency(ctx context.Context, ierr *models.InconsistentStateError, provider models.Provider) {
	telemetry.InconsistentStates.WithLabelValues(ierr.Kind).Inc()
	o.logger.Error("Inconsistent payment state, manual reconciliation required",
		zap.String("severity", "critical"),
		zap.String("kind", ierr.Kind),
		zap.String("payment_id", ierr.PaymentIntentID),
		zap.String("external_id", ierr.ExternalID),
		zap.String("provider", string(provider)),
		zap.String("detail", ierr.Detail),
		zap.Error(ierr.Err),
	)
	o.publish(ctx, models.Event{
		ID:          uuid.NewString(),
		Type:        models.EventReconciliationRequired,
		AggregateID: ierr.PaymentIntentID,
		OccurredAt:  time.Now().UTC(),
		Data: map[string]any{
			"kind":              ierr.Kind,
			"payment_intent_id": ierr.PaymentIntentID,
			"external_id":       ierr.ExternalID,
			"provider":          string(provider),
			"detail":            ierr.Detail,
		},
	})
}

func (o *Orchestrator) publish(ctx context.Context, event models.Event) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, event); err != nil {
		o.logger.Warn("Event not delivered",
			zap.String("event_type", string(event.Type)),
			zap.String("aggregate_id", event.AggregateID),
			zap.Error(err),
		)
	}
}

func failedPayment(err error) *models.PaymentResult {
	return &models.PaymentResult{Success: false, Error: models.ToErrorBody(err)}
}

func failedRefund(err error) *models.RefundResult {
	return &models.RefundResult{Success: false, Error: models.ToErrorBody(err)}
}

// refundedAmount sums the refunds that still count against the payment.
func refundedAmount(refunds []*models.Refund) int64 {
	var total int64
	for _, r := range refunds {
		if r.Status != models.RefundFailed {
			total += r.Amount
		}
	}
	return total
}

func copyMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// providerMetadata is what the provider stores with the remote payment. The
// referral cookie stays local.
func providerMetadata(p *models.PaymentIntent) map[string]string {
	out := make(map[string]string, len(p.Metadata)+1)
	for k, v := range p.Metadata {
		if k != models.MetadataReferralCookie {
			out[k] = v
		}
	}
	out["payment_intent_id"] = p.ID
	return out
}

func paymentEvent(t models.EventType, p *models.PaymentIntent) models.Event {
	return models.Event{
		ID:          uuid.NewString(),
		Type:        t,
		AggregateID: p.ID,
		OccurredAt:  time.Now().UTC(),
		Data: map[string]any{
			"payment_intent_id": p.ID,
			"provider":          string(p.Provider),
			"external_id":       p.ProviderPaymentID,
			"amount":            p.Amount,
			"currency":          p.Currency,
			"status":            string(p.Status),
		},
	}
}

func refundEvent(p *models.PaymentIntent, r *models.Refund) models.Event {
	return models.Event{
		ID:          uuid.NewString(),
		Type:        models.EventRefundProcessed,
		AggregateID: p.ID,
		OccurredAt:  time.Now().UTC(),
		Data: map[string]any{
			"payment_intent_id": p.ID,
			"refund_id":         r.ID,
			"external_id":       r.ProviderRefundID,
			"amount":            r.Amount,
			"currency":          r.Currency,
			"status":            string(r.Status),
			"payment_status":    string(p.Status),
		},
	}
}
