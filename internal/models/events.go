package models

import "time"

type EventType string

const (
	EventPaymentSucceeded       EventType = "payment.succeeded"
	EventPaymentFailed          EventType = "payment.failed"
	EventRefundProcessed        EventType = "refund.processed"
	EventCommissionAccrued      EventType = "referral.commission_accrued"
	EventReconciliationRequired EventType = "payment.reconciliation_required"
)

// Event is what the core emits to downstream notification and incentive consumers.
// Emission is at-least-once; consumers dedupe on ID.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	AggregateID string         `json:"aggregate_id"`
	OccurredAt  time.Time      `json:"occurred_at"`
	Data        map[string]any `json:"data"`
}
