package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency by method, route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	PaymentsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_created_total",
		Help: "Payment creation attempts by provider and outcome.",
	}, []string{"provider", "outcome"})

	ProviderCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provider_call_duration_seconds",
		Help:    "Latency of calls to payment providers.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	}, []string{"provider", "operation", "outcome"})

	RefundsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refunds_processed_total",
		Help: "Refund requests by provider and outcome.",
	}, []string{"provider", "outcome"})

	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_received_total",
		Help: "Provider webhooks by provider and result (applied, duplicate, ignored, rejected, conflict, error).",
	}, []string{"provider", "result"})

	PaymentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_state_transitions_total",
		Help: "Applied payment state transitions.",
	}, []string{"from", "to"})

	InconsistentStates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inconsistent_state_total",
		Help: "Conditions that need manual reconciliation, by kind.",
	}, []string{"kind"})

	FraudDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "referral_fraud_decisions_total",
		Help: "Referral click fraud decisions (allow, flag, block).",
	}, []string{"decision"})

	FraudDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "referral_fraud_degraded_total",
		Help: "Fraud signals skipped because a remote dependency failed.",
	}, []string{"signal"})

	Attributions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "referral_attributions_total",
		Help: "Purchase attribution outcomes (credited or miss reason).",
	}, []string{"outcome"})

	ExchangeRateLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_rate_lookups_total",
		Help: "Exchange rate lookups by source (identity, cache, fetch, stale, miss).",
	}, []string{"source"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_published_total",
		Help: "Domain events by type and outcome.",
	}, []string{"type", "outcome"})
)
