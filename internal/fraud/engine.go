// Package fraud scores referral clicks. Scoring and the block/flag decision are
// separate so the policy can be swapped without touching the heuristics.
package fraud

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/marketplace-core/internal/interfaces"
	"github.com/akylbek/payment-system/marketplace-core/internal/models"
	"github.com/akylbek/payment-system/marketplace-core/internal/telemetry"
)

type Config struct {
	VelocityLimit        int
	VelocityWindow       time.Duration
	AllowedReferrerHosts []string
	Weights              Weights
}

type Engine struct {
	rules  []Rule
	policy DecisionPolicy
	logger *zap.Logger
	tracer trace.Tracer
}

// NewEngine builds the default rule set. counter and reputation are optional;
// a nil collaborator disables its rule.
func NewEngine(cfg Config, counter interfaces.VelocityCounter, reputation interfaces.ReputationLookup,
	policy DecisionPolicy, logger *zap.Logger, tracer trace.Tracer) *Engine {
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	if cfg.VelocityLimit <= 0 {
		cfg.VelocityLimit = 5
	}
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = time.Minute
	}

	var rules []Rule
	if counter != nil {
		rules = append(rules, &velocityRule{counter: counter, limit: cfg.VelocityLimit, window: cfg.VelocityWindow, weights: cfg.Weights})
	}
	rules = append(rules, &userAgentRule{weights: cfg.Weights}, &ipFormatRule{weights: cfg.Weights})
	if reputation != nil {
		rules = append(rules, &reputationRule{lookup: reputation, weights: cfg.Weights})
	}
	rules = append(rules, &referrerRule{allowed: cfg.AllowedReferrerHosts, weights: cfg.Weights})

	return NewEngineWithRules(rules, policy, logger, tracer)
}

func NewEngineWithRules(rules []Rule, policy DecisionPolicy, logger *zap.Logger, tracer trace.Tracer) *Engine {
	if policy == nil {
		policy = NewThresholdPolicy(70, 40)
	}
	return &Engine{rules: rules, policy: policy, logger: logger, tracer: tracer}
}

// Score runs every rule and returns the clamped score without applying the policy.
func (e *Engine) Score(ctx context.Context, signal models.ClickSignal) *models.FraudAnalysisResult {
	var a Assessment
	degraded := false
	for _, rule := range e.rules {
		if err := rule.Evaluate(ctx, signal, &a); err != nil {
			degraded = true
			telemetry.FraudDegraded.WithLabelValues(rule.Name()).Inc()
			a.Recommendations = append(a.Recommendations, rule.Name()+" signal unavailable; score may be understated")
			e.logger.Warn("Fraud signal unavailable",
				zap.String("rule", rule.Name()),
				zap.String("referral_code", signal.ReferralCode),
				zap.Error(err),
			)
		}
	}

	score := a.Score
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	types := a.Types
	if types == nil {
		types = []string{}
	}
	recs := a.Recommendations
	if recs == nil {
		recs = []string{}
	}
	return &models.FraudAnalysisResult{
		RiskScore:       score,
		FraudTypes:      types,
		Recommendations: recs,
		Degraded:        degraded,
		Country:         a.Country,
		City:            a.City,
	}
}

// Analyze scores the click and applies the decision policy.
func (e *Engine) Analyze(ctx context.Context, signal models.ClickSignal) (*models.FraudAnalysisResult, error) {
	span := trace.SpanFromContext(ctx)
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "fraud.Analyze")
		defer span.End()
	}

	result := e.Score(ctx, signal)
	e.policy.Apply(result)

	span.SetAttributes(
		attribute.String("referral.code", signal.ReferralCode),
		attribute.Int("fraud.risk_score", result.RiskScore),
		attribute.String("fraud.decision", result.Decision()),
	)
	telemetry.FraudDecisions.WithLabelValues(result.Decision()).Inc()
	e.logger.Info("Referral click scored",
		zap.String("referral_code", signal.ReferralCode),
		zap.String("ip_address", signal.IPAddress),
		zap.Int("risk_score", result.RiskScore),
		zap.Strings("fraud_types", result.FraudTypes),
		zap.String("decision", result.Decision()),
		zap.Bool("degraded", result.Degraded),
	)
	return result, nil
}
