package fraud

import "github.com/akylbek/payment-system/marketplace-core/internal/models"

// DecisionPolicy turns a risk score into block/flag decisions.
type DecisionPolicy interface {
	Apply(result *models.FraudAnalysisResult)
}

// ThresholdPolicy blocks at or above Block and flags at or above Flag.
type ThresholdPolicy struct {
	Block int
	Flag  int
}

func NewThresholdPolicy(block, flag int) ThresholdPolicy {
	if block <= 0 {
		block = 70
	}
	if flag <= 0 || flag > block {
		flag = 40
	}
	return ThresholdPolicy{Block: block, Flag: flag}
}

func (p ThresholdPolicy) Apply(result *models.FraudAnalysisResult) {
	result.ShouldBlock = result.RiskScore >= p.Block
	result.ShouldFlag = !result.ShouldBlock && result.RiskScore >= p.Flag
	switch {
	case result.ShouldBlock:
		result.Recommendations = append(result.Recommendations, "reject the click")
	case result.ShouldFlag:
		result.Recommendations = append(result.Recommendations, "hold attribution for manual review")
	}
}
