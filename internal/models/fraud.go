package models

// Fraud type tags.
const (
	FraudClickVelocity    = "click_velocity"
	FraudMissingUserAgent = "missing_user_agent"
	FraudBotUserAgent     = "bot_user_agent"
	FraudHeadlessBrowser  = "headless_browser"
	FraudInvalidIP        = "invalid_ip"
	FraudPrivateIP        = "private_ip"
	FraudAbusiveIP        = "abusive_ip"
	FraudDatacenterIP     = "datacenter_ip"
	FraudReferrerMismatch = "referrer_mismatch"
)

// FraudAnalysisResult is the outcome of scoring a referral click. It is logged,
// not persisted.
type FraudAnalysisResult struct {
	RiskScore       int      `json:"risk_score"`
	FraudTypes      []string `json:"fraud_types"`
	ShouldBlock     bool     `json:"should_block"`
	ShouldFlag      bool     `json:"should_flag"`
	Recommendations []string `json:"recommendations"`
	Degraded        bool     `json:"degraded"`
	Country         string   `json:"country,omitempty"`
	City            string   `json:"city,omitempty"`
}

// HasType reports whether the tag was raised.
func (r *FraudAnalysisResult) HasType(tag string) bool {
	for _, t := range r.FraudTypes {
		if t == tag {
			return true
		}
	}
	return false
}

// Decision returns allow, flag or block.
func (r *FraudAnalysisResult) Decision() string {
	switch {
	case r.ShouldBlock:
		return "block"
	case r.ShouldFlag:
		return "flag"
	}
	return "allow"
}

type ClickSignal struct {
	ReferralCode string
	IPAddress    string
	UserAgent    string
	ReferrerURL  string
}

// IPReputation is the answer of the remote reputation service.
type IPReputation struct {
	Abusive    bool   `json:"abusive"`
	Datacenter bool   `json:"datacenter"`
	Country    string `json:"country,omitempty"`
	City       string `json:"city,omitempty"`
}
