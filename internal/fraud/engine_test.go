package fraud

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/marketplace-core/internal/models"
)

const browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

type memCounter struct {
	counts map[string]int64
	err    error
}

func (c *memCounter) Hit(_ context.Context, key string, _ time.Duration) (int64, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.counts == nil {
		c.counts = map[string]int64{}
	}
	c.counts[key]++
	return c.counts[key], nil
}

type stubReputation struct {
	rep *models.IPReputation
	err error
}

func (s *stubReputation) Lookup(context.Context, string) (*models.IPReputation, error) {
	return s.rep, s.err
}

func newEngine(counter *memCounter, rep *stubReputation, allowed ...string) *Engine {
	return NewEngine(Config{VelocityLimit: 5, VelocityWindow: time.Minute, AllowedReferrerHosts: allowed},
		counter, rep, NewThresholdPolicy(70, 40), zap.NewNop(), nil)
}

func TestAnalyzeCleanClick(t *testing.T) {
	e := newEngine(&memCounter{}, &stubReputation{rep: &models.IPReputation{Country: "DE", City: "Berlin"}})

	res, err := e.Analyze(context.Background(), models.ClickSignal{
		ReferralCode: "abc", IPAddress: "93.184.216.34", UserAgent: browserUA,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.RiskScore)
	assert.Empty(t, res.FraudTypes)
	assert.False(t, res.ShouldBlock)
	assert.False(t, res.ShouldFlag)
	assert.Equal(t, "allow", res.Decision())
	assert.Equal(t, "DE", res.Country)
}

func TestAnalyzeUserAgentCategories(t *testing.T) {
	tests := []struct {
		ua     string
		tag    string
		points int
	}{
		{"", models.FraudMissingUserAgent, 25},
		{"curl/8.1.2", models.FraudBotUserAgent, 35},
		{"Googlebot/2.1 (+http://www.google.com/bot.html)", models.FraudBotUserAgent, 35},
		{"Mozilla/5.0 HeadlessChrome/120.0", models.FraudHeadlessBrowser, 45},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			e := newEngine(&memCounter{}, &stubReputation{rep: &models.IPReputation{}})
			res, err := e.Analyze(context.Background(), models.ClickSignal{ReferralCode: "abc", IPAddress: "93.184.216.34", UserAgent: tt.ua})
			require.NoError(t, err)
			assert.True(t, res.HasType(tt.tag))
			assert.Equal(t, tt.points, res.RiskScore)
		})
	}
}

func TestAnalyzeVelocity(t *testing.T) {
	e := newEngine(&memCounter{}, &stubReputation{rep: &models.IPReputation{}})
	signal := models.ClickSignal{ReferralCode: "abc", IPAddress: "93.184.216.34", UserAgent: browserUA}

	var res *models.FraudAnalysisResult
	for i := 0; i < 5; i++ {
		var err error
		res, err = e.Analyze(context.Background(), signal)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, res.RiskScore)

	res, _ = e.Analyze(context.Background(), signal)
	assert.Equal(t, 40, res.RiskScore)
	assert.True(t, res.ShouldFlag)

	res, _ = e.Analyze(context.Background(), signal)
	assert.Equal(t, 50, res.RiskScore)

	res, _ = e.Analyze(context.Background(), signal)
	assert.Equal(t, 60, res.RiskScore)
	assert.False(t, res.ShouldBlock)

	res, _ = e.Analyze(context.Background(), signal)
	assert.Equal(t, 70, res.RiskScore)
	assert.True(t, res.ShouldBlock)
}

func TestSustainedVelocityBlocks(t *testing.T) {
	e := newEngine(&memCounter{}, &stubReputation{rep: &models.IPReputation{}})
	signal := models.ClickSignal{ReferralCode: "abc", IPAddress: "93.184.216.34", UserAgent: browserUA}

	var res *models.FraudAnalysisResult
	for i := 0; i < 1000; i++ {
		var err error
		res, err = e.Analyze(context.Background(), signal)
		require.NoError(t, err)
	}
	assert.Equal(t, 100, res.RiskScore)
	assert.True(t, res.ShouldBlock)
	assert.Equal(t, []string{models.FraudClickVelocity}, res.FraudTypes)
}

func TestAnalyzeBlocksCombinedSignals(t *testing.T) {
	e := newEngine(&memCounter{}, &stubReputation{rep: &models.IPReputation{Abusive: true, Datacenter: true}})

	res, err := e.Analyze(context.Background(), models.ClickSignal{
		ReferralCode: "abc", IPAddress: "203.0.113.9", UserAgent: "python-requests/2.31",
	})
	require.NoError(t, err)
	assert.Equal(t, 85, res.RiskScore)
	assert.True(t, res.ShouldBlock)
	assert.False(t, res.ShouldFlag)
	assert.Equal(t, "block", res.Decision())
}

func TestAnalyzeClampsAt100(t *testing.T) {
	counter := &memCounter{counts: map[string]int64{"abc:203.0.113.9": 20}}
	e := newEngine(counter, &stubReputation{rep: &models.IPReputation{Abusive: true, Datacenter: true}}, "shop.example")

	res, err := e.Analyze(context.Background(), models.ClickSignal{
		ReferralCode: "abc", IPAddress: "203.0.113.9", UserAgent: "HeadlessChrome", ReferrerURL: "https://spam.example/x",
	})
	require.NoError(t, err)
	assert.Equal(t, 100, res.RiskScore)
}

func TestAnalyzeDegradesWhenSignalsUnavailable(t *testing.T) {
	e := newEngine(&memCounter{err: errors.New("redis down")}, &stubReputation{err: errors.New("nats timeout")})

	res, err := e.Analyze(context.Background(), models.ClickSignal{ReferralCode: "abc", IPAddress: "93.184.216.34", UserAgent: "curl/8"})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, 35, res.RiskScore)
	assert.Len(t, res.Recommendations, 3)
}

func TestAnalyzeIPAndReferrer(t *testing.T) {
	e := newEngine(&memCounter{}, &stubReputation{rep: &models.IPReputation{}}, "shop.example")

	res, _ := e.Analyze(context.Background(), models.ClickSignal{ReferralCode: "a", IPAddress: "not-an-ip", UserAgent: browserUA})
	assert.True(t, res.HasType(models.FraudInvalidIP))
	assert.Equal(t, 15, res.RiskScore)

	res, _ = e.Analyze(context.Background(), models.ClickSignal{ReferralCode: "a", IPAddress: "192.168.1.10", UserAgent: browserUA})
	assert.True(t, res.HasType(models.FraudPrivateIP))
	assert.Equal(t, 5, res.RiskScore)

	res, _ = e.Analyze(context.Background(), models.ClickSignal{ReferralCode: "a", IPAddress: "93.184.216.34", UserAgent: browserUA, ReferrerURL: "https://blog.shop.example/post"})
	assert.Equal(t, 0, res.RiskScore)

	res, _ = e.Analyze(context.Background(), models.ClickSignal{ReferralCode: "a", IPAddress: "93.184.216.34", UserAgent: browserUA, ReferrerURL: "https://other.example/"})
	assert.True(t, res.HasType(models.FraudReferrerMismatch))
	assert.Equal(t, 10, res.RiskScore)
}

type overridePolicy struct{}

func (overridePolicy) Apply(r *models.FraudAnalysisResult) { r.ShouldBlock = r.RiskScore > 0 }

func TestPolicyIsReplaceable(t *testing.T) {
	e := NewEngine(Config{}, nil, nil, overridePolicy{}, zap.NewNop(), nil)
	res, err := e.Analyze(context.Background(), models.ClickSignal{ReferralCode: "a", IPAddress: "10.0.0.1", UserAgent: browserUA})
	require.NoError(t, err)
	assert.Equal(t, 5, res.RiskScore)
	assert.True(t, res.ShouldBlock)
}

type fakeRequester struct {
	subject string
	reply   []byte
	err     error
}

func (f *fakeRequester) RequestWithContext(_ context.Context, subj string, data []byte) (*nats.Msg, error) {
	f.subject = subj
	if f.err != nil {
		return nil, f.err
	}
	var req reputationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &nats.Msg{Subject: subj, Data: f.reply}, nil
}

func TestNATSReputation(t *testing.T) {
	req := &fakeRequester{reply: []byte(`{"abusive":true,"datacenter":false,"country":"NL"}`)}
	rep, err := NewNATSReputation(req, "", 0).Lookup(context.Background(), "203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, "fraud.ip_reputation", req.subject)
	assert.True(t, rep.Abusive)
	assert.Equal(t, "NL", rep.Country)

	_, err = NewNATSReputation(&fakeRequester{err: nats.ErrTimeout}, "", 0).Lookup(context.Background(), "203.0.113.9")
	assert.ErrorIs(t, err, nats.ErrTimeout)
}
