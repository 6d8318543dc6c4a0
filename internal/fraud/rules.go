package fraud

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/akylbek/payment-system/marketplace-core/internal/interfaces"
	"github.com/akylbek/payment-system/marketplace-core/internal/models"
)

// Assessment accumulates rule contributions for one click.
type Assessment struct {
	Score           int
	Types           []string
	Recommendations []string
	Country         string
	City            string
}

func (a *Assessment) add(tag string, points int, recommendation string) {
	a.Score += points
	a.Types = append(a.Types, tag)
	if recommendation != "" {
		a.Recommendations = append(a.Recommendations, recommendation)
	}
}

// Rule contributes points for one heuristic. An error means the rule's signal was
// unavailable; the engine records the degradation and keeps scoring.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, signal models.ClickSignal, a *Assessment) error
}

// Weights are the points each heuristic contributes.
type Weights struct {
	VelocityBase     int
	VelocityPerExtra int
	VelocityCap      int
	MissingUserAgent int
	BotUserAgent     int
	HeadlessBrowser  int
	InvalidIP        int
	PrivateIP        int
	AbusiveIP        int
	DatacenterIP     int
	ReferrerMismatch int
}

func DefaultWeights() Weights {
	return Weights{
		VelocityBase:     40,
		VelocityPerExtra: 10,
		VelocityCap:      100,
		MissingUserAgent: 25,
		BotUserAgent:     35,
		HeadlessBrowser:  45,
		InvalidIP:        15,
		PrivateIP:        5,
		AbusiveIP:        30,
		DatacenterIP:     20,
		ReferrerMismatch: 10,
	}
}

type velocityRule struct {
	counter interfaces.VelocityCounter
	limit   int
	window  time.Duration
	weights Weights
}

func (r *velocityRule) Name() string { return "velocity" }

func (r *velocityRule) Evaluate(ctx context.Context, signal models.ClickSignal, a *Assessment) error {
	count, err := r.counter.Hit(ctx, signal.ReferralCode+":"+signal.IPAddress, r.window)
	if err != nil {
		return err
	}
	if count <= int64(r.limit) {
		return nil
	}
	points := r.weights.VelocityBase + r.weights.VelocityPerExtra*int(count-int64(r.limit)-1)
	if points > r.weights.VelocityCap {
		points = r.weights.VelocityCap
	}
	a.add(models.FraudClickVelocity, points,
		fmt.Sprintf("%d clicks from this address within %s", count, r.window))
	return nil
}

var headlessMarkers = []string{"headlesschrome", "phantomjs", "puppeteer", "playwright", "selenium", "webdriver", "electron"}

var botMarkers = []string{
	"bot", "crawler", "spider", "scrapy", "curl/", "wget/", "python-requests", "python-urllib",
	"go-http-client", "java/", "okhttp", "httpclient", "libwww", "axios/", "node-fetch",
}

type userAgentRule struct{ weights Weights }

func (r *userAgentRule) Name() string { return "user_agent" }

func (r *userAgentRule) Evaluate(_ context.Context, signal models.ClickSignal, a *Assessment) error {
	ua := strings.ToLower(strings.TrimSpace(signal.UserAgent))
	if ua == "" {
		a.add(models.FraudMissingUserAgent, r.weights.MissingUserAgent, "request carried no user agent")
		return nil
	}
	for _, marker := range headlessMarkers {
		if strings.Contains(ua, marker) {
			a.add(models.FraudHeadlessBrowser, r.weights.HeadlessBrowser, "automated browser detected")
			return nil
		}
	}
	for _, marker := range botMarkers {
		if strings.Contains(ua, marker) {
			a.add(models.FraudBotUserAgent, r.weights.BotUserAgent, "user agent belongs to a bot or HTTP library")
			return nil
		}
	}
	return nil
}

type ipFormatRule struct{ weights Weights }

func (r *ipFormatRule) Name() string { return "ip_format" }

func (r *ipFormatRule) Evaluate(_ context.Context, signal models.ClickSignal, a *Assessment) error {
	ip := net.ParseIP(strings.TrimSpace(signal.IPAddress))
	switch {
	case ip == nil:
		a.add(models.FraudInvalidIP, r.weights.InvalidIP, "client address could not be parsed")
	case ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified():
		a.add(models.FraudPrivateIP, r.weights.PrivateIP, "")
	}
	return nil
}

type reputationRule struct {
	lookup  interfaces.ReputationLookup
	weights Weights
}

func (r *reputationRule) Name() string { return "reputation" }

func (r *reputationRule) Evaluate(ctx context.Context, signal models.ClickSignal, a *Assessment) error {
	ip := net.ParseIP(strings.TrimSpace(signal.IPAddress))
	if ip == nil || ip.IsPrivate() || ip.IsLoopback() {
		return nil
	}
	rep, err := r.lookup.Lookup(ctx, ip.String())
	if err != nil {
		return err
	}
	a.Country, a.City = rep.Country, rep.City
	if rep.Abusive {
		a.add(models.FraudAbusiveIP, r.weights.AbusiveIP, "address is on an abuse list")
	}
	if rep.Datacenter {
		a.add(models.FraudDatacenterIP, r.weights.DatacenterIP, "address belongs to a hosting provider")
	}
	return nil
}

type referrerRule struct {
	allowed []string
	weights Weights
}

func (r *referrerRule) Name() string { return "referrer" }

func (r *referrerRule) Evaluate(_ context.Context, signal models.ClickSignal, a *Assessment) error {
	raw := strings.TrimSpace(signal.ReferrerURL)
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		a.add(models.FraudReferrerMismatch, r.weights.ReferrerMismatch, "referrer is not a valid URL")
		return nil
	}
	if len(r.allowed) == 0 {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range r.allowed {
		allowed = strings.ToLower(allowed)
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	a.add(models.FraudReferrerMismatch, r.weights.ReferrerMismatch, "referrer host is not an expected source")
	return nil
}
