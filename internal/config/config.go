package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
}

type YooKassaConfig struct {
	ShopID        string
	SecretKey     string
	BaseURL       string
	ReturnURL     string
	AllowedIPs    []string
	ConfirmViaAPI bool
}

type CoinGateConfig struct {
	APIKey          string
	BaseURL         string
	CallbackURL     string
	SuccessURL      string
	CancelURL       string
	CallbackSecret  string
	ReceiveCurrency string
}

type FraudConfig struct {
	BlockThreshold       int
	FlagThreshold        int
	VelocityLimit        int
	VelocityWindow       time.Duration
	AllowedReferrerHosts []string
	ReputationSubject    string
	ReputationTimeout    time.Duration
}

type Config struct {
	Port           string
	Storage        string
	DatabaseURL    string
	RedisURL       string
	KafkaBrokers   []string
	NatsURL        string
	JaegerEndpoint string

	RateAPIURL string
	RateTTL    time.Duration

	ProviderTimeout  time.Duration
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	LockTTL          time.Duration

	ReferralCookieTTL    time.Duration
	ReferralCookieName   string
	ReferralLandingURL   string
	ReferralCookieSecure bool
	ClickRatePerSecond   float64
	ClickRateBurst       int
	TrustedProxies       []string

	Stripe   StripeConfig
	YooKassa YooKassaConfig
	CoinGate CoinGateConfig
	Fraud    FraudConfig
}

// yooKassaNotificationIPs are the ranges YooKassa documents as webhook sources.
var yooKassaNotificationIPs = []string{
	"185.71.76.0/27",
	"185.71.77.0/27",
	"77.75.153.0/25",
	"77.75.156.11/32",
	"77.75.156.35/32",
	"77.75.154.128/25",
	"2a02:5180::/32",
}

// Load reads configuration from the environment. A .env file, when present, is
// loaded first and never overrides variables already set.
func Load(envFiles ...string) *Config {
	_ = godotenv.Load(envFiles...)

	return &Config{
		Port:           getEnv("PORT", "8082"),
		Storage:        getEnv("STORAGE", "postgres"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       getEnv("REDIS_URL", "localhost:6379"),
		KafkaBrokers:   getEnvList("KAFKA_BROKERS", nil),
		NatsURL:        os.Getenv("NATS_URL"),
		JaegerEndpoint: os.Getenv("JAEGER_ENDPOINT"),

		RateAPIURL: getEnv("RATE_API_URL", "https://open.er-api.com/v6/latest"),
		RateTTL:    getEnvDuration("RATE_TTL", 24*time.Hour),

		ProviderTimeout:  getEnvDuration("PROVIDER_TIMEOUT", 15*time.Second),
		RetryMaxAttempts: getEnvInt("PROVIDER_RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:   getEnvDuration("PROVIDER_RETRY_BASE_DELAY", 200*time.Millisecond),
		LockTTL:          getEnvDuration("LOCK_TTL", 30*time.Second),

		ReferralCookieTTL:    getEnvDuration("REFERRAL_COOKIE_TTL", 30*24*time.Hour),
		ReferralCookieName:   getEnv("REFERRAL_COOKIE_NAME", "ref_track"),
		ReferralLandingURL:   getEnv("REFERRAL_LANDING_URL", "/"),
		ReferralCookieSecure: getEnvBool("REFERRAL_COOKIE_SECURE", false),
		ClickRatePerSecond:   getEnvFloat("CLICK_RATE_PER_SECOND", 5),
		ClickRateBurst:       getEnvInt("CLICK_RATE_BURST", 20),
		TrustedProxies:       getEnvList("TRUSTED_PROXIES", nil),

		Stripe: StripeConfig{
			SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
			BaseURL:       os.Getenv("STRIPE_BASE_URL"),
		},
		YooKassa: YooKassaConfig{
			ShopID:        os.Getenv("YOOKASSA_SHOP_ID"),
			SecretKey:     os.Getenv("YOOKASSA_SECRET_KEY"),
			BaseURL:       getEnv("YOOKASSA_BASE_URL", "https://api.yookassa.ru/v3"),
			ReturnURL:     os.Getenv("YOOKASSA_RETURN_URL"),
			AllowedIPs:    getEnvList("YOOKASSA_ALLOWED_IPS", yooKassaNotificationIPs),
			ConfirmViaAPI: getEnvBool("YOOKASSA_CONFIRM_VIA_API", true),
		},
		CoinGate: CoinGateConfig{
			APIKey:          os.Getenv("COINGATE_API_KEY"),
			BaseURL:         getEnv("COINGATE_BASE_URL", "https://api.coingate.com/v2"),
			CallbackURL:     os.Getenv("COINGATE_CALLBACK_URL"),
			SuccessURL:      os.Getenv("COINGATE_SUCCESS_URL"),
			CancelURL:       os.Getenv("COINGATE_CANCEL_URL"),
			CallbackSecret:  os.Getenv("COINGATE_CALLBACK_SECRET"),
			ReceiveCurrency: getEnv("COINGATE_RECEIVE_CURRENCY", "DO_NOT_CONVERT"),
		},
		Fraud: FraudConfig{
			BlockThreshold:       getEnvInt("FRAUD_BLOCK_THRESHOLD", 70),
			FlagThreshold:        getEnvInt("FRAUD_FLAG_THRESHOLD", 40),
			VelocityLimit:        getEnvInt("FRAUD_VELOCITY_LIMIT", 5),
			VelocityWindow:       getEnvDuration("FRAUD_VELOCITY_WINDOW", time.Minute),
			AllowedReferrerHosts: getEnvList("FRAUD_ALLOWED_REFERRER_HOSTS", nil),
			ReputationSubject:    getEnv("FRAUD_REPUTATION_SUBJECT", "fraud.ip_reputation"),
			ReputationTimeout:    getEnvDuration("FRAUD_REPUTATION_TIMEOUT", 500*time.Millisecond),
		},
	}
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil {
		return v
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64); err == nil {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key))); err == nil {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key))); err == nil {
		return v
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
