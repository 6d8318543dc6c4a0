package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/marketplace-core/internal/api"
	"github.com/akylbek/payment-system/marketplace-core/internal/cache"
	"github.com/akylbek/payment-system/marketplace-core/internal/config"
	"github.com/akylbek/payment-system/marketplace-core/internal/currency"
	"github.com/akylbek/payment-system/marketplace-core/internal/events"
	"github.com/akylbek/payment-system/marketplace-core/internal/fraud"
	"github.com/akylbek/payment-system/marketplace-core/internal/interfaces"
	"github.com/akylbek/payment-system/marketplace-core/internal/middleware"
	"github.com/akylbek/payment-system/marketplace-core/internal/providers"
	"github.com/akylbek/payment-system/marketplace-core/internal/providers/coingate"
	"github.com/akylbek/payment-system/marketplace-core/internal/providers/stripe"
	"github.com/akylbek/payment-system/marketplace-core/internal/providers/yookassa"
	"github.com/akylbek/payment-system/marketplace-core/internal/referral"
	"github.com/akylbek/payment-system/marketplace-core/internal/repository"
	"github.com/akylbek/payment-system/marketplace-core/internal/service"
	"github.com/akylbek/payment-system/marketplace-core/internal/telemetry"
)

type stores struct {
	payments  interfaces.PaymentRepository
	referrals interfaces.ReferralRepository
	rates     interfaces.RateStore
	closer    io.Closer
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	if cfg.Storage == "memory" {
		logger.Warn("Using in-memory storage; data is lost on restart")
		mem := repository.NewMemoryStore()
		return &stores{payments: mem, referrals: mem, rates: mem}, nil
	}

	db, err := repository.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := repository.InitDB(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &stores{
		payments:  repository.NewPaymentRepository(db),
		referrals: repository.NewReferralRepository(db),
		rates:     repository.NewRateRepository(db),
		closer:    db,
	}, nil
}

func buildRegistry(cfg *config.Config, logger *zap.Logger) (*providers.Registry, error) {
	var adapters []providers.Adapter
	if cfg.Stripe.SecretKey != "" {
		adapters = append(adapters, stripe.New(stripe.Config{
			SecretKey:     cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			BaseURL:       cfg.Stripe.BaseURL,
		}))
	}
	if cfg.YooKassa.ShopID != "" {
		adapter, err := yookassa.New(yookassa.Config{
			ShopID:        cfg.YooKassa.ShopID,
			SecretKey:     cfg.YooKassa.SecretKey,
			BaseURL:       cfg.YooKassa.BaseURL,
			ReturnURL:     cfg.YooKassa.ReturnURL,
			AllowedIPs:    cfg.YooKassa.AllowedIPs,
			ConfirmViaAPI: cfg.YooKassa.ConfirmViaAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure yookassa: %w", err)
		}
		adapters = append(adapters, adapter)
	}
	if cfg.CoinGate.APIKey != "" {
		adapters = append(adapters, coingate.New(coingate.Config{
			APIKey:          cfg.CoinGate.APIKey,
			BaseURL:         cfg.CoinGate.BaseURL,
			CallbackURL:     cfg.CoinGate.CallbackURL,
			SuccessURL:      cfg.CoinGate.SuccessURL,
			CancelURL:       cfg.CoinGate.CancelURL,
			CallbackSecret:  cfg.CoinGate.CallbackSecret,
			ReceiveCurrency: cfg.CoinGate.ReceiveCurrency,
		}))
	}

	registry := providers.NewRegistry(adapters...)
	if len(adapters) == 0 {
		logger.Warn("No payment providers configured")
	} else {
		logger.Info("Payment providers configured", zap.Strings("providers", registry.Names()))
	}
	for provider, auth := range registry.UnsignedWebhooks() {
		logger.Warn("Provider webhooks are not signed; authenticity relies on a weaker check",
			zap.String("provider", string(provider)),
			zap.String("authenticity", string(auth)),
		)
	}
	return registry, nil
}

func serve(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) error {
	logger := tel.Logger

	// Storage
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if st.closer != nil {
		defer st.closer.Close()
	}

	// Redis backs refund/webhook locks and click velocity counters
	redisClient, err := cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	// Events
	var publisher interfaces.EventPublisher = events.NewLogPublisher(logger)
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, events.DefaultTopics(), logger)
		if err != nil {
			return fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	}

	// IP reputation over NATS request/reply is optional
	var reputation interfaces.ReputationLookup
	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL, nats.Name("marketplace-core"))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer nc.Close()
		reputation = fraud.NewNATSReputation(nc, cfg.Fraud.ReputationSubject, cfg.Fraud.ReputationTimeout)
	}

	engine := fraud.NewEngine(fraud.Config{
		VelocityLimit:        cfg.Fraud.VelocityLimit,
		VelocityWindow:       cfg.Fraud.VelocityWindow,
		AllowedReferrerHosts: cfg.Fraud.AllowedReferrerHosts,
	}, cache.NewRedisVelocityCounter(redisClient), reputation,
		fraud.NewThresholdPolicy(cfg.Fraud.BlockThreshold, cfg.Fraud.FlagThreshold), logger, tel.Tracer)

	converter := currency.NewConverter(st.rates, currency.NewHTTPRateFetcher(cfg.RateAPIURL, nil), cfg.RateTTL, logger)
	tracker := referral.NewTracker(st.referrals, engine, converter, publisher, cfg.ReferralCookieTTL, logger)

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}
	orchestrator := service.NewOrchestrator(registry, st.payments, converter, tracker, publisher,
		cache.NewRedisLocker(redisClient), service.Config{
			Retry: service.RetryPolicy{
				MaxAttempts:    cfg.RetryMaxAttempts,
				BaseDelay:      cfg.RetryBaseDelay,
				AttemptTimeout: cfg.ProviderTimeout,
			},
			LockTTL: cfg.LockTTL,
		}, logger, tel.Tracer)

	clickLimiter := middleware.NewRateLimiter(cfg.ClickRatePerSecond, cfg.ClickRateBurst)
	defer clickLimiter.Stop()

	router, err := api.NewRouter(orchestrator, tracker, clickLimiter, api.RouterConfig{
		ReferralCookieName:   cfg.ReferralCookieName,
		ReferralCookieSecure: cfg.ReferralCookieSecure,
		ReferralLandingURL:   cfg.ReferralLandingURL,
		TrustedProxies:       cfg.TrustedProxies,
	}, logger, tel.Tracer)
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
	return nil
}
