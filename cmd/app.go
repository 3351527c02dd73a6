package main

import (
	"context"
	"fmt"

	"bookly/internal/caching"
	"bookly/internal/common"
	"bookly/internal/config"
	"bookly/internal/jobs/background"
	"bookly/internal/metrics"
	"bookly/internal/repositories"
	"bookly/internal/services"
	"bookly/pkg/database"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/gommon/log"
)

// app holds the wired billing components shared by every subcommand.
type app struct {
	cfg     *config.Config
	logger  *log.Logger
	pool    *pgxpool.Pool
	cache   caching.CacheService
	metrics *metrics.Metrics
	plans   config.PlanCatalog

	publisher      services.EventPublisher
	ledger         services.PendingLedger
	gateway        services.GatewayClient
	reconciliation services.ReconciliationService
	activation     services.ActivationService
	checkout       services.CheckoutService
	webhooks       services.WebhookService
	scheduler      *background.JobScheduler
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := common.NewLogger("bookly", cfg.LogLevel)
	loc := cfg.Location()

	plans, err := config.LoadPlans(cfg.PlansFile)
	if err != nil {
		return nil, err
	}

	pool, err := database.NewPool(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		pool:    pool,
		metrics: metrics.New(),
		plans:   plans,
	}

	a.cache = caching.NewRedisCacheService(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, common.NewLogger("cache", cfg.LogLevel))

	if cfg.RabbitMQURL != "" {
		publisher, err := services.NewRabbitMQPublisher(cfg.RabbitMQURL, common.NewLogger("events", cfg.LogLevel))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.publisher = publisher
	} else {
		a.publisher = services.NewNoopPublisher(common.NewLogger("events", cfg.LogLevel))
	}

	var archive services.WebhookArchive = services.NoopArchive{}
	if cfg.MinioEndpoint != "" {
		archive, err = services.NewMinioArchive(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey,
			cfg.MinioBucket, cfg.MinioUseSSL, common.NewLogger("archive", cfg.LogLevel))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize webhook archive: %w", err)
		}
	}

	subscriberRepo := repositories.NewSubscriberRepo(pool)
	paymentRepo := repositories.NewPendingPaymentRepo(pool)
	now := common.SystemClock

	a.ledger = services.NewPendingLedger(paymentRepo, subscriberRepo, services.NewReferenceCodec(), now,
		common.NewLogger("ledger", cfg.LogLevel))

	a.gateway = services.NewGatewayService(services.GatewayConfig{
		BaseURL:         cfg.GatewayBaseURL,
		PrivateKey:      cfg.GatewayPrivateKey,
		Timeout:         cfg.GatewayTimeout,
		BreakerFailures: cfg.GatewayBreakerFailures,
		BreakerCooldown: cfg.GatewayBreakerCooldown,
	}, nil, a.metrics, common.NewLogger("gateway", cfg.LogLevel))

	a.reconciliation = services.NewReconciliationService(subscriberRepo, a.ledger, a.publisher, a.metrics, now, loc,
		common.NewLogger("reconcile", cfg.LogLevel))

	a.activation = services.NewActivationService(services.ActivationConfig{
		Currency:        cfg.Currency,
		PollMaxAttempts: cfg.PollMaxAttempts,
		PollInterval:    cfg.PollInterval,
		ResultTTL:       cfg.PollResultTTL,
		IntentTTL:       cfg.GatewayIntentTTL,
	}, a.ledger, a.gateway, a.reconciliation, a.cache, plans, a.metrics, now, common.NewLogger("activation", cfg.LogLevel))

	a.checkout = services.NewCheckoutService(services.CheckoutConfig{
		Currency:    cfg.Currency,
		RedirectURL: cfg.RedirectURL,
		IntentTTL:   cfg.GatewayIntentTTL,
	}, a.ledger, a.gateway, a.reconciliation, plans, now, common.NewLogger("checkout", cfg.LogLevel))

	a.webhooks = services.NewWebhookService(services.WebhookConfig{
		Secret:        cfg.WebhookSecret,
		AllowUnsigned: cfg.AllowUnsignedWebhooks(),
		Currency:      cfg.Currency,
	}, a.ledger, a.reconciliation, plans, archive, a.metrics, now, common.NewLogger("webhook", cfg.LogLevel))

	a.scheduler, err = background.NewJobScheduler(background.SweepConfig{
		Interval:   cfg.SweepInterval,
		StaleAfter: cfg.SweepStaleAfter,
		BatchSize:  cfg.SweepBatchSize,
	}, a.ledger, a.activation, a.reconciliation, a.metrics, now, common.NewLogger("jobs", cfg.LogLevel))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	if cfg.WebhookUnsigned && !cfg.IsDevelopment() {
		logger.Warnf("BILLING_WEBHOOK_UNSIGNED is ignored outside development (APP_ENV=%s)", cfg.AppEnv)
	}
	if cfg.WebhookSecret == "" && !cfg.AllowUnsignedWebhooks() {
		logger.Warn("BILLING_WEBHOOK_SECRET is empty; every webhook will be rejected")
	}

	return a, nil
}

func (a *app) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warnf("close publisher: %v", err)
		}
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
