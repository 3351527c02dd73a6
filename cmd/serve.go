package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"bookly/docs"
	"bookly/internal/config"
	"bookly/internal/handlers"
	"bookly/internal/middleware"

	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	echoSwagger "github.com/swaggo/echo-swagger"
)

func serveCmd() *cobra.Command {
	var noJobs bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the background sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runServe(cfg, !noJobs)
		},
	}

	cmd.Flags().BoolVar(&noJobs, "no-jobs", false, "do not run the background sweeps in this process")
	return cmd
}

func runServe(cfg *config.Config, withJobs bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	e, err := newServer(ctx, a)
	if err != nil {
		return err
	}

	if withJobs {
		a.scheduler.Start()
		defer func() {
			if err := a.scheduler.Stop(); err != nil {
				a.logger.Warnf("stop scheduler: %v", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Infof("bookly v%s starting on port %d", version, cfg.Port)
		errCh <- e.Start(fmt.Sprintf(":%d", cfg.Port))
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.logger.Info("shutting down")
	return e.Shutdown(shutdownCtx)
}

func newServer(ctx context.Context, a *app) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.Logger = a.logger

	// Global middleware
	e.Use(echoMiddleware.Logger())
	e.Use(echoMiddleware.Recover())
	e.Use(echoMiddleware.CORS())
	e.Use(echoMiddleware.RemoveTrailingSlash())

	jwtConfig, err := middleware.SubscriberJWTConfig(ctx, a.cfg.JWTSecret, a.cfg.JWKSURL)
	if err != nil {
		return nil, err
	}

	healthHandlers := handlers.NewHealthHandlers(a.pool, a.cache, version)
	billingHandlers := handlers.NewBillingHandlers(a.checkout, a.activation, a.reconciliation, a.cache, a.plans,
		a.cfg.PollRateLimit, a.logger)
	webhookHandlers := handlers.NewWebhookHandlers(a.webhooks)

	// Health endpoints (no auth required)
	e.GET("/health", healthHandlers.HealthCheck)
	e.GET("/health/ready", healthHandlers.ReadinessCheck)
	e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))

	docs.SwaggerInfo.Version = version
	e.GET("/swagger/*", echoSwagger.WrapHandler)

	registerRoutes(e, billingHandlers, webhookHandlers, middleware.SubscriberJWT(jwtConfig))
	return e, nil
}

func registerRoutes(e *echo.Echo, billing *handlers.BillingHandlers, webhooks *handlers.WebhookHandlers, auth echo.MiddlewareFunc) {
	v1 := middleware.NewVersionMiddleware().VersionRoute(e, "v1")

	v1.POST("/webhooks/gateway", webhooks.GatewayWebhook)

	billingGroup := v1.Group("/billing")
	billingGroup.GET("/plans", billing.Plans)
	billingGroup.POST("/checkout/guest", billing.GuestCheckout)
	billingGroup.POST("/verify", billing.Verify)
	billingGroup.GET("/payments/status", billing.PaymentStatus)

	// Subscriber routes (require JWT)
	billingGroup.POST("/checkout", billing.Checkout, auth, middleware.RequireSubscriber)
	billingGroup.GET("/subscriber", billing.CurrentSubscriber, auth, middleware.RequireSubscriber)
}
