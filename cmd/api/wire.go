package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"assistantconsole/internal/api/handlers"
	"assistantconsole/internal/auth"
	"assistantconsole/internal/billing"
	"assistantconsole/internal/config"
	"assistantconsole/internal/core"
	"assistantconsole/internal/db"
	"assistantconsole/internal/entitlement"
	"assistantconsole/internal/external"
	"assistantconsole/internal/queue"
	"assistantconsole/internal/security"
	"assistantconsole/internal/telemetry"
)

// checkoutRateLimit bounds order creation per user.
const (
	checkoutRateLimit  = 10
	checkoutRateWindow = time.Minute
)

// awsLoader returns the shared AWS SDK config, loading it on first use so a
// local server with no AWS-backed features never touches credentials.
type awsLoader func(ctx context.Context) (aws.Config, error)

func newAWSLoader(cfg *config.Config) awsLoader {
	var (
		once   sync.Once
		awsCfg aws.Config
		err    error
	)
	return func(ctx context.Context) (aws.Config, error) {
		once.Do(func() {
			awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
			if err == nil && cfg.AWS.EndpointURL != "" {
				awsCfg.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		return awsCfg, err
	}
}

type poolCloser struct{ close func() }

func (p poolCloser) Close() error {
	p.close()
	return nil
}

// buildServer wires every component into a mounted core.Server.
func buildServer(ctx context.Context, cfg *config.Config, logger *slog.Logger, loadAWS awsLoader) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	collector, metricsHandler, err := newCollector(ctx, cfg, logger, loadAWS)
	if err != nil {
		return nil, err
	}
	srv.Metrics = collector

	catalog := billing.NewStaticCatalog()

	// Interfaces stay nil unless the backend exists, which is what puts the
	// resolver and mutator into not-configured mode.
	var (
		subStore      entitlement.SubscriptionStore
		subWriter     billing.SubscriptionWriter
		paymentWriter billing.PaymentWriter
		subReader     handlers.SubscriptionReader
		paymentLister handlers.PaymentLister
		mutatorOpts   = []billing.MutatorOption{billing.WithMetrics(collector)}
	)

	if cfg.Database.URL.IsSet() {
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:               cfg.Database.URL.Unmask(),
			MaxConns:          cfg.Database.MaxConns,
			MinConns:          cfg.Database.MinConns,
			MaxConnLifetime:   cfg.Database.MaxConnLifetime,
			HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
			ConnectTimeout:    cfg.Database.AcquireTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		srv.Closers = append(srv.Closers, poolCloser{close: pool.Close})
		srv.HealthProbes = append(srv.HealthProbes, db.HealthProbe{DB: pool})

		if cfg.Database.MigrateOnStart {
			if err := db.RunMigrations(ctx, db.SQLFromPool(pool)); err != nil {
				return nil, fmt.Errorf("running migrations: %w", err)
			}
			logger.Info("database migrations applied")
		}

		subs := db.NewSubscriptionRepo(pool, logger)
		payments := db.NewPaymentRepo(pool)
		subStore, subWriter, subReader = subs, subs, subs
		paymentWriter, paymentLister = payments, payments
		mutatorOpts = append(mutatorOpts, billing.WithActivationRPC(db.NewActivationRPC(pool)))
	} else {
		logger.Warn("DATABASE_URL not set; billing is not configured and every user resolves to the free plan")
	}

	if cfg.Events.QueueURL != "" {
		awsCfg, err := loadAWS(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config for billing events: %w", err)
		}
		publisher := queue.NewBillingEventPublisher(sqs.NewFromConfig(awsCfg), cfg.Events.QueueURL, logger)
		mutatorOpts = append(mutatorOpts, billing.WithEventPublisher(publisher))
	}

	mutator := billing.NewMutator(subWriter, paymentWriter, logger, mutatorOpts...)
	resolver := entitlement.NewResolver(subStore, catalog, logger,
		entitlement.WithDecisionRecorder(collector))

	var gateway handlers.CheckoutGateway
	if cfg.Gateway.KeyID != "" && cfg.Gateway.KeySecret.IsSet() {
		base := external.NewBaseClient(
			security.NewEgressClient(cfg.Gateway.Timeout, cfg.Environment == "local"),
			"payment-gateway",
			external.DefaultRetryPolicy(),
			"AssistantConsole/"+cfg.Build.Version,
			logger,
		)
		gateway = external.NewGatewayClient(base, cfg.Gateway.BaseURL, cfg.Gateway.KeyID, cfg.Gateway.KeySecret, logger)
	}

	if cfg.Auth.JWTSecret.IsSet() {
		srv.Sessions = auth.NewJWTSessionProvider(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience, logger)
	} else {
		logger.Warn("AUTH_JWT_SECRET not set; every /v1 request will be rejected")
	}
	if cfg.Security.AdminKeyHash.IsSet() {
		srv.AdminKeys = auth.NewAdminKeyVerifier(cfg.Security.AdminKeyHash.Unmask())
	}
	srv.CheckoutLimiter = core.NewMemoryRateLimitStore(time.Now)

	plansHandler := handlers.NewPlansHandler(catalog)
	entitlementHandler := handlers.NewEntitlementHandler(resolver, srv.Validator, logger)
	billingHandler := handlers.NewBillingHandler(handlers.BillingDeps{
		Catalog:       catalog,
		Gateway:       gateway,
		KeySecret:     cfg.Gateway.KeySecret,
		Currency:      cfg.Gateway.Currency,
		Mutator:       mutator,
		Subscriptions: subReader,
		Payments:      paymentLister,
		CheckoutLimit: srv.RateLimitPerUser("checkout", checkoutRateLimit, checkoutRateWindow),
	}, srv.Validator, logger)
	webhookHandler := handlers.NewGatewayWebhookHandler(mutator, external.SignatureVerifier{}, cfg.Gateway.WebhookSecret, collector, logger)
	adminHandler := handlers.NewAdminHandler(mutator, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		plansHandler.RegisterRoutes,
		entitlementHandler.RegisterRoutes,
		billingHandler.RegisterRoutes,
	)
	srv.PublicRouteRegistrars = append(srv.PublicRouteRegistrars, webhookHandler.RegisterRoutes)
	if metricsHandler != nil {
		srv.PublicRouteRegistrars = append(srv.PublicRouteRegistrars, func(r chi.Router) {
			r.Handle("/metrics", metricsHandler)
		})
	}
	srv.AdminRouteRegistrars = append(srv.AdminRouteRegistrars, adminHandler.RegisterRoutes)

	srv.MountRoutes()
	return srv, nil
}

// newCollector selects the metrics backend. The returned handler is non-nil
// only for Prometheus.
func newCollector(ctx context.Context, cfg *config.Config, logger *slog.Logger, loadAWS awsLoader) (telemetry.Collector, http.Handler, error) {
	switch cfg.Observability.MetricsBackend {
	case telemetry.BackendPrometheus:
		c := telemetry.NewPrometheusCollector(prometheus.NewRegistry(), cfg.Observability.MetricNamespace)
		return c, c.Handler(), nil
	case telemetry.BackendCloudWatch:
		awsCfg, err := loadAWS(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("loading AWS config for CloudWatch: %w", err)
		}
		return telemetry.NewCloudWatchCollector(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger), nil, nil
	default:
		return telemetry.Nop{}, nil, nil
	}
}
