// Package main is the entrypoint for the gateway webhook Lambda function.
//
// It serves only POST /webhooks/razorpay behind API Gateway so payment
// events keep flowing while the console API is scaled down or redeployed.
//
// Cold Start (main):
//  1. Load configuration (SSM-backed secrets outside local).
//  2. Initialize structured logger.
//  3. Load AWS SDK configuration and create the CloudWatch collector.
//  4. Connect the subscription database and build the billing mutator.
//  5. Register the webhook handler and call lambda.Start.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"

	"assistantconsole/internal/api/handlers"
	"assistantconsole/internal/billing"
	"assistantconsole/internal/config"
	"assistantconsole/internal/core"
	"assistantconsole/internal/db"
	"assistantconsole/internal/external"
	"assistantconsole/internal/queue"
	"assistantconsole/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("webhook lambda failed to start", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.Database.URL.Unmask(),
		MaxConns:        2,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		ConnectTimeout:  cfg.Database.AcquireTimeout,
	})
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}

	metrics := telemetry.NewCloudWatchCollector(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger)
	opts := []billing.MutatorOption{
		billing.WithMetrics(metrics),
		billing.WithActivationRPC(db.NewActivationRPC(pool)),
	}
	if cfg.Events.QueueURL != "" {
		opts = append(opts, billing.WithEventPublisher(
			queue.NewBillingEventPublisher(sqs.NewFromConfig(awsCfg), cfg.Events.QueueURL, logger)))
	}
	mutator := billing.NewMutator(db.NewSubscriptionRepo(pool, logger), db.NewPaymentRepo(pool), logger, opts...)

	router := newRouter(mutator, cfg.Gateway.WebhookSecret, metrics, logger)

	logger.Info("webhook lambda ready", "version", cfg.Build.Version)
	lambda.Start(core.LambdaHandler(router))
	return nil
}

// newRouter mounts the webhook handler with the request id middleware only;
// the webhook needs no session or CORS handling.
func newRouter(mutator handlers.WebhookMutator, secret config.SecretString, metrics handlers.WebhookRecorder, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(core.RequestIDMiddleware)
	handlers.NewGatewayWebhookHandler(mutator, external.SignatureVerifier{}, secret, metrics, logger).RegisterRoutes(r)
	return r
}
