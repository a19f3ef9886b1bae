// Package config defines the configuration of the assistant console
// services. Configuration is loaded once at startup and is immutable
// thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// The billing backend is optional. When the database URL or gateway secrets
// are missing the services start in not-configured mode: entitlement reads
// fall back to the free plan and billing writes fail with a NotConfigured
// error.
package config

import (
	"time"

	"assistantconsole/internal/types"
)

// SecretString is an alias for types.SecretString so secrets never reach
// logs in plain text.
type SecretString = types.SecretString

// Config is the top-level configuration struct.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"assistant-console"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Gateway       GatewayConfig
	Auth          AuthConfig
	Security      SecurityConfig
	Usage         UsageConfig
	Observability ObservabilityConfig
	Events        EventsConfig

	// Injected via ldflags, not env.
	Build BuildInfo
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds the subscription database connection. URL may be
// empty, which puts billing into not-configured mode.
type DatabaseConfig struct {
	URL               SecretString  `envconfig:"DATABASE_URL"`
	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"0" validate:"min=0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
	MigrateOnStart    bool          `envconfig:"DB_MIGRATE_ON_START" default:"false"`
}

// AWSConfig holds AWS region and the optional LocalStack endpoint.
type AWSConfig struct {
	Region      string `envconfig:"AWS_REGION" default:"ap-south-1"`
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// GatewayConfig holds the payment gateway credentials.
type GatewayConfig struct {
	KeyID         string        `envconfig:"GATEWAY_KEY_ID"`
	KeySecret     SecretString  `envconfig:"GATEWAY_KEY_SECRET"`
	WebhookSecret SecretString  `envconfig:"GATEWAY_WEBHOOK_SECRET"`
	BaseURL       string        `envconfig:"GATEWAY_BASE_URL" default:"https://api.razorpay.com" validate:"url"`
	Currency      string        `envconfig:"GATEWAY_CURRENCY" default:"INR" validate:"len=3"`
	Timeout       time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"10s"`
}

// AuthConfig holds identity session token settings.
type AuthConfig struct {
	JWTSecret SecretString `envconfig:"AUTH_JWT_SECRET"`
	Issuer    string       `envconfig:"AUTH_ISSUER" default:"assistant-identity"`
	Audience  string       `envconfig:"AUTH_AUDIENCE" default:"assistant-console"`
}

// SecurityConfig holds admin and CORS settings. AdminKeyHash is the bcrypt
// hash produced by `consolectl admin hash-key`.
type SecurityConfig struct {
	AdminKeyHash       SecretString `envconfig:"ADMIN_KEY_HASH"`
	CorsAllowedOrigins []string     `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:5173"`
}

// UsageConfig holds the device-side counter store settings.
type UsageConfig struct {
	StorePath string `envconfig:"USAGE_STORE_PATH" default:"usage.db"`
	Timezone  string `envconfig:"USAGE_TIMEZONE" default:"Local"`
}

// Location returns the zone that defines the counters' calendar day.
func (u UsageConfig) Location() (*time.Location, error) {
	if u.Timezone == "" || u.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(u.Timezone)
}

// ObservabilityConfig selects the metrics backend.
type ObservabilityConfig struct {
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"prometheus" validate:"oneof=prometheus cloudwatch none"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"assistant_console"`
}

// EventsConfig holds the billing event queue. An empty QueueURL disables
// publishing.
type EventsConfig struct {
	QueueURL string `envconfig:"BILLING_EVENTS_QUEUE_URL"`
}

// BillingConfigured reports whether the database and gateway secrets needed
// for billing writes are present.
func (c *Config) BillingConfigured() bool {
	return c.Database.URL.IsSet() &&
		c.Gateway.KeySecret.IsSet() &&
		c.Gateway.WebhookSecret.IsSet()
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment values.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
