// Package core is the HTTP chassis of the console API: a chi router with the
// cross-cutting middleware (recovery, request ids, logging, CORS, metrics,
// compression, session auth) that runs before any billing or entitlement
// handler.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"assistantconsole/internal/config"
)

// MetricsCollector records API request telemetry.
type MetricsCollector interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// Server holds the router and its injected dependencies.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector

	// Sessions resolves bearer tokens on /v1 routes. When nil every /v1
	// request is rejected with auth_session_missing.
	Sessions SessionProvider

	// AdminKeys guards /admin routes. When nil they are not mounted.
	AdminKeys AdminKeyVerifier

	// CheckoutLimiter throttles order creation per user.
	CheckoutLimiter RateLimitStore

	HealthProbes []HealthProbe

	// V1RouteRegistrars mount authenticated handlers under /v1.
	V1RouteRegistrars []func(r chi.Router)
	// AdminRouteRegistrars mount handlers under /admin.
	AdminRouteRegistrars []func(r chi.Router)
	// PublicRouteRegistrars mount unauthenticated handlers at the root
	// (gateway webhook, /metrics).
	PublicRouteRegistrars []func(r chi.Router)

	// Closers run on Shutdown in order.
	Closers []io.Closer

	router *chi.Mux
}

// NewServer creates a Server. Routes are mounted by MountRoutes once the
// registrars are populated.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the chi.Mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown closes every registered closer, returning the joined errors.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")

	var errs []error
	for _, c := range s.Closers {
		if err := c.Close(); err != nil {
			s.Logger.ErrorContext(ctx, "error closing resource", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("closing server resources: %w", err)
	}

	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
