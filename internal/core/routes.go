package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzhttp"

	"assistantconsole/internal/types"
)

// defaultRequestTimeout applies when Config.Server.RequestTimeout is zero.
const defaultRequestTimeout = 15 * time.Second

// defaultRedactedHeaders are masked in request logs.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"X-Admin-Key",
	"X-Razorpay-Signature",
}

// MountRoutes registers the middleware chain and every route group.
func (s *Server) MountRoutes() {
	s.registerGlobalMiddleware()

	s.router.Get("/health", s.HandleHealth)

	for _, registrar := range s.PublicRouteRegistrars {
		registrar(s.router)
	}

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.RequireSession)
		for _, registrar := range s.V1RouteRegistrars {
			registrar(r)
		}
	})

	if s.AdminKeys != nil && len(s.AdminRouteRegistrars) > 0 {
		s.router.Route("/admin", func(r chi.Router) {
			r.Use(s.AdminKeyMiddleware)
			for _, registrar := range s.AdminRouteRegistrars {
				registrar(r)
			}
		})
	}
}

// registerGlobalMiddleware applies middleware in order:
//  1. Recoverer       outermost, catches every panic.
//  2. ContextTimeout  soft deadline for downstream calls.
//  3. RequestID       correlation id for logs and gateway calls.
//  4. SecurityHeaders
//  5. RequestLogger   redacted headers.
//  6. CORS
//  7. Metrics
//  8. Compression     gzip for clients that accept it.
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(NewCORSMiddleware(s.corsAllowedOrigins()))
	s.router.Use(s.MetricsMiddleware)
	s.router.Use(CompressionMiddleware)
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.RequestTimeout > 0 {
		return s.Config.Server.RequestTimeout
	}
	return defaultRequestTimeout
}

func (s *Server) corsAllowedOrigins() []string {
	if s.Config != nil && len(s.Config.Security.CorsAllowedOrigins) > 0 {
		return s.Config.Security.CorsAllowedOrigins
	}
	return []string{"*"}
}

// ContextTimeoutMiddleware sets a deadline on the request context.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware reuses the caller's X-Request-Id or generates one, and
// echoes it on the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := types.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "fallback-" + hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b)
}

// CompressionMiddleware gzips responses for clients that send
// Accept-Encoding: gzip. Small bodies are passed through unchanged.
func CompressionMiddleware(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}
