package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"assistantconsole/internal/config"
	"assistantconsole/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Environment: "local",
		Security:    config.SecurityConfig{CorsAllowedOrigins: []string{"https://console.example.com"}},
	}
	srv, err := NewServer(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return srv
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp.Error
}

func TestNewServer_RequiresConfigAndLogger(t *testing.T) {
	if _, err := NewServer(nil, testLogger()); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewServer(&config.Config{}, nil); err == nil {
		t.Error("expected error for nil logger")
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestShutdown_ClosesEveryResource(t *testing.T) {
	srv := newTestServer(t)
	var closed []string
	boom := errors.New("pool busy")
	srv.Closers = []io.Closer{
		closerFunc(func() error { closed = append(closed, "usage"); return nil }),
		closerFunc(func() error { closed = append(closed, "db"); return boom }),
	}

	err := srv.Shutdown(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined close error, got %v", err)
	}
	if strings.Join(closed, ",") != "usage,db" {
		t.Errorf("closers ran as %v", closed)
	}
}

func TestMountRoutes_GroupsAndAuth(t *testing.T) {
	srv := newTestServer(t)
	srv.Sessions = &MockSessionProvider{Session: &types.Session{UserID: "user_1"}}
	srv.AdminKeys = MockAdminKeys{Key: "ops-key"}
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
		r.Get("/whoami", func(w http.ResponseWriter, r *http.Request) {
			session, _ := types.GetSession(r.Context())
			OK(w, r, map[string]string{"user_id": session.UserID})
		})
	})
	srv.AdminRouteRegistrars = append(srv.AdminRouteRegistrars, func(r chi.Router) {
		r.Post("/ping", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	})
	srv.PublicRouteRegistrars = append(srv.PublicRouteRegistrars, func(r chi.Router) {
		r.Post("/webhooks/test", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	})
	srv.MountRoutes()

	tests := []struct {
		name   string
		method string
		path   string
		header map[string]string
		want   int
	}{
		{"v1 without token", http.MethodGet, "/v1/whoami", nil, http.StatusUnauthorized},
		{"v1 with token", http.MethodGet, "/v1/whoami", map[string]string{"Authorization": "Bearer tok"}, http.StatusOK},
		{"admin without key", http.MethodPost, "/admin/ping", nil, http.StatusUnauthorized},
		{"admin wrong key", http.MethodPost, "/admin/ping", map[string]string{AdminKeyHeader: "nope"}, http.StatusUnauthorized},
		{"admin right key", http.MethodPost, "/admin/ping", map[string]string{AdminKeyHeader: "ops-key"}, http.StatusNoContent},
		{"public webhook", http.MethodPost, "/webhooks/test", nil, http.StatusOK},
		{"health", http.MethodGet, "/health", nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
			if rec.Header().Get("X-Request-Id") == "" {
				t.Error("missing X-Request-Id response header")
			}
		})
	}
}

func TestMountRoutes_AdminSkippedWithoutVerifier(t *testing.T) {
	srv := newTestServer(t)
	srv.AdminRouteRegistrars = append(srv.AdminRouteRegistrars, func(r chi.Router) {
		r.Post("/ping", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	})
	srv.MountRoutes()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/ping", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when admin keys are not configured", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name   string
		probes []HealthProbe
		want   int
		status string
	}{
		{"no probes", nil, http.StatusOK, "healthy"},
		{"healthy probe", []HealthProbe{MockHealthProbe{ProbeName: "database"}}, http.StatusOK, "healthy"},
		{"failing probe", []HealthProbe{MockHealthProbe{ProbeName: "database", Err: errors.New("refused")}}, http.StatusServiceUnavailable, "unhealthy"},
		{"slow probe", []HealthProbe{MockHealthProbe{ProbeName: "database", Delay: 5 * time.Second}}, http.StatusServiceUnavailable, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t)
			srv.HealthProbes = tt.probes

			rec := httptest.NewRecorder()
			srv.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			var body healthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Status != tt.status {
				t.Errorf("body status = %q, want %q", body.Status, tt.status)
			}
			if body.BillingEnabled {
				t.Error("billing should be reported as disabled without secrets")
			}
		})
	}
}
