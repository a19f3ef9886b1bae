package core

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"assistantconsole/internal/types"
)

// RateLimitPerUser limits authenticated requests per user with
// s.CheckoutLimiter. It must run after RequireSession. A nil store or a
// store error lets the request through.
//
// Every checked response carries X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset; a rejected one also carries Retry-After.
func (s *Server) RateLimitPerUser(scope string, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.CheckoutLimiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			session, ok := types.GetSession(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			result, err := s.CheckoutLimiter.IncrementAndCheck(r.Context(), scope+":"+session.UserID, limit, window)
			if err != nil {
				s.Logger.ErrorContext(r.Context(), "rate limit store error",
					slog.String("user_id", session.UserID),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}

			setRateLimitHeaders(w, limit, result)
			if !result.Allowed {
				s.Logger.WarnContext(r.Context(), "rate limit exceeded",
					slog.String("user_id", session.UserID),
					slog.String("scope", scope),
				)
				retryAfter := max(int(time.Until(result.ResetAt).Seconds()), 1)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				Error(w, r, types.NewAppError(types.ErrCodeRateLimitExceeded,
					"Too many checkout attempts, try again shortly", nil))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, limit int, result RateLimitResult) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

// MemoryRateLimitStore is a fixed-window RateLimitStore for a single API
// instance.
type MemoryRateLimitStore struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*rateWindow
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

// NewMemoryRateLimitStore creates an empty store. now may be nil.
func NewMemoryRateLimitStore(now func() time.Time) *MemoryRateLimitStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryRateLimitStore{now: now, windows: make(map[string]*rateWindow)}
}

// IncrementAndCheck counts one request for key. Expired windows are dropped
// lazily.
func (m *MemoryRateLimitStore) IncrementAndCheck(_ context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &rateWindow{resetAt: now.Add(window)}
		m.windows[key] = w
		m.sweep(now)
	}
	w.count++

	return RateLimitResult{
		Allowed:   w.count <= limit,
		Remaining: max(limit-w.count, 0),
		ResetAt:   w.resetAt,
	}, nil
}

func (m *MemoryRateLimitStore) sweep(now time.Time) {
	for k, w := range m.windows {
		if !now.Before(w.resetAt) {
			delete(m.windows, k)
		}
	}
}
