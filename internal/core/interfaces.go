package core

import (
	"context"
	"time"

	"assistantconsole/internal/types"
)

// SessionProvider resolves an identity bearer token into a Session.
// Implementations return auth_token_invalid or auth_token_expired AppErrors.
type SessionProvider interface {
	SessionFromToken(ctx context.Context, token string) (*types.Session, error)
}

// AdminKeyVerifier checks the X-Admin-Key header value.
type AdminKeyVerifier interface {
	Verify(key string) error
}

// RateLimitStore counts requests per key in fixed windows.
type RateLimitStore interface {
	IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error)
}

// RateLimitResult is the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}
