package core

import (
	"context"
	"sync"
	"time"

	"assistantconsole/internal/types"
)

// MockSessionProvider returns Session for every token, or Err when set.
// Tokens listed in Expired fail with auth_token_expired.
type MockSessionProvider struct {
	Session *types.Session
	Err     error
	Expired map[string]bool

	mu     sync.Mutex
	tokens []string
}

// SessionFromToken implements SessionProvider.
func (m *MockSessionProvider) SessionFromToken(_ context.Context, token string) (*types.Session, error) {
	m.mu.Lock()
	m.tokens = append(m.tokens, token)
	m.mu.Unlock()

	if m.Expired[token] {
		return nil, types.NewAppError(types.ErrCodeAuthTokenExpired, "token expired", nil)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Session, nil
}

// Tokens returns the tokens seen so far.
func (m *MockSessionProvider) Tokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tokens...)
}

// MockAdminKeys accepts exactly Key. NotConfigured makes every call fail
// with types.ErrNotConfigured.
type MockAdminKeys struct {
	Key           string
	NotConfigured bool
}

// Verify implements AdminKeyVerifier.
func (m MockAdminKeys) Verify(key string) error {
	if m.NotConfigured {
		return types.ErrNotConfigured
	}
	if key != m.Key {
		return types.NewAppError(types.ErrCodeAuthAdminKeyInvalid, "admin key is invalid", nil)
	}
	return nil
}

// RecordedRequest is one call captured by MockMetrics.
type RecordedRequest struct {
	Method   string
	Endpoint string
	Status   string
	Duration time.Duration
}

// MockMetrics records RecordRequest calls.
type MockMetrics struct {
	mu       sync.Mutex
	requests []RecordedRequest
}

// RecordRequest implements MetricsCollector.
func (m *MockMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, RecordedRequest{method, endpoint, status, duration})
}

// Requests returns a copy of the recorded calls.
func (m *MockMetrics) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// MockHealthProbe reports Err after Delay.
type MockHealthProbe struct {
	ProbeName string
	Err       error
	Delay     time.Duration
}

// Name implements HealthProbe.
func (m MockHealthProbe) Name() string { return m.ProbeName }

// Check implements HealthProbe.
func (m MockHealthProbe) Check(ctx context.Context) error {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.Err
}
