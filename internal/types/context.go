package types

import "context"

// Context Keys
type contextKey string

const (
	sessionKey   contextKey = "session"
	requestIDKey contextKey = "request_id"
)

// WithSession stores the authenticated Session in the context.
func WithSession(ctx context.Context, session *Session) context.Context {
	return context.WithValue(ctx, sessionKey, session)
}

// GetSession retrieves the Session from the context. It returns nil, false
// when the request is unauthenticated.
func GetSession(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey).(*Session)
	return s, ok && s != nil && s.UserID != ""
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
