// Package auth verifies identity-provider session tokens and the operator
// admin key.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"assistantconsole/internal/types"
)

// SessionClaims are the claims carried by identity-provider access tokens.
type SessionClaims struct {
	Email string `json:"email,omitempty"`
	// AccountCreatedAt is the account creation time in unix seconds.
	AccountCreatedAt int64 `json:"created_at,omitempty"`
	jwt.RegisteredClaims
}

// JWTSessionProvider turns HS256 bearer tokens into sessions.
type JWTSessionProvider struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
	logger   *slog.Logger
}

// NewJWTSessionProvider creates a provider. Empty issuer or audience skips
// that check.
func NewJWTSessionProvider(secret types.SecretString, issuer, audience string, logger *slog.Logger) *JWTSessionProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &JWTSessionProvider{
		secret:   []byte(secret.Unmask()),
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
		logger:   logger,
	}
}

// SessionFromToken validates token and returns the session it identifies.
func (p *JWTSessionProvider) SessionFromToken(ctx context.Context, token string) (*types.Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, types.NewAppError(types.ErrCodeAuthSessionMissing, "sign in to continue", nil)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.now),
		jwt.WithExpirationRequired(),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	if p.audience != "" {
		opts = append(opts, jwt.WithAudience(p.audience))
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, types.NewAppError(types.ErrCodeAuthTokenExpired, "session has expired, sign in again", err)
		}
		p.logger.DebugContext(ctx, "session token rejected", "error", err)
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "session token is invalid", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "session token has no subject", nil)
	}

	session := &types.Session{
		UserID: claims.Subject,
		Email:  claims.Email,
	}
	switch {
	case claims.AccountCreatedAt > 0:
		session.CreatedAt = time.Unix(claims.AccountCreatedAt, 0).UTC()
	case claims.IssuedAt != nil:
		session.CreatedAt = claims.IssuedAt.Time.UTC()
	}
	return session, nil
}

// IssueToken signs a session token for userID valid for ttl. Used by the
// operator CLI and tests.
func (p *JWTSessionProvider) IssueToken(userID, email string, ttl time.Duration) (string, error) {
	now := p.now()
	claims := SessionClaims{
		Email:            email,
		AccountCreatedAt: now.Unix(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if p.audience != "" {
		claims.Audience = jwt.ClaimStrings{p.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}
