package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistantconsole/internal/types"
)

func newTestProvider(now time.Time) *JWTSessionProvider {
	p := NewJWTSessionProvider(types.SecretString("test-secret-key"), "https://id.example.com", "assistant-console", nil)
	p.now = func() time.Time { return now }
	return p
}

func codeOf(t *testing.T, err error) types.ErrorCode {
	t.Helper()
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	return appErr.Code
}

func TestSessionFromToken_RoundTrip(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := newTestProvider(now)

	token, err := p.IssueToken("user-42", "a@example.com", time.Hour)
	require.NoError(t, err)

	s, err := p.SessionFromToken(context.Background(), "  "+token+"  ")
	require.NoError(t, err)
	assert.Equal(t, "user-42", s.UserID)
	assert.Equal(t, "a@example.com", s.Email)
	assert.Equal(t, now, s.CreatedAt)
}

func TestSessionFromToken_Expired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	token, err := newTestProvider(now).IssueToken("user-42", "", time.Minute)
	require.NoError(t, err)

	_, err = newTestProvider(now.Add(2*time.Minute)).SessionFromToken(context.Background(), token)
	assert.Equal(t, types.ErrCodeAuthTokenExpired, codeOf(t, err))
}

func TestSessionFromToken_Rejections(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := newTestProvider(now)
	ctx := context.Background()

	_, err := p.SessionFromToken(ctx, "")
	assert.Equal(t, types.ErrCodeAuthSessionMissing, codeOf(t, err))

	_, err = p.SessionFromToken(ctx, "not.a.jwt")
	assert.Equal(t, types.ErrCodeAuthTokenInvalid, codeOf(t, err))

	other := NewJWTSessionProvider(types.SecretString("another-secret"), "https://id.example.com", "assistant-console", nil)
	other.now = p.now
	forged, err := other.IssueToken("user-42", "", time.Hour)
	require.NoError(t, err)
	_, err = p.SessionFromToken(ctx, forged)
	assert.Equal(t, types.ErrCodeAuthTokenInvalid, codeOf(t, err))

	wrongIssuer := NewJWTSessionProvider(types.SecretString("test-secret-key"), "https://evil.example.com", "assistant-console", nil)
	wrongIssuer.now = p.now
	tok, err := wrongIssuer.IssueToken("user-42", "", time.Hour)
	require.NoError(t, err)
	_, err = p.SessionFromToken(ctx, tok)
	assert.Equal(t, types.ErrCodeAuthTokenInvalid, codeOf(t, err))
}

func TestSessionFromToken_RejectsNoneAndMissingSubject(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := newTestProvider(now)
	ctx := context.Background()

	claims := SessionClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-42",
		Issuer:    "https://id.example.com",
		Audience:  jwt.ClaimStrings{"assistant-console"},
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = p.SessionFromToken(ctx, unsigned)
	assert.Equal(t, types.ErrCodeAuthTokenInvalid, codeOf(t, err))

	claims.Subject = ""
	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret-key"))
	require.NoError(t, err)
	_, err = p.SessionFromToken(ctx, noSub)
	assert.Equal(t, types.ErrCodeAuthTokenInvalid, codeOf(t, err))
}
