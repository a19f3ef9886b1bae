package core

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"assistantconsole/internal/types"
)

// RequireSession resolves the Bearer token through s.Sessions and stores the
// Session in the request context. Failures are 401 with distinct codes:
//   - auth_session_missing: no Authorization header, no token or no provider.
//   - auth_token_invalid: malformed or wrongly signed token.
//   - auth_token_expired: a well-formed token past its expiry.
func (s *Server) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Sessions == nil {
			s.writeAuthError(w, r, types.ErrCodeAuthSessionMissing, "Sign in to continue")
			return
		}

		token := extractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthSessionMissing, "Sign in to continue")
			return
		}

		session, err := s.Sessions.SessionFromToken(r.Context(), token)
		if err != nil {
			s.handleAuthError(w, r, err)
			return
		}
		if session == nil || session.UserID == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}

		next.ServeHTTP(w, r.WithContext(types.WithSession(r.Context(), session)))
	})
}

// extractBearerToken parses "Bearer <token>" with a case-insensitive scheme.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case types.ErrCodeAuthTokenExpired:
			s.Logger.WarnContext(r.Context(), "authentication failed: token expired",
				slog.String("path", r.URL.Path),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenExpired, "Session has expired, sign in again")
			return
		case types.ErrCodeAuthTokenInvalid, types.ErrCodeAuthSessionMissing:
			s.Logger.WarnContext(r.Context(), "authentication failed: token invalid",
				slog.String("path", r.URL.Path),
				slog.String("error_code", string(appErr.Code)),
			)
			s.writeAuthError(w, r, appErr.Code, "Invalid authentication token")
			return
		}
	}

	s.Logger.ErrorContext(r.Context(), "authentication failed: unexpected error",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Authentication failed")
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	JSON(w, r, http.StatusUnauthorized, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: types.GetRequestID(r.Context()),
		},
	})
}
