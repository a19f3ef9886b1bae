package core

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"assistantconsole/internal/types"
)

// AdminKeyHeader carries the operator key for /admin routes.
const AdminKeyHeader = "X-Admin-Key"

// AdminKeyMiddleware rejects requests whose X-Admin-Key does not match the
// configured bcrypt hash. An unconfigured verifier answers 503.
func (s *Server) AdminKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(AdminKeyHeader)
		if key == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthAdminKeyInvalid, "admin key is required", nil))
			return
		}

		if err := s.AdminKeys.Verify(key); err != nil {
			var appErr *types.AppError
			if errors.As(err, &appErr) && appErr.Code == types.ErrCodeInternalNotConfigured {
				Error(w, r, err)
				return
			}
			s.Logger.WarnContext(r.Context(), "admin key rejected",
				slog.String("ip", extractClientIP(r)),
				slog.String("path", r.URL.Path),
			)
			Error(w, r, types.NewAppError(types.ErrCodeAuthAdminKeyInvalid, "invalid admin key", nil))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractClientIP returns the first X-Forwarded-For entry, else RemoteAddr
// without its port.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
