package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"assistantconsole/internal/billing"
	"assistantconsole/internal/core"
	"assistantconsole/internal/types"
)

// Reconciler replays a recorded payment onto its subscription.
type Reconciler interface {
	Reconcile(ctx context.Context, gatewayPaymentID string) (*billing.ActivationResult, error)
}

// AdminHandler serves operator endpoints mounted under /admin.
type AdminHandler struct {
	reconciler Reconciler
	logger     *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(reconciler Reconciler, l *slog.Logger) *AdminHandler {
	if l == nil {
		l = slog.Default()
	}
	return &AdminHandler{reconciler: reconciler, logger: l}
}

// RegisterRoutes mounts the admin endpoints.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Post("/payments/{paymentID}/reconcile", h.Reconcile)
}

// Reconcile handles POST /admin/payments/{paymentID}/reconcile. It repairs a
// subscription whose update failed after the payment row was stored.
func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")
	if paymentID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "payment id is required", nil))
		return
	}

	result, err := h.reconciler.Reconcile(r.Context(), paymentID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "admin reconciled payment",
		"payment_id", paymentID,
		"plan", string(result.Plan),
		"client_ip", r.RemoteAddr,
	)
	core.OK(w, r, result)
}
