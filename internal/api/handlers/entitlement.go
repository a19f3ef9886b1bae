package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"assistantconsole/internal/core"
	"assistantconsole/internal/types"
)

// EntitlementService resolves entitlement state and evaluates actions.
// Implemented by *entitlement.Resolver.
type EntitlementService interface {
	Resolve(ctx context.Context, userID string) types.EntitlementState
	CanPerformAction(state types.EntitlementState, counters types.DailyUsageCounters, action types.ActionKind) types.Decision
	Remaining(state types.EntitlementState, counters types.DailyUsageCounters, action types.ActionKind) *int
}

// EntitlementHandler answers entitlement queries. Usage counters live on the
// device, so callers report them with each request.
type EntitlementHandler struct {
	service   EntitlementService
	validator *core.Validator
	logger    *slog.Logger
}

// NewEntitlementHandler creates an EntitlementHandler.
func NewEntitlementHandler(svc EntitlementService, v *core.Validator, l *slog.Logger) *EntitlementHandler {
	if l == nil {
		l = slog.Default()
	}
	return &EntitlementHandler{service: svc, validator: v, logger: l}
}

// RegisterRoutes mounts the entitlement endpoints.
func (h *EntitlementHandler) RegisterRoutes(r chi.Router) {
	r.Get("/entitlement", h.Get)
	r.Post("/entitlement/check", h.Check)
}

// EntitlementResponse is the resolved state plus today's remaining allowance
// per action. A nil remaining value means unlimited.
type EntitlementResponse struct {
	State     types.EntitlementState    `json:"state"`
	Remaining map[types.ActionKind]*int `json:"remaining"`
}

// CheckRequest asks whether one action may run given today's counters.
type CheckRequest struct {
	Action   types.ActionKind         `json:"action" validate:"required,action_kind"`
	Date     string                   `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Counters map[types.ActionKind]int `json:"counters" validate:"omitempty,dive,keys,action_kind,endkeys,gte=0"`
}

// CheckResponse carries the decision together with the state it was made on.
type CheckResponse struct {
	Decision  types.Decision         `json:"decision"`
	State     types.EntitlementState `json:"state"`
	Remaining *int                   `json:"remaining"`
}

// Get handles GET /v1/entitlement. Counters are passed as query parameters
// named after the action kinds, e.g. ?chat_message=3&voice_command=1.
func (h *EntitlementHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, ok := types.GetSession(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthSessionMissing, "sign in to view your plan", nil))
		return
	}

	counters, err := countersFromQuery(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	state := h.service.Resolve(r.Context(), session.UserID)
	remaining := make(map[types.ActionKind]*int, len(types.AllActions))
	for _, action := range types.AllActions {
		remaining[action] = h.service.Remaining(state, counters, action)
	}

	core.OK(w, r, EntitlementResponse{State: state, Remaining: remaining})
}

// Check handles POST /v1/entitlement/check. A denial is a normal 200 answer
// with allowed=false; the caller decides how to surface it.
func (h *EntitlementHandler) Check(w http.ResponseWriter, r *http.Request) {
	session, ok := types.GetSession(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthSessionMissing, "sign in to use the assistant", nil))
		return
	}

	var req CheckRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	counters := types.DailyUsageCounters{Date: req.Date, Counts: req.Counters}
	if counters.Counts == nil {
		counters.Counts = map[types.ActionKind]int{}
	}

	state := h.service.Resolve(r.Context(), session.UserID)
	decision := h.service.CanPerformAction(state, counters, req.Action)
	if !decision.Allowed {
		h.logger.InfoContext(r.Context(), "action denied",
			"user_id", session.UserID,
			"plan", string(state.Plan),
			"action", string(req.Action),
			"code", string(decision.Code),
		)
	}

	core.OK(w, r, CheckResponse{
		Decision:  decision,
		State:     state,
		Remaining: h.service.Remaining(state, counters, req.Action),
	})
}

func countersFromQuery(r *http.Request) (types.DailyUsageCounters, error) {
	q := r.URL.Query()
	counters := types.DailyUsageCounters{
		Date:   q.Get("date"),
		Counts: make(map[types.ActionKind]int, len(types.AllActions)),
	}
	for _, action := range types.AllActions {
		raw := q.Get(string(action))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return counters, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidField,
				fmt.Sprintf("%s must be a non-negative integer", action), err,
				map[string]any{"field": string(action)})
		}
		counters.Counts[action] = n
	}
	return counters, nil
}
