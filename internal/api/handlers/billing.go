package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"assistantconsole/internal/billing"
	"assistantconsole/internal/core"
	"assistantconsole/internal/external"
	"assistantconsole/internal/types"
)

// CheckoutGateway creates orders for the checkout widget and loads them back
// on confirmation. Implemented by *external.GatewayClient.
type CheckoutGateway interface {
	external.OrderCreator
	external.OrderFetcher
	KeyID() string
}

// PlanMutator is the write side of billing. Implemented by *billing.Mutator.
type PlanMutator interface {
	Activate(ctx context.Context, session *types.Session, plan types.PlanID, pc types.PaymentContext) (*billing.ActivationResult, error)
	RecordFailure(ctx context.Context, session *types.Session, plan types.PlanID, pc types.PaymentContext, code, reason string) error
	SwitchToFree(ctx context.Context, session *types.Session) error
}

// SubscriptionReader loads a user's subscription row.
type SubscriptionReader interface {
	GetSubscription(ctx context.Context, userID string) (*types.SubscriptionRecord, error)
}

// PaymentLister lists a user's payment history.
type PaymentLister interface {
	ListPaymentsByUser(ctx context.Context, userID string, limit int) ([]types.PaymentRecord, error)
}

// PlanLookup resolves plan prices.
type PlanLookup interface {
	Lookup(id types.PlanID) types.PlanDefinition
}

// summaryPaymentLimit is the number of payments returned by the summary.
const summaryPaymentLimit = 10

// BillingDeps groups the BillingHandler dependencies. Gateway, Subscriptions
// and Payments may be nil when billing is not configured; the affected
// endpoints then answer 503. Confirm needs the Gateway to read the order.
type BillingDeps struct {
	Catalog       PlanLookup
	Gateway       CheckoutGateway
	Verifier      external.WebhookVerifier
	KeySecret     types.SecretString
	Currency      string
	Mutator       PlanMutator
	Subscriptions SubscriptionReader
	Payments      PaymentLister

	// CheckoutLimit wraps checkout creation, typically with
	// core.Server.RateLimitPerUser. Optional.
	CheckoutLimit func(http.Handler) http.Handler
}

// BillingHandler serves checkout, confirmation and plan management.
type BillingHandler struct {
	deps      BillingDeps
	validator *core.Validator
	logger    *slog.Logger
}

// NewBillingHandler creates a BillingHandler.
func NewBillingHandler(deps BillingDeps, v *core.Validator, l *slog.Logger) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}
	if deps.Verifier == nil {
		deps.Verifier = external.SignatureVerifier{}
	}
	return &BillingHandler{deps: deps, validator: v, logger: l}
}

// RegisterRoutes mounts the billing endpoints.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/billing", func(r chi.Router) {
		checkout := http.Handler(http.HandlerFunc(h.CreateCheckout))
		if h.deps.CheckoutLimit != nil {
			checkout = h.deps.CheckoutLimit(checkout)
		}
		r.Method(http.MethodPost, "/checkout", checkout)
		r.Post("/confirm", h.Confirm)
		r.Post("/failure", h.RecordFailure)
		r.Post("/free", h.SwitchToFree)
		r.Get("/summary", h.Summary)
	})
}

// CheckoutRequest starts a purchase.
type CheckoutRequest struct {
	Plan types.PlanID `json:"plan" validate:"required,paid_plan"`
}

// CheckoutResponse is what the client needs to open the checkout widget.
type CheckoutResponse struct {
	OrderID  string       `json:"order_id"`
	Amount   int64        `json:"amount"`
	Currency string       `json:"currency"`
	KeyID    string       `json:"key_id"`
	Plan     types.PlanID `json:"plan"`
}

// ConfirmRequest is the checkout widget's success callback. Plan must match
// the plan the order was created for; the amount charged is read from the
// order.
type ConfirmRequest struct {
	Plan      types.PlanID `json:"plan" validate:"required,paid_plan"`
	PaymentID string       `json:"payment_id" validate:"required"`
	OrderID   string       `json:"order_id" validate:"required"`
	Signature string       `json:"signature" validate:"required,hexadecimal"`
	Method    string       `json:"method"`
}

// FailureRequest reports a failed checkout attempt.
type FailureRequest struct {
	Plan        types.PlanID `json:"plan" validate:"required,plan_id"`
	PaymentID   string       `json:"payment_id"`
	OrderID     string       `json:"order_id"`
	Amount      int64        `json:"amount" validate:"gte=0"`
	Currency    string       `json:"currency" validate:"omitempty,len=3"`
	Method      string       `json:"method"`
	Code        string       `json:"code" validate:"max=128"`
	Description string       `json:"description" validate:"max=1024"`
}

// SummaryResponse is the billing page payload.
type SummaryResponse struct {
	Subscription *types.SubscriptionRecord `json:"subscription"`
	Payments     []types.PaymentRecord     `json:"payments"`
}

func sessionOrError(w http.ResponseWriter, r *http.Request) (*types.Session, bool) {
	session, ok := types.GetSession(r.Context())
	if !ok || session.UserID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthSessionMissing, "sign in to manage your plan", nil))
		return nil, false
	}
	return session, true
}

// CreateCheckout handles POST /v1/billing/checkout. The order notes carry the
// user id and plan so the webhook can attribute the payment without a
// session.
func (h *BillingHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOrError(w, r)
	if !ok {
		return
	}

	var req CheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if h.deps.Gateway == nil {
		core.Error(w, r, types.ErrNotConfigured)
		return
	}

	def := h.deps.Catalog.Lookup(req.Plan)
	currency := def.Currency
	if currency == "" {
		currency = h.deps.Currency
	}
	notes := map[string]string{
		external.NoteUserID: session.UserID,
		external.NotePlan:   string(req.Plan),
	}
	if session.Email != "" {
		notes[external.NoteEmail] = session.Email
	}

	order, err := h.deps.Gateway.CreateOrder(r.Context(), external.OrderRequest{
		AmountMinor: def.PriceMinor,
		Currency:    currency,
		Receipt:     newReceipt(),
		Notes:       notes,
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "checkout order creation failed",
			"user_id", session.UserID,
			"plan", string(req.Plan),
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "checkout order created",
		"user_id", session.UserID,
		"plan", string(req.Plan),
		"order_id", order.ID,
	)
	core.OK(w, r, CheckoutResponse{
		OrderID:  order.ID,
		Amount:   order.AmountMinor,
		Currency: order.Currency,
		KeyID:    h.deps.Gateway.KeyID(),
		Plan:     req.Plan,
	})
}

// newReceipt returns a receipt id within the gateway's 40 character limit.
func newReceipt() string {
	return "rcpt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// Confirm handles POST /v1/billing/confirm. The checkout signature is
// verified before anything is written. The plan and amount come from the
// gateway order created at checkout, so the result matches what the webhook
// for the same payment would store. A repeat confirmation of the same payment
// answers 200 with duplicate=true.
func (h *BillingHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOrError(w, r)
	if !ok {
		return
	}

	var req ConfirmRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if h.deps.Gateway == nil {
		core.Error(w, r, types.ErrNotConfigured)
		return
	}

	if err := h.deps.Verifier.VerifyCheckout(req.OrderID, req.PaymentID, req.Signature, h.deps.KeySecret.Unmask()); err != nil {
		h.logger.WarnContext(r.Context(), "checkout signature rejected",
			"user_id", session.UserID,
			"payment_id", req.PaymentID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	order, err := h.deps.Gateway.FetchOrder(r.Context(), req.OrderID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "checkout order lookup failed",
			"user_id", session.UserID,
			"order_id", req.OrderID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}
	if err := matchOrder(order, session.UserID, req.Plan); err != nil {
		h.logger.WarnContext(r.Context(), "checkout confirmation does not match order",
			"user_id", session.UserID,
			"order_id", req.OrderID,
			"requested_plan", string(req.Plan),
			"order_plan", order.Notes[external.NotePlan],
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	result, err := h.deps.Mutator.Activate(r.Context(), session, req.Plan, types.PaymentContext{
		GatewayPaymentID: req.PaymentID,
		GatewayOrderID:   order.ID,
		AmountMinor:      order.AmountMinor,
		Currency:         order.Currency,
		Method:           req.Method,
		Status:           types.PaymentCaptured,
		Source:           types.SourceClient,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.OK(w, r, result)
}

// matchOrder checks that order was created at checkout for userID and plan.
func matchOrder(order *external.Order, userID string, plan types.PlanID) error {
	owner := order.Notes[external.NoteUserID]
	orderPlan, ok := billing.ParsePlanID(order.Notes[external.NotePlan])
	if owner == "" || !ok {
		return types.NewAppError(types.ErrCodeValidationMissingUserMeta,
			"order "+order.ID+" was not created by checkout", nil)
	}
	if owner != userID {
		return types.NewAppError(types.ErrCodePermissionDenied, "order belongs to another user", nil)
	}
	if orderPlan != plan {
		return types.NewAppErrorWithDetails(types.ErrCodeConflictPaymentState,
			fmt.Sprintf("order %s was created for plan %q, not %q", order.ID, orderPlan, plan),
			nil,
			map[string]any{"order_plan": string(orderPlan), "requested_plan": string(plan)},
		)
	}
	return nil
}

// RecordFailure handles POST /v1/billing/failure. The subscription is left
// untouched.
func (h *BillingHandler) RecordFailure(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOrError(w, r)
	if !ok {
		return
	}

	var req FailureRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	err := h.deps.Mutator.RecordFailure(r.Context(), session, req.Plan, types.PaymentContext{
		GatewayPaymentID: req.PaymentID,
		GatewayOrderID:   req.OrderID,
		AmountMinor:      req.Amount,
		Currency:         req.Currency,
		Method:           req.Method,
		Status:           types.PaymentFailed,
		Source:           types.SourceClient,
	}, req.Code, req.Description)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.OK(w, r, map[string]bool{"recorded": true})
}

// SwitchToFree handles POST /v1/billing/free.
func (h *BillingHandler) SwitchToFree(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOrError(w, r)
	if !ok {
		return
	}
	if err := h.deps.Mutator.SwitchToFree(r.Context(), session); err != nil {
		core.Error(w, r, err)
		return
	}
	core.OK(w, r, map[string]types.PlanID{"plan": types.PlanFree})
}

// Summary handles GET /v1/billing/summary. The subscription and payment
// history are loaded concurrently.
func (h *BillingHandler) Summary(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOrError(w, r)
	if !ok {
		return
	}
	if h.deps.Subscriptions == nil || h.deps.Payments == nil {
		core.Error(w, r, types.ErrNotConfigured)
		return
	}

	var resp SummaryResponse
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		sub, err := h.deps.Subscriptions.GetSubscription(ctx, session.UserID)
		resp.Subscription = sub
		return err
	})
	g.Go(func() error {
		payments, err := h.deps.Payments.ListPaymentsByUser(ctx, session.UserID, summaryPaymentLimit)
		resp.Payments = payments
		return err
	})
	if err := g.Wait(); err != nil {
		core.Error(w, r, err)
		return
	}
	if resp.Payments == nil {
		resp.Payments = []types.PaymentRecord{}
	}
	core.OK(w, r, resp)
}
