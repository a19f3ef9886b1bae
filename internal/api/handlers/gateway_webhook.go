package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"assistantconsole/internal/billing"
	"assistantconsole/internal/core"
	"assistantconsole/internal/external"
	"assistantconsole/internal/telemetry"
	"assistantconsole/internal/types"
)

// maxWebhookBodySize caps webhook payloads. Gateway events are a few KB.
const maxWebhookBodySize = 64 * 1024

// SignatureHeader carries the hex HMAC of the raw webhook body.
const SignatureHeader = "X-Razorpay-Signature"

// WebhookMutator is the subset of the billing mutator the webhook drives.
type WebhookMutator interface {
	Activate(ctx context.Context, session *types.Session, plan types.PlanID, pc types.PaymentContext) (*billing.ActivationResult, error)
	RecordFailure(ctx context.Context, session *types.Session, plan types.PlanID, pc types.PaymentContext, code, reason string) error
}

// WebhookRecorder counts webhook outcomes. Optional.
type WebhookRecorder interface {
	RecordWebhook(event, outcome string)
}

// GatewayWebhookHandler receives payment events from the gateway. It is the
// server-side confirmation path and works even when the client never
// returns from checkout.
type GatewayWebhookHandler struct {
	mutator  WebhookMutator
	verifier external.WebhookVerifier
	secret   types.SecretString
	metrics  WebhookRecorder
	logger   *slog.Logger
}

// NewGatewayWebhookHandler creates a GatewayWebhookHandler.
func NewGatewayWebhookHandler(
	mutator WebhookMutator,
	verifier external.WebhookVerifier,
	secret types.SecretString,
	metrics WebhookRecorder,
	l *slog.Logger,
) *GatewayWebhookHandler {
	if l == nil {
		l = slog.Default()
	}
	if verifier == nil {
		verifier = external.SignatureVerifier{}
	}
	if metrics == nil {
		metrics = telemetry.Nop{}
	}
	return &GatewayWebhookHandler{
		mutator:  mutator,
		verifier: verifier,
		secret:   secret,
		metrics:  metrics,
		logger:   l,
	}
}

// RegisterRoutes mounts the unauthenticated webhook endpoint.
func (h *GatewayWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/razorpay", h.Handle)
}

// Handle processes POST /webhooks/razorpay.
//
// Flow:
//  1. Read the raw body (64KB cap). The signature covers these exact bytes.
//  2. Verify the signature header. Nothing is written on failure.
//  3. Parse the event and require notes.user_id.
//  4. Route captured/authorized to Activate and failed to RecordFailure.
//
// Write failures answer 500 so the gateway re-delivers; activation is
// idempotent on the payment id.
func (h *GatewayWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.metrics.RecordWebhook("unknown", telemetry.WebhookRejected)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationWebhookPayload, "webhook payload too large", err))
			return
		}
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationWebhookPayload, "failed to read webhook payload", err))
		return
	}

	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		h.logger.WarnContext(r.Context(), "webhook missing signature header")
		h.metrics.RecordWebhook("unknown", telemetry.WebhookRejected)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationSignatureMissing, "missing "+SignatureHeader+" header", nil))
		return
	}

	if err := h.verifier.VerifyWebhook(payload, signature, h.secret.Unmask()); err != nil {
		if errors.Is(err, types.ErrNotConfigured) {
			h.logger.ErrorContext(r.Context(), "webhook received but no webhook secret is configured")
			core.Error(w, r, err)
			return
		}
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		h.metrics.RecordWebhook("unknown", telemetry.WebhookSignatureInvalid)
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthSignatureInvalid, "invalid webhook signature", err))
		return
	}

	var event external.WebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.WarnContext(r.Context(), "webhook payload is not valid JSON", "error", err)
		h.metrics.RecordWebhook("unknown", telemetry.WebhookRejected)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationWebhookPayload, "invalid webhook payload", err))
		return
	}

	log := h.logger.With("event", event.Event, "payment_id", event.Payload.Payment.Entity.ID)

	switch event.Event {
	case external.EventPaymentCaptured, external.EventPaymentAuthorized, external.EventPaymentFailed:
	default:
		log.InfoContext(r.Context(), "ignoring unhandled webhook event")
		h.metrics.RecordWebhook(event.Event, telemetry.WebhookIgnored)
		h.writeSuccess(w, r)
		return
	}

	entity := event.Payload.Payment.Entity
	userID := entity.Notes[external.NoteUserID]
	if userID == "" {
		log.WarnContext(r.Context(), "webhook payment has no user_id note")
		h.metrics.RecordWebhook(event.Event, telemetry.WebhookRejected)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingUserMeta, "payment notes carry no user_id", nil))
		return
	}

	if err := h.routeEvent(r.Context(), event.Event, entity, userID); err != nil {
		log.ErrorContext(r.Context(), "webhook processing failed", "user_id", userID, "error", err)
		h.metrics.RecordWebhook(event.Event, telemetry.WebhookFailed)
		core.Error(w, r, err)
		return
	}

	h.metrics.RecordWebhook(event.Event, telemetry.WebhookProcessed)
	h.writeSuccess(w, r)
}

func (h *GatewayWebhookHandler) routeEvent(ctx context.Context, name string, entity external.PaymentEntity, userID string) error {
	session := &types.Session{UserID: userID, Email: entity.Notes[external.NoteEmail]}
	if session.Email == "" {
		session.Email = entity.Email
	}
	plan := types.PlanID(entity.Notes[external.NotePlan])

	pc := types.PaymentContext{
		GatewayPaymentID: entity.ID,
		GatewayOrderID:   entity.OrderID,
		AmountMinor:      entity.AmountMinor,
		Currency:         entity.Currency,
		Method:           entity.Method,
		Source:           types.SourceWebhook,
		Metadata:         map[string]any{"event": name},
	}

	switch name {
	case external.EventPaymentFailed:
		pc.Status = types.PaymentFailed
		return h.mutator.RecordFailure(ctx, session, plan, pc, entity.ErrorCode, entity.ErrorDescription)
	case external.EventPaymentAuthorized:
		pc.Status = types.PaymentAuthorized
	default:
		pc.Status = types.PaymentCaptured
	}

	result, err := h.mutator.Activate(ctx, session, plan, pc)
	if err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "webhook activation applied",
		"user_id", userID,
		"plan", string(result.Plan),
		"duplicate", result.Duplicate,
		"partial_write", result.PartialWrite,
	)
	return nil
}

func (h *GatewayWebhookHandler) writeSuccess(w http.ResponseWriter, r *http.Request) {
	core.JSON(w, r, http.StatusOK, map[string]bool{"success": true})
}
