package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"assistantconsole/internal/types"
)

// SubscriptionWriter persists plan changes. Both methods write every plan
// field at once (plan, cycle, start, end, last payment) so racing writers
// never leave a torn row. Neither touches trial_start on an existing row.
type SubscriptionWriter interface {
	UpsertPlan(ctx context.Context, rec *types.SubscriptionRecord) error
	SwitchToFree(ctx context.Context, userID string, at time.Time) error
}

// PaymentWriter appends payment rows. Rows are deduplicated on the gateway
// payment id; inserted is false when the id was already recorded.
type PaymentWriter interface {
	InsertPayment(ctx context.Context, p *types.PaymentRecord) (inserted bool, err error)
	InsertFailedPayment(ctx context.Context, p *types.PaymentRecord) (inserted bool, err error)
	GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*types.PaymentRecord, error)

	// PromoteAuthorized moves an authorized row to captured, together with
	// the subscription's last payment status when it references the row.
	PromoteAuthorized(ctx context.Context, gatewayPaymentID string) (promoted bool, err error)
}

// ActivationRPC is the atomic server-side procedure that records the payment
// and updates the subscription in one transaction. applied is false when the
// payment id had already been recorded.
type ActivationRPC interface {
	ActivatePlan(ctx context.Context, sub *types.SubscriptionRecord, payment *types.PaymentRecord) (applied bool, err error)
}

// EventPublisher publishes billing events after a mutation is stored.
type EventPublisher interface {
	Publish(ctx context.Context, event types.BillingEvent) error
}

// Metrics records billing outcomes.
type Metrics interface {
	RecordActivation(plan types.PlanID, source types.PaymentSource, outcome string)
	RecordPaymentFailure(plan types.PlanID, code string)
}

// Activation outcomes reported to Metrics.
const (
	OutcomeActivated = "activated"
	OutcomeDuplicate = "duplicate"
	OutcomePartial   = "partial"
	OutcomeError     = "error"
)

// ActivationResult describes what Activate stored.
type ActivationResult struct {
	Plan      types.PlanID `json:"plan"`
	PlanStart time.Time    `json:"plan_start"`
	PlanEnd   time.Time    `json:"plan_end"`

	// Duplicate is set when the payment id was already processed; nothing
	// was written and the plan end was not extended.
	Duplicate bool `json:"duplicate"`

	// PartialWrite is set when the fallback path stored the payment but the
	// subscription update failed.
	PartialWrite bool `json:"partial_write,omitempty"`
}

// Mutator applies plan changes to subscription rows.
type Mutator struct {
	subs     SubscriptionWriter
	payments PaymentWriter
	rpc      ActivationRPC
	events   EventPublisher
	metrics  Metrics
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
}

// MutatorOption configures a Mutator.
type MutatorOption func(*Mutator)

// WithMutatorClock overrides the time source.
func WithMutatorClock(now func() time.Time) MutatorOption {
	return func(m *Mutator) { m.now = now }
}

// WithActivationRPC enables the atomic activation path.
func WithActivationRPC(rpc ActivationRPC) MutatorOption {
	return func(m *Mutator) { m.rpc = rpc }
}

// WithEventPublisher attaches a billing event sink.
func WithEventPublisher(p EventPublisher) MutatorOption {
	return func(m *Mutator) { m.events = p }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(metrics Metrics) MutatorOption {
	return func(m *Mutator) { m.metrics = metrics }
}

// NewMutator creates a Mutator. With nil writers every operation returns
// types.ErrNotConfigured.
func NewMutator(subs SubscriptionWriter, payments PaymentWriter, logger *slog.Logger, opts ...MutatorOption) *Mutator {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mutator{
		subs:     subs,
		payments: payments,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mutator) configured() bool {
	return m.subs != nil && m.payments != nil
}

func requireSession(session *types.Session) error {
	if session == nil || session.UserID == "" {
		return types.NewAppError(types.ErrCodeAuthSessionMissing, "sign in to manage your plan", nil)
	}
	return nil
}

// SwitchToFree moves the user to the free plan, clearing the plan period and
// keeping the original trial start.
func (m *Mutator) SwitchToFree(ctx context.Context, session *types.Session) error {
	if err := requireSession(session); err != nil {
		return err
	}
	if !m.configured() {
		return types.ErrNotConfigured
	}

	now := m.now()
	if err := m.subs.SwitchToFree(ctx, session.UserID, now); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to switch to the free plan: "+err.Error(), err)
	}

	m.logger.InfoContext(ctx, "switched to free plan", "user_id", session.UserID)
	m.publish(ctx, types.BillingEvent{
		Type:       types.EventPlanSwitchedFree,
		UserID:     session.UserID,
		Plan:       types.PlanFree,
		OccurredAt: now,
	})
	return nil
}

// Activate records a confirmed payment and moves the user onto plan for one
// plan period starting now. It is idempotent on pc.GatewayPaymentID: a repeat
// confirmation from either ingress path writes nothing and does not extend
// the plan end.
func (m *Mutator) Activate(ctx context.Context, session *types.Session, plan types.PlanID, pc types.PaymentContext) (*ActivationResult, error) {
	if err := requireSession(session); err != nil {
		return nil, err
	}
	if !IsPaid(plan) {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPlan,
			fmt.Sprintf("plan %q cannot be purchased", plan), nil, map[string]any{"plan": string(plan)})
	}
	if pc.GatewayPaymentID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "payment id is required", nil)
	}
	if !m.configured() {
		return nil, types.ErrNotConfigured
	}

	now := m.now()
	end, _ := PlanDuration(plan).AddTo(now)
	status := pc.Status
	if status == "" {
		status = types.PaymentCaptured
	}

	sub := &types.SubscriptionRecord{
		UserID:            session.UserID,
		Plan:              plan,
		BillingCycle:      CycleFor(plan),
		TrialStart:        now,
		PlanStart:         &now,
		NextBillingDate:   &end,
		LastPaymentID:     pc.GatewayPaymentID,
		LastOrderID:       pc.GatewayOrderID,
		LastPaymentAmount: pc.AmountMinor,
		LastPaymentStatus: status,
		UpdatedAt:         now,
	}
	payment := &types.PaymentRecord{
		ID:               m.newID(),
		UserID:           session.UserID,
		Plan:             plan,
		AmountMinor:      pc.AmountMinor,
		Currency:         pc.Currency,
		GatewayPaymentID: pc.GatewayPaymentID,
		GatewayOrderID:   pc.GatewayOrderID,
		Method:           pc.Method,
		Status:           status,
		PeriodStart:      &now,
		PeriodEnd:        &end,
		Source:           pc.Source,
		Metadata:         pc.Metadata,
		CreatedAt:        now,
	}

	log := m.logger.With(
		"user_id", session.UserID,
		"plan", string(plan),
		"payment_id", pc.GatewayPaymentID,
		"source", string(pc.Source),
	)

	result := &ActivationResult{Plan: plan, PlanStart: now, PlanEnd: end}

	if m.rpc != nil {
		applied, err := m.rpc.ActivatePlan(ctx, sub, payment)
		if err == nil {
			if !applied {
				return m.duplicate(ctx, log, pc, result)
			}
			log.InfoContext(ctx, "plan activated", "plan_end", end, "path", "rpc")
			m.afterActivation(ctx, sub, pc, OutcomeActivated)
			return result, nil
		}
		log.WarnContext(ctx, "activation rpc failed, falling back to direct writes", "error", err)
	}

	inserted, err := m.payments.InsertPayment(ctx, payment)
	if err != nil {
		m.recordActivation(plan, pc.Source, OutcomeError)
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to record payment: "+err.Error(), err)
	}
	if !inserted {
		return m.duplicate(ctx, log, pc, result)
	}

	if err := m.subs.UpsertPlan(ctx, sub); err != nil {
		// The gateway already captured the charge; the payment row is the
		// record of truth and Reconcile can replay it.
		log.ErrorContext(ctx, "payment recorded but subscription update failed",
			"error", err,
			"payment_record_id", payment.ID,
		)
		result.PartialWrite = true
		m.recordActivation(plan, pc.Source, OutcomePartial)
		return result, nil
	}

	log.InfoContext(ctx, "plan activated", "plan_end", end, "path", "direct")
	m.afterActivation(ctx, sub, pc, OutcomeActivated)
	return result, nil
}

func (m *Mutator) duplicate(ctx context.Context, log *slog.Logger, pc types.PaymentContext, result *ActivationResult) (*ActivationResult, error) {
	existing, err := m.payments.GetPaymentByGatewayID(ctx, pc.GatewayPaymentID)
	if err != nil {
		log.WarnContext(ctx, "duplicate payment lookup failed", "error", err)
	}
	if existing != nil {
		if existing.Status == types.PaymentFailed {
			m.recordActivation(result.Plan, pc.Source, OutcomeError)
			return nil, types.NewAppError(types.ErrCodeConflictPaymentState,
				"payment "+pc.GatewayPaymentID+" was recorded as failed", nil)
		}
		if existing.Status == types.PaymentAuthorized && pc.Status == types.PaymentCaptured {
			promoted, err := m.payments.PromoteAuthorized(ctx, pc.GatewayPaymentID)
			if err != nil {
				log.WarnContext(ctx, "authorized payment promotion failed", "error", err)
			} else if promoted {
				log.InfoContext(ctx, "authorized payment marked captured")
			}
		}
		if existing.PeriodStart != nil {
			result.PlanStart = *existing.PeriodStart
		}
		if existing.PeriodEnd != nil {
			result.PlanEnd = *existing.PeriodEnd
		}
		result.Plan = existing.Plan
	}
	result.Duplicate = true
	log.InfoContext(ctx, "duplicate payment confirmation ignored")
	m.recordActivation(result.Plan, pc.Source, OutcomeDuplicate)
	return result, nil
}

func (m *Mutator) afterActivation(ctx context.Context, sub *types.SubscriptionRecord, pc types.PaymentContext, outcome string) {
	m.recordActivation(sub.Plan, pc.Source, outcome)
	m.publish(ctx, types.BillingEvent{
		Type:             types.EventPlanActivated,
		UserID:           sub.UserID,
		Plan:             sub.Plan,
		GatewayPaymentID: pc.GatewayPaymentID,
		PlanEnd:          sub.NextBillingDate,
		OccurredAt:       sub.UpdatedAt,
	})
}

// RecordFailure appends a failed payment row. The subscription is never
// modified.
func (m *Mutator) RecordFailure(ctx context.Context, session *types.Session, plan types.PlanID, pc types.PaymentContext, code, reason string) error {
	if err := requireSession(session); err != nil {
		return err
	}
	if !m.configured() {
		return types.ErrNotConfigured
	}

	now := m.now()
	payment := &types.PaymentRecord{
		ID:               m.newID(),
		UserID:           session.UserID,
		Plan:             plan,
		AmountMinor:      pc.AmountMinor,
		Currency:         pc.Currency,
		GatewayPaymentID: pc.GatewayPaymentID,
		GatewayOrderID:   pc.GatewayOrderID,
		Method:           pc.Method,
		Status:           types.PaymentFailed,
		FailureCode:      code,
		FailureReason:    reason,
		Source:           pc.Source,
		Metadata:         pc.Metadata,
		CreatedAt:        now,
	}

	inserted, err := m.payments.InsertFailedPayment(ctx, payment)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record payment failure: "+err.Error(), err)
	}

	m.logger.InfoContext(ctx, "payment failure recorded",
		"user_id", session.UserID,
		"plan", string(plan),
		"payment_id", pc.GatewayPaymentID,
		"failure_code", code,
		"duplicate", !inserted,
	)
	if !inserted {
		return nil
	}

	if m.metrics != nil {
		m.metrics.RecordPaymentFailure(plan, code)
	}
	m.publish(ctx, types.BillingEvent{
		Type:             types.EventPaymentFailed,
		UserID:           session.UserID,
		Plan:             plan,
		GatewayPaymentID: pc.GatewayPaymentID,
		OccurredAt:       now,
	})
	return nil
}

// Reconcile re-applies the subscription update for an already recorded
// captured payment, using the period stored on the payment row.
func (m *Mutator) Reconcile(ctx context.Context, gatewayPaymentID string) (*ActivationResult, error) {
	if !m.configured() {
		return nil, types.ErrNotConfigured
	}

	p, err := m.payments.GetPaymentByGatewayID(ctx, gatewayPaymentID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load payment: "+err.Error(), err)
	}
	if p == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundPayment, "payment "+gatewayPaymentID+" not found", nil)
	}
	if p.Status == types.PaymentFailed || p.PeriodStart == nil || p.PeriodEnd == nil {
		return nil, types.NewAppError(types.ErrCodeConflictPaymentState,
			"payment "+gatewayPaymentID+" did not activate a plan", nil)
	}

	sub := &types.SubscriptionRecord{
		UserID:            p.UserID,
		Plan:              p.Plan,
		BillingCycle:      CycleFor(p.Plan),
		TrialStart:        *p.PeriodStart,
		PlanStart:         p.PeriodStart,
		NextBillingDate:   p.PeriodEnd,
		LastPaymentID:     p.GatewayPaymentID,
		LastOrderID:       p.GatewayOrderID,
		LastPaymentAmount: p.AmountMinor,
		LastPaymentStatus: p.Status,
		UpdatedAt:         m.now(),
	}
	if err := m.subs.UpsertPlan(ctx, sub); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription: "+err.Error(), err)
	}

	m.logger.InfoContext(ctx, "subscription reconciled from payment",
		"user_id", p.UserID,
		"plan", string(p.Plan),
		"payment_id", gatewayPaymentID,
	)
	m.recordActivation(p.Plan, types.SourceAdmin, OutcomeActivated)
	return &ActivationResult{Plan: p.Plan, PlanStart: *p.PeriodStart, PlanEnd: *p.PeriodEnd}, nil
}

func (m *Mutator) recordActivation(plan types.PlanID, source types.PaymentSource, outcome string) {
	if m.metrics != nil {
		m.metrics.RecordActivation(plan, source, outcome)
	}
}

func (m *Mutator) publish(ctx context.Context, event types.BillingEvent) {
	if m.events == nil {
		return
	}
	event.ID = m.newID()
	if err := m.events.Publish(ctx, event); err != nil {
		m.logger.WarnContext(ctx, "failed to publish billing event",
			"event_type", string(event.Type),
			"user_id", event.UserID,
			"error", err,
		)
	}
}
