// Package entitlement derives a user's point-in-time entitlement from their
// subscription row and answers whether a metered action may run.
package entitlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"assistantconsole/internal/billing"
	"assistantconsole/internal/types"
	"assistantconsole/internal/usage"
)

// SubscriptionStore is the subset of the subscription repository the
// resolver reads through.
type SubscriptionStore interface {
	// GetSubscription returns nil, nil when the user has no row yet.
	GetSubscription(ctx context.Context, userID string) (*types.SubscriptionRecord, error)

	// CreateSubscription inserts rec unless a row already exists, and returns
	// the row that is stored afterwards.
	CreateSubscription(ctx context.Context, rec *types.SubscriptionRecord) (*types.SubscriptionRecord, error)
}

// DecisionRecorder observes entitlement decisions. Optional.
type DecisionRecorder interface {
	RecordDecision(plan types.PlanID, action types.ActionKind, code types.DenialCode)
}

// Resolver computes EntitlementState and Decisions.
type Resolver struct {
	store   SubscriptionStore
	catalog billing.Catalog
	metrics DecisionRecorder
	now     func() time.Time
	logger  *slog.Logger
	group   singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithDecisionRecorder attaches a metrics sink for decisions.
func WithDecisionRecorder(m DecisionRecorder) Option {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a Resolver. A nil store puts the resolver in
// not-configured mode: every user resolves to the safe free default.
func NewResolver(store SubscriptionStore, catalog billing.Catalog, logger *slog.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if catalog == nil {
		catalog = billing.NewStaticCatalog()
	}
	r := &Resolver{
		store:   store,
		catalog: catalog,
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// sharedResolveTimeout bounds the backend round trip shared by concurrent
// callers.
const sharedResolveTimeout = 5 * time.Second

// Resolve loads (or auto-provisions) the user's subscription and derives the
// entitlement state. It never fails: read errors produce a safe free-plan
// default flagged as Degraded. Concurrent calls for the same user share one
// backend round trip.
func (r *Resolver) Resolve(ctx context.Context, userID string) types.EntitlementState {
	// The shared call outlives any single caller; each caller still stops
	// waiting when its own ctx ends.
	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(userID, func() (any, error) {
		ctx, cancel := context.WithTimeout(shared, sharedResolveTimeout)
		defer cancel()
		return r.resolve(ctx, userID), nil
	})
	select {
	case res := <-ch:
		return res.Val.(types.EntitlementState)
	case <-ctx.Done():
		r.logger.WarnContext(ctx, "entitlement resolve abandoned, using safe default",
			"user_id", userID,
			"error", ctx.Err(),
		)
		return r.safeDefault(userID, r.now())
	}
}

func (r *Resolver) resolve(ctx context.Context, userID string) types.EntitlementState {
	now := r.now()

	if r.store == nil {
		return r.safeDefault(userID, now)
	}

	rec, err := r.store.GetSubscription(ctx, userID)
	if err != nil {
		r.logger.WarnContext(ctx, "subscription read failed, using safe default",
			"user_id", userID,
			"error", err,
		)
		return r.safeDefault(userID, now)
	}

	if rec == nil {
		rec, err = r.store.CreateSubscription(ctx, &types.SubscriptionRecord{
			UserID:       userID,
			Plan:         types.PlanFree,
			BillingCycle: types.CycleNone,
			TrialStart:   now,
		})
		if err != nil || rec == nil {
			r.logger.WarnContext(ctx, "subscription auto-provision failed, using safe default",
				"user_id", userID,
				"error", err,
			)
			return r.safeDefault(userID, now)
		}
		r.logger.InfoContext(ctx, "provisioned free subscription", "user_id", userID)
	}

	return r.Derive(rec, now)
}

func (r *Resolver) safeDefault(userID string, now time.Time) types.EntitlementState {
	return types.EntitlementState{
		UserID:        userID,
		Plan:          types.PlanFree,
		BillingCycle:  types.CycleNone,
		TrialStart:    now,
		IsTrialActive: true,
		Degraded:      true,
	}
}

// Derive computes the state for rec at instant now. It is pure.
func (r *Resolver) Derive(rec *types.SubscriptionRecord, now time.Time) types.EntitlementState {
	def := r.catalog.Lookup(rec.Plan)
	plan := def.ID

	st := types.EntitlementState{
		UserID:       rec.UserID,
		Plan:         plan,
		BillingCycle: billing.CycleFor(plan),
		TrialStart:   rec.TrialStart,
		PlanEnd:      rec.NextBillingDate,
	}

	switch {
	case billing.IsTrialPlan(plan):
		// Exactly TrialDays elapsed is still inside the trial.
		trial := time.Duration(def.TrialDays) * 24 * time.Hour
		st.IsTrialExpired = now.Sub(rec.TrialStart) > trial
	case billing.IsTimedPass(plan):
		st.IsTimedPassExpired = rec.NextBillingDate != nil && now.After(*rec.NextBillingDate)
	default:
		st.IsPlanExpired = rec.NextBillingDate != nil && now.After(*rec.NextBillingDate)
	}

	st.IsExpired = st.IsTrialExpired || st.IsTimedPassExpired || st.IsPlanExpired
	st.IsTrialActive = billing.IsTrialPlan(plan) && !st.IsTrialExpired
	return st
}

// CanPerformAction decides whether action may run. Expiry is checked before
// quota, so an expired account is refused regardless of remaining use.
func (r *Resolver) CanPerformAction(state types.EntitlementState, counters types.DailyUsageCounters, action types.ActionKind) types.Decision {
	d := r.decide(state, counters, action)
	if r.metrics != nil {
		r.metrics.RecordDecision(state.Plan, action, d.Code)
	}
	return d
}

func (r *Resolver) decide(state types.EntitlementState, counters types.DailyUsageCounters, action types.ActionKind) types.Decision {
	if state.IsExpired {
		return expiredDecision(state, r.catalog.Lookup(state.Plan))
	}

	quota := r.catalog.QuotaFor(state.Plan, action)
	if quota.IsUnlimited() {
		return types.Decision{Allowed: true}
	}

	if counters.Used(action) >= int(quota) {
		return types.Decision{
			Code: types.DenialDailyLimit,
			Reason: fmt.Sprintf("Daily limit of %d %s reached on the %s plan. It resets at midnight, or upgrade for a higher limit.",
				int(quota), actionNoun(action), r.catalog.Lookup(state.Plan).DisplayName),
		}
	}
	return types.Decision{Allowed: true}
}

func expiredDecision(state types.EntitlementState, def types.PlanDefinition) types.Decision {
	switch {
	case state.IsTrialExpired:
		return types.Decision{
			Code:   types.DenialTrialExpired,
			Reason: fmt.Sprintf("Your %d-day free trial has expired. Upgrade to a paid plan to keep using the assistant.", def.TrialDays),
		}
	case state.IsTimedPassExpired && state.Plan == types.PlanTestPass:
		return types.Decision{
			Code:   types.DenialHourPassExpired,
			Reason: "Your 1-hour pass has expired. Buy another pass or choose a plan to continue.",
		}
	case state.IsTimedPassExpired:
		return types.Decision{
			Code:   types.DenialDayPassExpired,
			Reason: "Your 24-hour day pass has expired. Buy another day pass or choose a plan to continue.",
		}
	default:
		reason := fmt.Sprintf("Your %s plan has expired. Renew it to continue.", def.DisplayName)
		if state.PlanEnd != nil {
			reason = fmt.Sprintf("Your %s plan expired on %s. Renew it to continue.",
				def.DisplayName, state.PlanEnd.Format("2 Jan 2006"))
		}
		return types.Decision{Code: types.DenialPlanExpired, Reason: reason}
	}
}

// Remaining returns today's remaining allowance for action, or nil when the
// plan's quota is unlimited.
func (r *Resolver) Remaining(state types.EntitlementState, counters types.DailyUsageCounters, action types.ActionKind) *int {
	return usage.Remaining(counters, action, r.catalog.QuotaFor(state.Plan, action))
}

// Check resolves the user first and then evaluates action against the fresh
// state, so a decision is never made on absent entitlement data.
func (r *Resolver) Check(ctx context.Context, userID string, counters types.DailyUsageCounters, action types.ActionKind) (types.EntitlementState, types.Decision) {
	state := r.Resolve(ctx, userID)
	return state, r.CanPerformAction(state, counters, action)
}

func actionNoun(action types.ActionKind) string {
	switch action {
	case types.ActionChatMessage:
		return "chat messages"
	case types.ActionVoiceCommand:
		return "voice commands"
	case types.ActionScreenCapture:
		return "screen captures"
	case types.ActionReminderCreate:
		return "reminders"
	case types.ActionFileAnalysis:
		return "file analyses"
	default:
		return string(action)
	}
}
