package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistantconsole/internal/types"
)

// fakeLedger is an in-memory subscription and payment store that follows the
// same dedupe rules as the Postgres repositories.
type fakeLedger struct {
	mu       sync.Mutex
	subs     map[string]*types.SubscriptionRecord
	payments map[string]*types.PaymentRecord

	upsertErr error
	insertErr error
	freeErr   error

	upserts int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		subs:     make(map[string]*types.SubscriptionRecord),
		payments: make(map[string]*types.PaymentRecord),
	}
}

func (f *fakeLedger) UpsertPlan(_ context.Context, rec *types.SubscriptionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts++
	cp := *rec
	if existing, ok := f.subs[rec.UserID]; ok {
		cp.TrialStart = existing.TrialStart
	}
	f.subs[rec.UserID] = &cp
	return nil
}

func (f *fakeLedger) SwitchToFree(_ context.Context, userID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.freeErr != nil {
		return f.freeErr
	}
	rec, ok := f.subs[userID]
	if !ok {
		rec = &types.SubscriptionRecord{UserID: userID, TrialStart: at}
		f.subs[userID] = rec
	}
	rec.Plan = types.PlanFree
	rec.BillingCycle = types.CycleNone
	rec.PlanStart = nil
	rec.NextBillingDate = nil
	rec.UpdatedAt = at
	return nil
}

func (f *fakeLedger) insert(p *types.PaymentRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return false, f.insertErr
	}
	if p.GatewayPaymentID != "" {
		if _, dup := f.payments[p.GatewayPaymentID]; dup {
			return false, nil
		}
	}
	cp := *p
	key := p.GatewayPaymentID
	if key == "" {
		key = "anon-" + p.ID
	}
	f.payments[key] = &cp
	return true, nil
}

func (f *fakeLedger) InsertPayment(_ context.Context, p *types.PaymentRecord) (bool, error) {
	return f.insert(p)
}

func (f *fakeLedger) InsertFailedPayment(_ context.Context, p *types.PaymentRecord) (bool, error) {
	return f.insert(p)
}

func (f *fakeLedger) GetPaymentByGatewayID(_ context.Context, id string) (*types.PaymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.payments[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeLedger) PromoteAuthorized(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok || p.Status != types.PaymentAuthorized {
		return false, nil
	}
	p.Status = types.PaymentCaptured
	if rec, ok := f.subs[p.UserID]; ok && rec.LastPaymentID == id {
		rec.LastPaymentStatus = types.PaymentCaptured
	}
	return true, nil
}

func (f *fakeLedger) sub(userID string) *types.SubscriptionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[userID]
}

// fakeRPC performs the activation against a fakeLedger atomically.
type fakeRPC struct {
	ledger *fakeLedger
	err    error
	calls  int
}

func (r *fakeRPC) ActivatePlan(ctx context.Context, sub *types.SubscriptionRecord, p *types.PaymentRecord) (bool, error) {
	r.calls++
	if r.err != nil {
		return false, r.err
	}
	inserted, err := r.ledger.InsertPayment(ctx, p)
	if err != nil || !inserted {
		return false, err
	}
	return true, r.ledger.UpsertPlan(ctx, sub)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []types.BillingEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e types.BillingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

type recordingMetrics struct {
	outcomes []string
	failures []string
}

func (m *recordingMetrics) RecordActivation(_ types.PlanID, _ types.PaymentSource, outcome string) {
	m.outcomes = append(m.outcomes, outcome)
}

func (m *recordingMetrics) RecordPaymentFailure(_ types.PlanID, code string) {
	m.failures = append(m.failures, code)
}

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func session() *types.Session {
	return &types.Session{UserID: "user-1", Email: "u@example.com"}
}

func captured(id string) types.PaymentContext {
	return types.PaymentContext{
		GatewayPaymentID: id,
		GatewayOrderID:   "order_" + id,
		AmountMinor:      49900,
		Currency:         "INR",
		Method:           "upi",
		Status:           types.PaymentCaptured,
		Source:           types.SourceClient,
	}
}

func appCode(t *testing.T, err error) types.ErrorCode {
	t.Helper()
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr), "expected AppError, got %T: %v", err, err)
	return appErr.Code
}

func TestActivate_RPCPath(t *testing.T) {
	ledger := newFakeLedger()
	rpc := &fakeRPC{ledger: ledger}
	pub := &recordingPublisher{}
	m := NewMutator(ledger, ledger, nil,
		WithMutatorClock(func() time.Time { return t0 }),
		WithActivationRPC(rpc),
		WithEventPublisher(pub),
	)

	res, err := m.Activate(context.Background(), session(), types.PlanPro, captured("pay_1"))
	require.NoError(t, err)

	assert.False(t, res.Duplicate)
	assert.Equal(t, t0.AddDate(0, 1, 0), res.PlanEnd)
	assert.Equal(t, 1, rpc.calls)

	sub := ledger.sub("user-1")
	require.NotNil(t, sub)
	assert.Equal(t, types.PlanPro, sub.Plan)
	assert.Equal(t, types.CycleMonthly, sub.BillingCycle)
	assert.Equal(t, "pay_1", sub.LastPaymentID)

	require.Len(t, pub.events, 1)
	assert.Equal(t, types.EventPlanActivated, pub.events[0].Type)
	assert.NotEmpty(t, pub.events[0].ID)
}

func TestActivate_IdempotentOnPaymentID(t *testing.T) {
	for _, withRPC := range []bool{true, false} {
		ledger := newFakeLedger()
		now := t0
		metrics := &recordingMetrics{}
		opts := []MutatorOption{WithMutatorClock(func() time.Time { return now }), WithMetrics(metrics)}
		if withRPC {
			opts = append(opts, WithActivationRPC(&fakeRPC{ledger: ledger}))
		}
		m := NewMutator(ledger, ledger, nil, opts...)

		first, err := m.Activate(context.Background(), session(), types.PlanDayPass, captured("pay_dup"))
		require.NoError(t, err)

		// The webhook for the same payment arrives an hour later.
		now = t0.Add(time.Hour)
		pc := captured("pay_dup")
		pc.Source = types.SourceWebhook
		second, err := m.Activate(context.Background(), session(), types.PlanDayPass, pc)
		require.NoError(t, err)

		assert.True(t, second.Duplicate, "rpc=%v", withRPC)
		assert.Equal(t, first.PlanEnd, second.PlanEnd, "rpc=%v", withRPC)
		assert.Equal(t, first.PlanEnd, *ledger.sub("user-1").NextBillingDate, "rpc=%v", withRPC)
		assert.Len(t, ledger.payments, 1)
		assert.Equal(t, []string{OutcomeActivated, OutcomeDuplicate}, metrics.outcomes)
	}
}

func TestActivate_FallbackWhenRPCFails(t *testing.T) {
	ledger := newFakeLedger()
	rpc := &fakeRPC{ledger: ledger, err: errors.New("function activate_plan does not exist")}
	m := NewMutator(ledger, ledger, nil,
		WithMutatorClock(func() time.Time { return t0 }),
		WithActivationRPC(rpc),
	)

	res, err := m.Activate(context.Background(), session(), types.PlanWeekly, captured("pay_fb"))
	require.NoError(t, err)

	assert.False(t, res.PartialWrite)
	assert.Equal(t, t0.Add(7*24*time.Hour), res.PlanEnd)
	assert.Equal(t, types.PlanWeekly, ledger.sub("user-1").Plan)
	assert.Contains(t, ledger.payments, "pay_fb")
}

func TestActivate_PartialWriteIsReported(t *testing.T) {
	ledger := newFakeLedger()
	ledger.upsertErr = errors.New("connection reset")
	metrics := &recordingMetrics{}
	m := NewMutator(ledger, ledger, nil,
		WithMutatorClock(func() time.Time { return t0 }),
		WithMetrics(metrics),
	)

	res, err := m.Activate(context.Background(), session(), types.PlanPro, captured("pay_partial"))
	require.NoError(t, err)
	assert.True(t, res.PartialWrite)
	assert.Contains(t, ledger.payments, "pay_partial")
	assert.Nil(t, ledger.sub("user-1"))
	assert.Equal(t, []string{OutcomePartial}, metrics.outcomes)

	// Reconcile replays the stored period once the database recovers.
	ledger.upsertErr = nil
	rec, err := m.Reconcile(context.Background(), "pay_partial")
	require.NoError(t, err)
	assert.Equal(t, res.PlanEnd, rec.PlanEnd)
	assert.Equal(t, types.PlanPro, ledger.sub("user-1").Plan)
}

func TestActivate_PaymentInsertFailure(t *testing.T) {
	ledger := newFakeLedger()
	ledger.insertErr = errors.New("timeout")
	m := NewMutator(ledger, ledger, nil)

	_, err := m.Activate(context.Background(), session(), types.PlanPro, captured("pay_x"))
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeInternalDB, appCode(t, err))
	assert.Zero(t, ledger.upserts)
}

func TestActivate_Validation(t *testing.T) {
	ledger := newFakeLedger()
	m := NewMutator(ledger, ledger, nil)
	ctx := context.Background()

	_, err := m.Activate(ctx, nil, types.PlanPro, captured("p"))
	assert.Equal(t, types.ErrCodeAuthSessionMissing, appCode(t, err))

	_, err = m.Activate(ctx, &types.Session{}, types.PlanPro, captured("p"))
	assert.Equal(t, types.ErrCodeAuthSessionMissing, appCode(t, err))

	_, err = m.Activate(ctx, session(), types.PlanFree, captured("p"))
	assert.Equal(t, types.ErrCodeValidationInvalidPlan, appCode(t, err))

	_, err = m.Activate(ctx, session(), types.PlanPro, types.PaymentContext{})
	assert.Equal(t, types.ErrCodeValidationMissingField, appCode(t, err))

	assert.Empty(t, ledger.payments)
	assert.Empty(t, ledger.subs)
}

func TestActivate_FailedPaymentIDConflicts(t *testing.T) {
	ledger := newFakeLedger()
	m := NewMutator(ledger, ledger, nil, WithMutatorClock(func() time.Time { return t0 }))
	ctx := context.Background()

	require.NoError(t, m.RecordFailure(ctx, session(), types.PlanPro, captured("pay_f"), "BAD_REQUEST_ERROR", "card declined"))

	_, err := m.Activate(ctx, session(), types.PlanPro, captured("pay_f"))
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeConflictPaymentState, appCode(t, err))
	assert.Nil(t, ledger.sub("user-1"))
}

func TestActivate_CapturedAfterAuthorizedPromotesStatus(t *testing.T) {
	for _, withRPC := range []bool{true, false} {
		ledger := newFakeLedger()
		now := t0
		opts := []MutatorOption{WithMutatorClock(func() time.Time { return now })}
		if withRPC {
			opts = append(opts, WithActivationRPC(&fakeRPC{ledger: ledger}))
		}
		m := NewMutator(ledger, ledger, nil, opts...)
		ctx := context.Background()

		auth := captured("pay_auth")
		auth.Status = types.PaymentAuthorized
		auth.Source = types.SourceWebhook
		first, err := m.Activate(ctx, session(), types.PlanPro, auth)
		require.NoError(t, err)
		assert.Equal(t, types.PaymentAuthorized, ledger.sub("user-1").LastPaymentStatus)

		now = t0.Add(time.Minute)
		capt := captured("pay_auth")
		capt.Source = types.SourceWebhook
		second, err := m.Activate(ctx, session(), types.PlanPro, capt)
		require.NoError(t, err)

		assert.True(t, second.Duplicate, "rpc=%v", withRPC)
		assert.Equal(t, first.PlanEnd, second.PlanEnd, "rpc=%v", withRPC)
		assert.Equal(t, types.PaymentCaptured, ledger.sub("user-1").LastPaymentStatus, "rpc=%v", withRPC)
		p, _ := ledger.GetPaymentByGatewayID(ctx, "pay_auth")
		assert.Equal(t, types.PaymentCaptured, p.Status)
		assert.Len(t, ledger.payments, 1)
	}
}

func TestActivate_AuthorizedAfterCapturedKeepsCaptured(t *testing.T) {
	ledger := newFakeLedger()
	m := NewMutator(ledger, ledger, nil, WithMutatorClock(func() time.Time { return t0 }))
	ctx := context.Background()

	_, err := m.Activate(ctx, session(), types.PlanPro, captured("pay_c"))
	require.NoError(t, err)

	late := captured("pay_c")
	late.Status = types.PaymentAuthorized
	res, err := m.Activate(ctx, session(), types.PlanPro, late)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, types.PaymentCaptured, ledger.sub("user-1").LastPaymentStatus)
}

func TestNotConfigured(t *testing.T) {
	m := NewMutator(nil, nil, nil)
	ctx := context.Background()

	_, err := m.Activate(ctx, session(), types.PlanPro, captured("p"))
	assert.ErrorIs(t, err, types.ErrNotConfigured)
	assert.ErrorIs(t, m.SwitchToFree(ctx, session()), types.ErrNotConfigured)
	assert.ErrorIs(t, m.RecordFailure(ctx, session(), types.PlanPro, captured("p"), "", ""), types.ErrNotConfigured)
	_, err = m.Reconcile(ctx, "p")
	assert.ErrorIs(t, err, types.ErrNotConfigured)

	// A missing session is reported before configuration.
	assert.Equal(t, types.ErrCodeAuthSessionMissing, appCode(t, m.SwitchToFree(ctx, nil)))
}

func TestSwitchToFree_KeepsTrialStart(t *testing.T) {
	ledger := newFakeLedger()
	pub := &recordingPublisher{err: errors.New("queue down")}
	now := t0
	m := NewMutator(ledger, ledger, nil,
		WithMutatorClock(func() time.Time { return now }),
		WithEventPublisher(pub),
	)
	ctx := context.Background()

	_, err := m.Activate(ctx, session(), types.PlanPro, captured("pay_1"))
	require.NoError(t, err)
	trialStart := ledger.sub("user-1").TrialStart

	now = t0.Add(48 * time.Hour)
	require.NoError(t, m.SwitchToFree(ctx, session()))

	sub := ledger.sub("user-1")
	assert.Equal(t, types.PlanFree, sub.Plan)
	assert.Nil(t, sub.NextBillingDate)
	assert.Nil(t, sub.PlanStart)
	assert.Equal(t, trialStart, sub.TrialStart)

	// Publish failures never fail the mutation.
	require.Len(t, pub.events, 2)
	assert.Equal(t, types.EventPlanSwitchedFree, pub.events[1].Type)
}

func TestSwitchToFree_StoreError(t *testing.T) {
	ledger := newFakeLedger()
	ledger.freeErr = errors.New("boom")
	m := NewMutator(ledger, ledger, nil)

	err := m.SwitchToFree(context.Background(), session())
	assert.Equal(t, types.ErrCodeInternalDB, appCode(t, err))
}

func TestRecordFailure_NeverTouchesSubscription(t *testing.T) {
	ledger := newFakeLedger()
	metrics := &recordingMetrics{}
	pub := &recordingPublisher{}
	m := NewMutator(ledger, ledger, nil,
		WithMutatorClock(func() time.Time { return t0 }),
		WithMetrics(metrics),
		WithEventPublisher(pub),
	)
	ctx := context.Background()

	pc := captured("pay_fail")
	pc.Source = types.SourceWebhook
	require.NoError(t, m.RecordFailure(ctx, session(), types.PlanPro, pc, "GATEWAY_ERROR", "bank timeout"))
	// Redelivery is a no-op.
	require.NoError(t, m.RecordFailure(ctx, session(), types.PlanPro, pc, "GATEWAY_ERROR", "bank timeout"))

	p := ledger.payments["pay_fail"]
	require.NotNil(t, p)
	assert.Equal(t, types.PaymentFailed, p.Status)
	assert.Equal(t, "GATEWAY_ERROR", p.FailureCode)
	assert.Equal(t, "bank timeout", p.FailureReason)
	assert.Nil(t, p.PeriodEnd)

	assert.Empty(t, ledger.subs)
	assert.Equal(t, []string{"GATEWAY_ERROR"}, metrics.failures)
	require.Len(t, pub.events, 1)
	assert.Equal(t, types.EventPaymentFailed, pub.events[0].Type)
}

func TestRecordFailure_WithoutPaymentID(t *testing.T) {
	ledger := newFakeLedger()
	m := NewMutator(ledger, ledger, nil)
	ctx := context.Background()

	require.NoError(t, m.RecordFailure(ctx, session(), types.PlanPro, types.PaymentContext{Source: types.SourceClient}, "", "dismissed"))
	require.NoError(t, m.RecordFailure(ctx, session(), types.PlanPro, types.PaymentContext{Source: types.SourceClient}, "", "dismissed"))
	assert.Len(t, ledger.payments, 2)
}

func TestReconcile_Errors(t *testing.T) {
	ledger := newFakeLedger()
	m := NewMutator(ledger, ledger, nil, WithMutatorClock(func() time.Time { return t0 }))
	ctx := context.Background()

	_, err := m.Reconcile(ctx, "missing")
	assert.Equal(t, types.ErrCodeNotFoundPayment, appCode(t, err))

	require.NoError(t, m.RecordFailure(ctx, session(), types.PlanPro, captured("pay_f"), "X", "y"))
	_, err = m.Reconcile(ctx, "pay_f")
	assert.Equal(t, types.ErrCodeConflictPaymentState, appCode(t, err))
}
