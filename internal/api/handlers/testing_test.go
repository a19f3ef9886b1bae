package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"assistantconsole/internal/billing"
	"assistantconsole/internal/core"
	"assistantconsole/internal/external"
	"assistantconsole/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type registrar interface {
	RegisterRoutes(r chi.Router)
}

func newRouter(h registrar) *chi.Mux {
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, session *types.Session) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if session != nil {
		req = req.WithContext(types.WithSession(req.Context(), session))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, dst), string(env.Data))
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp core.APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Error.Code
}

var testSession = &types.Session{UserID: "user-1", Email: "ada@example.com"}

// recordingMutator captures mutator calls.
type recordingMutator struct {
	mu sync.Mutex

	activateErr  error
	failureErr   error
	switchErr    error
	seenPayments map[string]bool

	activations []activateCall
	failures    []failureCall
	switches    []string
}

type activateCall struct {
	UserID string
	Plan   types.PlanID
	PC     types.PaymentContext
}

type failureCall struct {
	UserID string
	Plan   types.PlanID
	PC     types.PaymentContext
	Code   string
	Reason string
}

func (m *recordingMutator) Activate(_ context.Context, session *types.Session, plan types.PlanID, pc types.PaymentContext) (*billing.ActivationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activateErr != nil {
		return nil, m.activateErr
	}
	if m.seenPayments == nil {
		m.seenPayments = map[string]bool{}
	}
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end, _ := billing.PlanDuration(plan).AddTo(start)
	result := &billing.ActivationResult{Plan: plan, PlanStart: start, PlanEnd: end}
	if m.seenPayments[pc.GatewayPaymentID] {
		result.Duplicate = true
		return result, nil
	}
	m.seenPayments[pc.GatewayPaymentID] = true
	m.activations = append(m.activations, activateCall{UserID: session.UserID, Plan: plan, PC: pc})
	return result, nil
}

func (m *recordingMutator) RecordFailure(_ context.Context, session *types.Session, plan types.PlanID, pc types.PaymentContext, code, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failureErr != nil {
		return m.failureErr
	}
	m.failures = append(m.failures, failureCall{UserID: session.UserID, Plan: plan, PC: pc, Code: code, Reason: reason})
	return nil
}

func (m *recordingMutator) SwitchToFree(_ context.Context, session *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.switchErr != nil {
		return m.switchErr
	}
	m.switches = append(m.switches, session.UserID)
	return nil
}

func (m *recordingMutator) writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activations) + len(m.failures) + len(m.switches)
}

type fakeGateway struct {
	err      error
	fetchErr error
	reqs     []external.OrderRequest
	orders   map[string]*external.Order
	fetches  []string
}

func (g *fakeGateway) CreateOrder(_ context.Context, req external.OrderRequest) (*external.Order, error) {
	if g.err != nil {
		return nil, g.err
	}
	g.reqs = append(g.reqs, req)
	order := &external.Order{
		ID:          "order_abc",
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
		Receipt:     req.Receipt,
		Status:      "created",
		Notes:       req.Notes,
	}
	g.store(order)
	return order, nil
}

func (g *fakeGateway) FetchOrder(_ context.Context, orderID string) (*external.Order, error) {
	g.fetches = append(g.fetches, orderID)
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	order, ok := g.orders[orderID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundOrder, "order not found", nil)
	}
	cp := *order
	return &cp, nil
}

func (g *fakeGateway) store(order *external.Order) {
	if g.orders == nil {
		g.orders = map[string]*external.Order{}
	}
	g.orders[order.ID] = order
}

// withOrder registers an order as checkout would have created it.
func (g *fakeGateway) withOrder(id, userID string, plan types.PlanID, amount int64) *fakeGateway {
	g.store(&external.Order{
		ID:          id,
		AmountMinor: amount,
		Currency:    "INR",
		Status:      "paid",
		Notes:       external.PaymentNotes{external.NoteUserID: userID, external.NotePlan: string(plan)},
	})
	return g
}

func (g *fakeGateway) KeyID() string { return "rzp_test_key" }

type fakeSubscriptions struct {
	rec   *types.SubscriptionRecord
	err   error
	calls int
}

func (f *fakeSubscriptions) GetSubscription(context.Context, string) (*types.SubscriptionRecord, error) {
	f.calls++
	return f.rec, f.err
}

func (f *fakeSubscriptions) CreateSubscription(_ context.Context, rec *types.SubscriptionRecord) (*types.SubscriptionRecord, error) {
	if f.rec == nil {
		f.rec = rec
	}
	return f.rec, nil
}

type fakePayments struct {
	list  []types.PaymentRecord
	err   error
	limit int
}

func (f *fakePayments) ListPaymentsByUser(_ context.Context, _ string, limit int) ([]types.PaymentRecord, error) {
	f.limit = limit
	return f.list, f.err
}

type fakeReconciler struct {
	result *billing.ActivationResult
	err    error
	ids    []string
}

func (f *fakeReconciler) Reconcile(_ context.Context, id string) (*billing.ActivationResult, error) {
	f.ids = append(f.ids, id)
	return f.result, f.err
}

type webhookCounts struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *webhookCounts) RecordWebhook(event, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[event+"/"+outcome]++
}

func (c *webhookCounts) get(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}
