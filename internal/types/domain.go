package types

import "time"

// Quota is a per-action daily ceiling. Unlimited is the only negative value.
type Quota int

// Unlimited is the sentinel quota meaning "no ceiling".
const Unlimited Quota = -1

// IsUnlimited reports whether q carries the unlimited sentinel.
func (q Quota) IsUnlimited() bool { return q < 0 }

// PlanDefinition is a compiled-in plan entry.
type PlanDefinition struct {
	ID          PlanID               `json:"id"`
	DisplayName string               `json:"display_name"`
	PriceMinor  int64                `json:"price_minor"`
	Currency    string               `json:"currency"`
	Cycle       BillingCycle         `json:"billing_cycle"`
	TrialDays   int                  `json:"trial_days"`
	Quotas      map[ActionKind]Quota `json:"quotas"`
}

// Session is the current identity as reported by the identity provider.
type Session struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// SubscriptionRecord is the single subscription row owned by a user.
// TrialStart is written once when the row is created.
type SubscriptionRecord struct {
	UserID            string        `json:"user_id"`
	Plan              PlanID        `json:"plan"`
	BillingCycle      BillingCycle  `json:"billing_cycle"`
	TrialStart        time.Time     `json:"trial_start"`
	PlanStart         *time.Time    `json:"plan_start,omitempty"`
	NextBillingDate   *time.Time    `json:"next_billing_date,omitempty"`
	LastPaymentID     string        `json:"last_payment_id,omitempty"`
	LastOrderID       string        `json:"last_order_id,omitempty"`
	LastPaymentAmount int64         `json:"last_payment_amount,omitempty"`
	LastPaymentStatus PaymentStatus `json:"last_payment_status,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// PaymentRecord is an append-only row per payment attempt.
// GatewayPaymentID is the dedupe key shared by both confirmation paths.
type PaymentRecord struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	Plan             PlanID         `json:"plan"`
	AmountMinor      int64          `json:"amount_minor"`
	Currency         string         `json:"currency"`
	GatewayPaymentID string         `json:"gateway_payment_id"`
	GatewayOrderID   string         `json:"gateway_order_id,omitempty"`
	Method           string         `json:"method,omitempty"`
	Status           PaymentStatus  `json:"status"`
	FailureCode      string         `json:"failure_code,omitempty"`
	FailureReason    string         `json:"failure_reason,omitempty"`
	PeriodStart      *time.Time     `json:"period_start,omitempty"`
	PeriodEnd        *time.Time     `json:"period_end,omitempty"`
	Source           PaymentSource  `json:"source"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// PaymentContext carries the gateway confirmation used to activate a plan or
// record a failure.
type PaymentContext struct {
	GatewayPaymentID string
	GatewayOrderID   string
	AmountMinor      int64
	Currency         string
	Method           string
	Status           PaymentStatus
	Source           PaymentSource
	Metadata         map[string]any
}

// DailyUsageCounters is the device-local, day-scoped usage snapshot.
type DailyUsageCounters struct {
	Date   string             `json:"date"`
	Counts map[ActionKind]int `json:"counts"`
}

// Used returns today's count for action.
func (c DailyUsageCounters) Used(action ActionKind) int {
	return c.Counts[action]
}

// EntitlementState is the derived, point-in-time entitlement for a user.
type EntitlementState struct {
	UserID             string       `json:"user_id"`
	Plan               PlanID       `json:"plan"`
	BillingCycle       BillingCycle `json:"billing_cycle"`
	TrialStart         time.Time    `json:"trial_start"`
	PlanEnd            *time.Time   `json:"plan_end,omitempty"`
	IsTrialActive      bool         `json:"is_trial_active"`
	IsTrialExpired     bool         `json:"is_trial_expired"`
	IsTimedPassExpired bool         `json:"is_timed_pass_expired"`
	IsPlanExpired      bool         `json:"is_plan_expired"`
	IsExpired          bool         `json:"is_expired"`
	Degraded           bool         `json:"degraded,omitempty"`
}

// Decision is the answer to "can this action run now".
type Decision struct {
	Allowed bool       `json:"allowed"`
	Code    DenialCode `json:"code,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

// BillingEvent is published after a successful billing mutation.
type BillingEvent struct {
	ID               string           `json:"id"`
	Type             BillingEventType `json:"type"`
	UserID           string           `json:"user_id"`
	Plan             PlanID           `json:"plan"`
	GatewayPaymentID string           `json:"gateway_payment_id,omitempty"`
	PlanEnd          *time.Time       `json:"plan_end,omitempty"`
	OccurredAt       time.Time        `json:"occurred_at"`
}
