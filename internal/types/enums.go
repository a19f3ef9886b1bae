package types

// PlanID identifies a plan in the compiled-in catalog.
type PlanID string

const (
	PlanFree          PlanID = "free"
	PlanTrial7D       PlanID = "trial_7d"
	PlanTrial14D      PlanID = "trial_14d"
	PlanWeekly        PlanID = "weekly"
	PlanPro           PlanID = "pro"
	PlanProAnnual     PlanID = "pro_annual"
	PlanProPlus       PlanID = "pro_plus"
	PlanProPlusAnnual PlanID = "pro_plus_annual"
	PlanTestPass      PlanID = "test_pass"
	PlanDayPass       PlanID = "day_pass"
)

// BillingCycle is the billing cadence tag stored on a subscription. It is
// always derived from the plan.
type BillingCycle string

const (
	CycleNone     BillingCycle = "none"
	CycleHourly   BillingCycle = "hourly"
	CycleDaily    BillingCycle = "daily"
	CycleWeekly   BillingCycle = "weekly"
	CycleMonthly  BillingCycle = "monthly"
	CycleAnnually BillingCycle = "annually"
)

// ActionKind is a metered assistant action with a per-day quota.
type ActionKind string

const (
	ActionChatMessage    ActionKind = "chat_message"
	ActionVoiceCommand   ActionKind = "voice_command"
	ActionScreenCapture  ActionKind = "screen_capture"
	ActionReminderCreate ActionKind = "reminder_create"
	ActionFileAnalysis   ActionKind = "file_analysis"
)

// AllActions lists every metered action in display order.
var AllActions = []ActionKind{
	ActionChatMessage,
	ActionVoiceCommand,
	ActionScreenCapture,
	ActionReminderCreate,
	ActionFileAnalysis,
}

// IsValid reports whether a is a known metered action.
func (a ActionKind) IsValid() bool {
	for _, known := range AllActions {
		if a == known {
			return true
		}
	}
	return false
}

// PaymentStatus is the gateway-reported outcome stored on a payment row.
type PaymentStatus string

const (
	PaymentCaptured   PaymentStatus = "captured"
	PaymentAuthorized PaymentStatus = "authorized"
	PaymentFailed     PaymentStatus = "failed"
)

// PaymentSource identifies which ingress path produced a payment row.
type PaymentSource string

const (
	SourceClient  PaymentSource = "client"
	SourceWebhook PaymentSource = "webhook"
	SourceAdmin   PaymentSource = "admin"
)

// DenialCode classifies why an action was refused.
type DenialCode string

const (
	DenialNone            DenialCode = ""
	DenialTrialExpired    DenialCode = "trial_expired"
	DenialHourPassExpired DenialCode = "hour_pass_expired"
	DenialDayPassExpired  DenialCode = "day_pass_expired"
	DenialPlanExpired     DenialCode = "plan_expired"
	DenialDailyLimit      DenialCode = "daily_limit"
)

// BillingEventType names the events published after billing mutations.
type BillingEventType string

const (
	EventPlanActivated    BillingEventType = "plan.activated"
	EventPlanSwitchedFree BillingEventType = "plan.switched_free"
	EventPaymentFailed    BillingEventType = "payment.failed"
)
