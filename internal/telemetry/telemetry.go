// Package telemetry records API, entitlement and billing metrics to
// Prometheus or CloudWatch.
package telemetry

import (
	"time"

	"assistantconsole/internal/types"
)

// Collector is the full set of metrics the service emits. It satisfies
// core.MetricsCollector, entitlement.DecisionRecorder and billing.Metrics.
type Collector interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
	RecordDecision(plan types.PlanID, action types.ActionKind, code types.DenialCode)
	RecordActivation(plan types.PlanID, source types.PaymentSource, outcome string)
	RecordPaymentFailure(plan types.PlanID, code string)
	RecordWebhook(event, outcome string)
}

// Webhook outcomes.
const (
	WebhookProcessed        = "processed"
	WebhookIgnored          = "ignored"
	WebhookRejected         = "rejected"
	WebhookSignatureInvalid = "signature_invalid"
	WebhookFailed           = "failed"
)

// Backends accepted by the OBSERVABILITY_METRICS_BACKEND setting.
const (
	BackendPrometheus = "prometheus"
	BackendCloudWatch = "cloudwatch"
	BackendNone       = "none"
)

func decisionLabel(code types.DenialCode) string {
	if code == types.DenialNone {
		return "allowed"
	}
	return string(code)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordRequest(string, string, string, time.Duration) {}
func (Nop) RecordDecision(types.PlanID, types.ActionKind, types.DenialCode) {}
func (Nop) RecordActivation(types.PlanID, types.PaymentSource, string) {}
func (Nop) RecordPaymentFailure(types.PlanID, string) {}
func (Nop) RecordWebhook(string, string) {}

var _ Collector = Nop{}
