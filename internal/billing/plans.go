// Package billing provides the plan catalog and the billing mutations applied
// to a user's subscription row.
package billing

import (
	"sort"
	"time"

	"assistantconsole/internal/types"
)

// Catalog is the authoritative source of plan quotas and metadata.
type Catalog interface {
	// Lookup returns the plan definition for id. Unknown or empty ids
	// resolve to the free plan so callers never have to handle a miss.
	Lookup(id types.PlanID) types.PlanDefinition

	// QuotaFor returns the daily quota for action on plan id.
	QuotaFor(id types.PlanID, action types.ActionKind) types.Quota

	// Plans lists every plan ordered by price.
	Plans() []types.PlanDefinition
}

// defaultCurrency is the gateway settlement currency for every paid plan.
const defaultCurrency = "INR"

// freeTrialDays is the trial length attached to the free plan.
const freeTrialDays = 7

func quotas(chat, voice, capture, reminder, file types.Quota) map[types.ActionKind]types.Quota {
	return map[types.ActionKind]types.Quota{
		types.ActionChatMessage:    chat,
		types.ActionVoiceCommand:   voice,
		types.ActionScreenCapture:  capture,
		types.ActionReminderCreate: reminder,
		types.ActionFileAnalysis:   file,
	}
}

const unl = types.Unlimited

// planDefaults is the compiled-in catalog. Prices are in minor units (paise).
//
//	| Plan            | Chat | Voice | Capture | Reminder | File | Duration |
//	|-----------------|------|-------|---------|----------|------|----------|
//	| free            | 5    | 5     | 3       | 3        | 2    | 7d trial |
//	| trial_7d        | 20   | 10    | 10      | 10       | 5    | 7d trial |
//	| trial_14d       | 20   | 10    | 10      | 10       | 5    | 14d trial|
//	| test_pass       | unl  | unl   | unl     | unl      | unl  | 1h       |
//	| day_pass        | 100  | 50    | 30      | 30       | 20   | 24h      |
//	| weekly          | 50   | 30    | 20      | 20       | 10   | 7d       |
//	| pro             | 200  | 100   | 50      | unl      | 30   | 1 month  |
//	| pro_annual      | 200  | 100   | 50      | unl      | 30   | 1 year   |
//	| pro_plus        | unl  | unl   | unl     | unl      | unl  | 1 month  |
//	| pro_plus_annual | unl  | unl   | unl     | unl      | unl  | 1 year   |
var planDefaults = map[types.PlanID]types.PlanDefinition{
	types.PlanFree: {
		ID: types.PlanFree, DisplayName: "Free", Cycle: types.CycleNone,
		TrialDays: freeTrialDays, Quotas: quotas(5, 5, 3, 3, 2),
	},
	types.PlanTrial7D: {
		ID: types.PlanTrial7D, DisplayName: "7-Day Trial", Cycle: types.CycleNone,
		TrialDays: 7, Quotas: quotas(20, 10, 10, 10, 5),
	},
	types.PlanTrial14D: {
		ID: types.PlanTrial14D, DisplayName: "14-Day Trial", Cycle: types.CycleNone,
		TrialDays: 14, Quotas: quotas(20, 10, 10, 10, 5),
	},
	types.PlanTestPass: {
		ID: types.PlanTestPass, DisplayName: "1-Hour Pass", PriceMinor: 100, Currency: defaultCurrency,
		Cycle: types.CycleHourly, Quotas: quotas(unl, unl, unl, unl, unl),
	},
	types.PlanDayPass: {
		ID: types.PlanDayPass, DisplayName: "Day Pass", PriceMinor: 2900, Currency: defaultCurrency,
		Cycle: types.CycleDaily, Quotas: quotas(100, 50, 30, 30, 20),
	},
	types.PlanWeekly: {
		ID: types.PlanWeekly, DisplayName: "Weekly", PriceMinor: 9900, Currency: defaultCurrency,
		Cycle: types.CycleWeekly, Quotas: quotas(50, 30, 20, 20, 10),
	},
	types.PlanPro: {
		ID: types.PlanPro, DisplayName: "Pro", PriceMinor: 49900, Currency: defaultCurrency,
		Cycle: types.CycleMonthly, Quotas: quotas(200, 100, 50, unl, 30),
	},
	types.PlanProAnnual: {
		ID: types.PlanProAnnual, DisplayName: "Pro (Annual)", PriceMinor: 499000, Currency: defaultCurrency,
		Cycle: types.CycleAnnually, Quotas: quotas(200, 100, 50, unl, 30),
	},
	types.PlanProPlus: {
		ID: types.PlanProPlus, DisplayName: "Pro Plus", PriceMinor: 99900, Currency: defaultCurrency,
		Cycle: types.CycleMonthly, Quotas: quotas(unl, unl, unl, unl, unl),
	},
	types.PlanProPlusAnnual: {
		ID: types.PlanProPlusAnnual, DisplayName: "Pro Plus (Annual)", PriceMinor: 999000, Currency: defaultCurrency,
		Cycle: types.CycleAnnually, Quotas: quotas(unl, unl, unl, unl, unl),
	},
}

type staticCatalog struct {
	plans map[types.PlanID]types.PlanDefinition
}

// NewStaticCatalog returns a Catalog backed by the compiled-in plan table.
func NewStaticCatalog() Catalog {
	m := make(map[types.PlanID]types.PlanDefinition, len(planDefaults))
	for k, v := range planDefaults {
		m[k] = copyPlan(v)
	}
	return &staticCatalog{plans: m}
}

func (c *staticCatalog) Lookup(id types.PlanID) types.PlanDefinition {
	if def, ok := c.plans[id]; ok {
		return copyPlan(def)
	}
	return copyPlan(c.plans[types.PlanFree])
}

// QuotaFor returns 0 for actions the plan does not list.
func (c *staticCatalog) QuotaFor(id types.PlanID, action types.ActionKind) types.Quota {
	def, ok := c.plans[id]
	if !ok {
		def = c.plans[types.PlanFree]
	}
	return def.Quotas[action]
}

func (c *staticCatalog) Plans() []types.PlanDefinition {
	out := make([]types.PlanDefinition, 0, len(c.plans))
	for _, def := range c.plans {
		out = append(out, copyPlan(def))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriceMinor != out[j].PriceMinor {
			return out[i].PriceMinor < out[j].PriceMinor
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func copyPlan(def types.PlanDefinition) types.PlanDefinition {
	q := make(map[types.ActionKind]types.Quota, len(def.Quotas))
	for k, v := range def.Quotas {
		q[k] = v
	}
	def.Quotas = q
	return def
}

// ParsePlanID validates a plan identifier received from a client or the
// gateway metadata.
func ParsePlanID(raw string) (types.PlanID, bool) {
	id := types.PlanID(raw)
	_, ok := planDefaults[id]
	return id, ok
}

// IsTrialPlan reports whether id is the free plan or a trial variant.
// These plans are bounded by the trial window instead of a plan end date.
func IsTrialPlan(id types.PlanID) bool {
	switch id {
	case types.PlanFree, types.PlanTrial7D, types.PlanTrial14D:
		return true
	}
	return false
}

// IsTimedPass reports whether id is an hour- or day-scoped pass.
func IsTimedPass(id types.PlanID) bool {
	return id == types.PlanTestPass || id == types.PlanDayPass
}

// IsPaid reports whether id is purchasable through the gateway.
func IsPaid(id types.PlanID) bool {
	_, ok := planDefaults[id]
	return ok && !IsTrialPlan(id)
}

// CycleFor returns the billing cycle tag derived from the plan.
func CycleFor(id types.PlanID) types.BillingCycle {
	if def, ok := planDefaults[id]; ok {
		return def.Cycle
	}
	return types.CycleNone
}

// DurationSpec describes how far a paid activation extends the plan.
// Calendar units (Months, Years) follow time.AddDate normalisation; Fixed
// is an exact elapsed duration.
type DurationSpec struct {
	Fixed  time.Duration
	Months int
	Years  int
}

// IsZero reports whether the plan has no duration (free and trial plans).
func (d DurationSpec) IsZero() bool {
	return d.Fixed == 0 && d.Months == 0 && d.Years == 0
}

// AddTo returns start advanced by the duration. ok is false when the plan
// carries no duration.
func (d DurationSpec) AddTo(start time.Time) (end time.Time, ok bool) {
	if d.IsZero() {
		return time.Time{}, false
	}
	end = start
	if d.Years != 0 || d.Months != 0 {
		end = end.AddDate(d.Years, d.Months, 0)
	}
	return end.Add(d.Fixed), true
}

// PlanDuration is the single source of plan period arithmetic, shared by the
// entitlement resolver and the billing mutator.
func PlanDuration(id types.PlanID) DurationSpec {
	switch CycleFor(id) {
	case types.CycleHourly:
		return DurationSpec{Fixed: time.Hour}
	case types.CycleDaily:
		return DurationSpec{Fixed: 24 * time.Hour}
	case types.CycleWeekly:
		return DurationSpec{Fixed: 7 * 24 * time.Hour}
	case types.CycleMonthly:
		return DurationSpec{Months: 1}
	case types.CycleAnnually:
		return DurationSpec{Years: 1}
	default:
		return DurationSpec{}
	}
}
