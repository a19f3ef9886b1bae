package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"assistantconsole/internal/types"
)

const subscriptionColumns = `user_id, plan, billing_cycle, trial_start, plan_start, next_billing_date,
	last_payment_id, last_order_id, last_payment_amount, last_payment_status, created_at, updated_at`

// SubscriptionRepo manages the per-user subscription row.
//
// Plan writes always overwrite every plan field together. trial_start is only
// ever set by the INSERT branch, so it survives upgrades and downgrades.
type SubscriptionRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepo creates a SubscriptionRepo.
func NewSubscriptionRepo(db DBTX, logger *slog.Logger) *SubscriptionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepo{db: db, logger: logger}
}

func scanSubscription(row pgx.Row) (*types.SubscriptionRecord, error) {
	var (
		rec           types.SubscriptionRecord
		plan, cycle   string
		lastPaymentID *string
		lastOrderID   *string
		lastAmount    *int64
		lastStatus    *string
	)
	err := row.Scan(
		&rec.UserID,
		&plan,
		&cycle,
		&rec.TrialStart,
		&rec.PlanStart,
		&rec.NextBillingDate,
		&lastPaymentID,
		&lastOrderID,
		&lastAmount,
		&lastStatus,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Plan = types.PlanID(plan)
	rec.BillingCycle = types.BillingCycle(cycle)
	rec.LastPaymentID = derefString(lastPaymentID)
	rec.LastOrderID = derefString(lastOrderID)
	rec.LastPaymentStatus = types.PaymentStatus(derefString(lastStatus))
	if lastAmount != nil {
		rec.LastPaymentAmount = *lastAmount
	}
	return &rec, nil
}

// GetSubscription returns the user's row, or nil when none exists.
func (r *SubscriptionRepo) GetSubscription(ctx context.Context, userID string) (*types.SubscriptionRecord, error) {
	rec, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`,
		userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription", err)
	}
	return rec, nil
}

// CreateSubscription inserts rec if the user has no row yet and returns the
// stored row. A concurrent creator wins silently; its row is returned.
func (r *SubscriptionRepo) CreateSubscription(ctx context.Context, rec *types.SubscriptionRecord) (*types.SubscriptionRecord, error) {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (user_id, plan, billing_cycle, trial_start, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NOW(), NOW())
		 ON CONFLICT (user_id) DO NOTHING`,
		rec.UserID,
		string(rec.Plan),
		string(rec.BillingCycle),
		rec.TrialStart,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to create subscription", err)
	}

	stored, err := r.GetSubscription(ctx, rec.UserID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "subscription missing after insert", nil)
	}
	return stored, nil
}

// UpsertPlan writes every plan field of rec. For a new user TrialStart is
// taken from rec.
func (r *SubscriptionRepo) UpsertPlan(ctx context.Context, rec *types.SubscriptionRecord) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		 ON CONFLICT (user_id) DO UPDATE SET
		     plan                = EXCLUDED.plan,
		     billing_cycle       = EXCLUDED.billing_cycle,
		     plan_start          = EXCLUDED.plan_start,
		     next_billing_date   = EXCLUDED.next_billing_date,
		     last_payment_id     = EXCLUDED.last_payment_id,
		     last_order_id       = EXCLUDED.last_order_id,
		     last_payment_amount = EXCLUDED.last_payment_amount,
		     last_payment_status = EXCLUDED.last_payment_status,
		     updated_at          = EXCLUDED.updated_at`,
		rec.UserID,
		string(rec.Plan),
		string(rec.BillingCycle),
		rec.TrialStart,
		rec.PlanStart,
		rec.NextBillingDate,
		nullString(rec.LastPaymentID),
		nullString(rec.LastOrderID),
		rec.LastPaymentAmount,
		nullString(string(rec.LastPaymentStatus)),
		rec.UpdatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription plan", err)
	}
	return nil
}

// SwitchToFree moves the user to the free plan and clears the plan period.
func (r *SubscriptionRepo) SwitchToFree(ctx context.Context, userID string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (user_id, plan, billing_cycle, trial_start, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4, $4)
		 ON CONFLICT (user_id) DO UPDATE SET
		     plan              = EXCLUDED.plan,
		     billing_cycle     = EXCLUDED.billing_cycle,
		     plan_start        = NULL,
		     next_billing_date = NULL,
		     updated_at        = EXCLUDED.updated_at`,
		userID,
		string(types.PlanFree),
		string(types.CycleNone),
		at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to switch subscription to free", err)
	}

	r.logger.InfoContext(ctx, "subscription set to free", slog.String("user_id", userID))
	return nil
}
