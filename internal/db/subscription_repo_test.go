package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"assistantconsole/internal/types"
)

func subscriptionRowScan(plan types.PlanID, trialStart time.Time, end *time.Time) func(dest ...any) error {
	return func(dest ...any) error {
		*dest[0].(*string) = "user_1"
		*dest[1].(*string) = string(plan)
		*dest[2].(*string) = "monthly"
		*dest[3].(*time.Time) = trialStart
		*dest[4].(**time.Time) = &trialStart
		*dest[5].(**time.Time) = end
		id := "pay_1"
		*dest[6].(**string) = &id
		*dest[7].(**string) = nil
		amount := int64(49900)
		*dest[8].(**int64) = &amount
		status := "captured"
		*dest[9].(**string) = &status
		*dest[10].(*time.Time) = trialStart
		*dest[11].(*time.Time) = trialStart
		return nil
	}
}

func TestSubscriptionRepo_GetSubscription_Found(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"user_1"}).
		Return(&mockRow{scanFn: subscriptionRowScan(types.PlanPro, start, &end)})

	rec, err := repo.GetSubscription(context.Background(), "user_1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, types.PlanPro, rec.Plan)
	assert.Equal(t, types.CycleMonthly, rec.BillingCycle)
	assert.Equal(t, end, *rec.NextBillingDate)
	assert.Equal(t, "pay_1", rec.LastPaymentID)
	assert.Empty(t, rec.LastOrderID)
	assert.Equal(t, int64(49900), rec.LastPaymentAmount)
	assert.Equal(t, types.PaymentCaptured, rec.LastPaymentStatus)
	db.AssertExpectations(t)
}

func TestSubscriptionRepo_GetSubscription_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	rec, err := repo.GetSubscription(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSubscriptionRepo_GetSubscription_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("connection refused")})

	_, err := repo.GetSubscription(context.Background(), "user_1")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestSubscriptionRepo_CreateSubscription_ReturnsStoredRow(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	existingStart := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)

	db.On("Exec", mock.Anything,
		mock.MatchedBy(func(sql string) bool { return strings.Contains(sql, "ON CONFLICT (user_id) DO NOTHING") }),
		mock.Anything,
	).Return(pgconn.NewCommandTag("INSERT 0 0"), nil)
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: subscriptionRowScan(types.PlanFree, existingStart, nil)})

	rec, err := repo.CreateSubscription(context.Background(), &types.SubscriptionRecord{
		UserID:       "user_1",
		Plan:         types.PlanFree,
		BillingCycle: types.CycleNone,
		TrialStart:   time.Now(),
	})
	require.NoError(t, err)
	// A concurrent creator's row wins, including its trial start.
	assert.Equal(t, existingStart, rec.TrialStart)
	db.AssertExpectations(t)
}

func TestSubscriptionRepo_CreateSubscription_InsertError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("timeout"))

	_, err := repo.CreateSubscription(context.Background(), &types.SubscriptionRecord{UserID: "user_1"})
	require.Error(t, err)
	db.AssertNotCalled(t, "QueryRow", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubscriptionRepo_UpsertPlan_WritesAllPlanFields(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	start := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)

	db.On("Exec", mock.Anything,
		mock.MatchedBy(func(sql string) bool {
			// trial_start must never be part of the update set.
			update := sql[strings.Index(sql, "DO UPDATE"):]
			return !strings.Contains(update, "trial_start") &&
				strings.Contains(update, "next_billing_date") &&
				strings.Contains(update, "last_payment_id")
		}),
		mock.MatchedBy(func(args []any) bool {
			return len(args) == 11 &&
				args[0] == "user_1" &&
				args[1] == "pro_annual" &&
				args[2] == "annually" &&
				*(args[6].(*string)) == "pay_9" &&
				args[7] == (*string)(nil)
		}),
	).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.UpsertPlan(context.Background(), &types.SubscriptionRecord{
		UserID:            "user_1",
		Plan:              types.PlanProAnnual,
		BillingCycle:      types.CycleAnnually,
		TrialStart:        start,
		PlanStart:         &start,
		NextBillingDate:   &end,
		LastPaymentID:     "pay_9",
		LastPaymentAmount: 499000,
		LastPaymentStatus: types.PaymentCaptured,
		UpdatedAt:         start,
	})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestSubscriptionRepo_UpsertPlan_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("deadlock"))

	err := repo.UpsertPlan(context.Background(), &types.SubscriptionRecord{UserID: "user_1"})
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestSubscriptionRepo_SwitchToFree(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)
	at := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

	db.On("Exec", mock.Anything,
		mock.MatchedBy(func(sql string) bool {
			return strings.Contains(sql, "next_billing_date = NULL") && strings.Contains(sql, "plan_start        = NULL")
		}),
		[]any{"user_1", "free", "none", at},
	).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, repo.SwitchToFree(context.Background(), "user_1", at))
	db.AssertExpectations(t)
}
