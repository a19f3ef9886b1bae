package db

import (
	"context"

	"assistantconsole/internal/types"
)

// ActivationRPC calls the activate_plan stored function, which records the
// payment and overwrites the subscription in one transaction.
type ActivationRPC struct {
	db DBTX
}

// NewActivationRPC creates an ActivationRPC.
func NewActivationRPC(db DBTX) *ActivationRPC {
	return &ActivationRPC{db: db}
}

// ActivatePlan returns false when the gateway payment id was already recorded.
func (a *ActivationRPC) ActivatePlan(ctx context.Context, sub *types.SubscriptionRecord, p *types.PaymentRecord) (bool, error) {
	metadata, err := encodeMetadata(p.Metadata)
	if err != nil {
		return false, err
	}

	var applied bool
	err = a.db.QueryRow(ctx,
		`SELECT activate_plan($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID,
		sub.UserID,
		string(sub.Plan),
		string(sub.BillingCycle),
		sub.PlanStart,
		sub.NextBillingDate,
		p.GatewayPaymentID,
		nullString(p.GatewayOrderID),
		p.AmountMinor,
		currencyOrDefault(p.Currency),
		nullString(p.Method),
		string(p.Status),
		string(p.Source),
		metadata,
	).Scan(&applied)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "activate_plan failed", err)
	}
	return applied, nil
}
