package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"assistantconsole/internal/types"
)

const paymentColumns = `id, user_id, plan, amount_minor, currency, gateway_payment_id, gateway_order_id,
	method, status, failure_code, failure_reason, period_start, period_end, source, metadata, created_at`

// defaultPaymentListLimit caps ListPaymentsByUser when no limit is given.
const defaultPaymentListLimit = 20

// PaymentRepo is the append-only payment ledger. gateway_payment_id is
// unique, which is what makes both confirmation paths idempotent.
type PaymentRepo struct {
	db DBTX
}

// NewPaymentRepo creates a PaymentRepo.
func NewPaymentRepo(db DBTX) *PaymentRepo {
	return &PaymentRepo{db: db}
}

func encodeMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode payment metadata: %w", err)
	}
	return b, nil
}

func scanPayment(row pgx.Row) (*types.PaymentRecord, error) {
	var (
		p                                  types.PaymentRecord
		plan, status, source               string
		gatewayPaymentID, gatewayOrderID   *string
		method, failureCode, failureReason *string
		metadata                           []byte
	)
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&plan,
		&p.AmountMinor,
		&p.Currency,
		&gatewayPaymentID,
		&gatewayOrderID,
		&method,
		&status,
		&failureCode,
		&failureReason,
		&p.PeriodStart,
		&p.PeriodEnd,
		&source,
		&metadata,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Plan = types.PlanID(plan)
	p.Status = types.PaymentStatus(status)
	p.Source = types.PaymentSource(source)
	p.GatewayPaymentID = derefString(gatewayPaymentID)
	p.GatewayOrderID = derefString(gatewayOrderID)
	p.Method = derefString(method)
	p.FailureCode = derefString(failureCode)
	p.FailureReason = derefString(failureReason)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode payment metadata: %w", err)
		}
	}
	return &p, nil
}

// InsertPayment appends p. inserted is false when gateway_payment_id was
// already recorded; the existing row is left untouched.
func (r *PaymentRepo) InsertPayment(ctx context.Context, p *types.PaymentRecord) (bool, error) {
	metadata, err := encodeMetadata(p.Metadata)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalUnexpected, err.Error(), err)
	}

	tag, err := r.db.Exec(ctx,
		`INSERT INTO payments (`+paymentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (gateway_payment_id) DO NOTHING`,
		p.ID,
		p.UserID,
		string(p.Plan),
		p.AmountMinor,
		currencyOrDefault(p.Currency),
		nullString(p.GatewayPaymentID),
		nullString(p.GatewayOrderID),
		nullString(p.Method),
		string(p.Status),
		nullString(p.FailureCode),
		nullString(p.FailureReason),
		p.PeriodStart,
		p.PeriodEnd,
		string(p.Source),
		metadata,
		p.CreatedAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert payment", err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertFailedPayment appends a failed attempt. Failures without a gateway
// payment id are stored with a NULL id and never deduplicated.
func (r *PaymentRepo) InsertFailedPayment(ctx context.Context, p *types.PaymentRecord) (bool, error) {
	cp := *p
	cp.Status = types.PaymentFailed
	cp.PeriodStart = nil
	cp.PeriodEnd = nil
	return r.InsertPayment(ctx, &cp)
}

// GetPaymentByGatewayID returns the row for a gateway payment id, or nil.
func (r *PaymentRepo) GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*types.PaymentRecord, error) {
	p, err := scanPayment(r.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE gateway_payment_id = $1`,
		gatewayPaymentID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load payment", err)
	}
	return p, nil
}

// PromoteAuthorized moves an authorized payment to captured. The user's
// subscription follows when it still points at the same payment. promoted is
// false when no authorized row exists for the id.
func (r *PaymentRepo) PromoteAuthorized(ctx context.Context, gatewayPaymentID string) (bool, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`WITH promoted AS (
			UPDATE payments SET status = 'captured'
			WHERE gateway_payment_id = $1 AND status = 'authorized'
			RETURNING user_id, gateway_payment_id
		), sub AS (
			UPDATE subscriptions s SET last_payment_status = 'captured', updated_at = NOW()
			FROM promoted p
			WHERE s.user_id = p.user_id AND s.last_payment_id = p.gateway_payment_id
			RETURNING s.user_id
		)
		SELECT COUNT(*) FROM promoted`,
		gatewayPaymentID,
	).Scan(&n)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to promote payment", err)
	}
	return n > 0, nil
}

// ListPaymentsByUser returns the user's most recent payments, newest first.
func (r *PaymentRepo) ListPaymentsByUser(ctx context.Context, userID string, limit int) ([]types.PaymentRecord, error) {
	if limit <= 0 {
		limit = defaultPaymentListLimit
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list payments", err)
	}
	defer rows.Close()

	var out []types.PaymentRecord
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan payment", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate payments", err)
	}
	return out, nil
}

func currencyOrDefault(c string) string {
	if c == "" {
		return "INR"
	}
	return c
}
