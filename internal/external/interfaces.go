package external

import (
	"context"
	"encoding/json"
)

// OrderCreator creates gateway orders for the checkout widget.
type OrderCreator interface {
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
}

// OrderFetcher loads an existing gateway order, including the notes attached
// at creation.
type OrderFetcher interface {
	FetchOrder(ctx context.Context, orderID string) (*Order, error)
}

// WebhookVerifier checks gateway signatures.
type WebhookVerifier interface {
	// VerifyWebhook checks signatureHex against the raw webhook body.
	VerifyWebhook(payload []byte, signatureHex, secret string) error

	// VerifyCheckout checks the signature the checkout widget returns to the
	// client for orderID and paymentID.
	VerifyCheckout(orderID, paymentID, signatureHex, secret string) error
}

// Gateway webhook event names.
const (
	EventPaymentCaptured   = "payment.captured"
	EventPaymentAuthorized = "payment.authorized"
	EventPaymentFailed     = "payment.failed"
)

// Note keys attached to orders and echoed back on payments.
const (
	NoteUserID = "user_id"
	NotePlan   = "plan"
	NoteEmail  = "email"
)

// OrderRequest is the input to CreateOrder. Amounts are in minor units.
type OrderRequest struct {
	AmountMinor int64
	Currency    string
	Receipt     string
	Notes       map[string]string
}

// Order is a created gateway order.
type Order struct {
	ID          string            `json:"id"`
	AmountMinor int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Receipt     string            `json:"receipt"`
	Status      string            `json:"status"`
	Notes       PaymentNotes      `json:"notes"`
	CreatedAt   int64             `json:"created_at"`
}

// WebhookEvent is the envelope of a gateway webhook delivery.
type WebhookEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity PaymentEntity `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
	CreatedAt int64 `json:"created_at"`
}

// PaymentEntity is the payment object embedded in webhook events.
type PaymentEntity struct {
	ID               string       `json:"id"`
	AmountMinor      int64        `json:"amount"`
	Currency         string       `json:"currency"`
	Status           string       `json:"status"`
	OrderID          string       `json:"order_id"`
	Method           string       `json:"method"`
	Email            string       `json:"email"`
	Notes            PaymentNotes `json:"notes"`
	ErrorCode        string       `json:"error_code"`
	ErrorDescription string       `json:"error_description"`
}

// PaymentNotes holds order and payment notes. The gateway sends an empty JSON array
// instead of an object when an order has no notes.
type PaymentNotes map[string]string

// UnmarshalJSON accepts both an object and an empty array.
func (n *PaymentNotes) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '[' {
		var arr []any
		if err := json.Unmarshal(b, &arr); err != nil {
			return err
		}
		*n = PaymentNotes{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	out := make(PaymentNotes, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	*n = out
	return nil
}
