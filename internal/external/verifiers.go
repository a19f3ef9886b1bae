package external

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/razorpay/razorpay-go/utils"

	"assistantconsole/internal/types"
)

// ErrSignatureMismatch is wrapped by verification failures.
var ErrSignatureMismatch = errors.New("signature mismatch")

// SignatureVerifier checks signatures produced by the gateway using the
// gateway SDK's verification helpers. Webhooks are signed over the raw body;
// checkout callbacks over "order_id|payment_id".
type SignatureVerifier struct{}

// VerifyWebhook implements WebhookVerifier.
func (SignatureVerifier) VerifyWebhook(payload []byte, signatureHex, secret string) error {
	sig, err := checkInputs(signatureHex, secret)
	if err != nil {
		return err
	}
	if !utils.VerifyWebhookSignature(string(payload), sig, secret) {
		return mismatch()
	}
	return nil
}

// VerifyCheckout implements WebhookVerifier.
func (SignatureVerifier) VerifyCheckout(orderID, paymentID, signatureHex, secret string) error {
	if orderID == "" || paymentID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "order id and payment id are required", nil)
	}
	sig, err := checkInputs(signatureHex, secret)
	if err != nil {
		return err
	}
	attrs := map[string]interface{}{
		"razorpay_order_id":   orderID,
		"razorpay_payment_id": paymentID,
	}
	if !utils.VerifyPaymentSignature(attrs, sig, secret) {
		return mismatch()
	}
	return nil
}

func checkInputs(signatureHex, secret string) (string, error) {
	if secret == "" {
		return "", types.ErrNotConfigured
	}
	sig := strings.TrimSpace(signatureHex)
	if sig == "" {
		return "", types.NewAppError(types.ErrCodeValidationSignatureMissing, "signature is required", nil)
	}
	return strings.ToLower(sig), nil
}

func mismatch() error {
	return types.NewAppError(types.ErrCodeAuthSignatureInvalid, "signature does not match", ErrSignatureMismatch)
}

// Sign computes the hex signature the gateway would send for message. Used
// by tests to build signed payloads.
func Sign(message []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

var _ WebhookVerifier = SignatureVerifier{}
