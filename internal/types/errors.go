package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField     ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidPlan      ErrorCode = "validation_invalid_plan"
	ErrCodeValidationInvalidAction    ErrorCode = "validation_invalid_action"
	ErrCodeValidationSignatureMissing ErrorCode = "validation_signature_missing"
	ErrCodeValidationWebhookPayload   ErrorCode = "validation_invalid_webhook_payload"
	ErrCodeValidationMissingUserMeta  ErrorCode = "validation_missing_user_metadata"
	ErrCodeValidationInvalidAmount    ErrorCode = "validation_invalid_amount"
	ErrCodeValidationInvalidField     ErrorCode = "validation_invalid_field"

	// Auth (401)
	ErrCodeAuthSessionMissing   ErrorCode = "auth_session_missing"
	ErrCodeAuthTokenInvalid     ErrorCode = "auth_token_invalid"
	ErrCodeAuthTokenExpired     ErrorCode = "auth_token_expired"
	ErrCodeAuthSignatureInvalid ErrorCode = "auth_signature_invalid"
	ErrCodeAuthAdminKeyInvalid  ErrorCode = "auth_admin_key_invalid"

	// Permission (403)
	ErrCodePermissionDenied ErrorCode = "permission_denied"

	// Limits (403)
	ErrCodeLimitActionDenied ErrorCode = "limit_action_denied"

	// Rate limit (429)
	ErrCodeRateLimitExceeded ErrorCode = "rate_limit_exceeded"

	// Not Found (404)
	ErrCodeNotFoundSubscription ErrorCode = "not_found_subscription"
	ErrCodeNotFoundPayment      ErrorCode = "not_found_payment"
	ErrCodeNotFoundOrder        ErrorCode = "not_found_order"

	// Conflict (409)
	ErrCodeConflictPaymentState ErrorCode = "conflict_payment_state"

	// Internal/Upstream (500/502/503)
	ErrCodeInternalDB            ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected    ErrorCode = "internal_unexpected_error"
	ErrCodeInternalNotConfigured ErrorCode = "internal_not_configured"
	ErrCodeUpstreamGateway       ErrorCode = "upstream_gateway_unavailable"
	ErrCodeUpstreamUnavailable   ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited   ErrorCode = "upstream_rate_limited"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case strings.HasPrefix(s, "permission_"), strings.HasPrefix(s, "limit_"):
		return http.StatusForbidden // 403
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case s == string(ErrCodeUpstreamRateLimited), s == string(ErrCodeRateLimitExceeded):
		return http.StatusTooManyRequests // 429
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	case s == string(ErrCodeInternalNotConfigured):
		return http.StatusServiceUnavailable // 503
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type. All domain and handler
// errors should be expressed as AppError to enable consistent error
// formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// ErrNotConfigured is returned by billing operations when the backend
// credentials were absent at startup.
var ErrNotConfigured = NewAppError(ErrCodeInternalNotConfigured, "billing backend is not configured", nil)
