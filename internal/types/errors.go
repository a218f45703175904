package types

import (
	"errors"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Codes are grouped by family; the prefix decides the HTTP status.
const (
	// Validation (400)
	ErrCodeValidationMissingField    ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidStrategy ErrorCode = "validation_invalid_strategy"
	ErrCodeValidationInvalidTimezone ErrorCode = "validation_invalid_timezone"
	ErrCodeValidationInvalidJSON     ErrorCode = "validation_invalid_json"
	ErrCodeValidationInvalidPayload  ErrorCode = "validation_invalid_webhook_payload"
	ErrCodeValidationSignature       ErrorCode = "validation_invalid_webhook_signature"
	ErrCodeValidationInvalidParam    ErrorCode = "validation_invalid_parameter"
	ErrCodeValidationUnknownProvider ErrorCode = "validation_unknown_provider"
	ErrCodeValidationInvalidTemplate ErrorCode = "validation_invalid_template"

	// Auth (401)
	ErrCodeAuthKeyMissing ErrorCode = "auth_api_key_missing"
	ErrCodeAuthKeyInvalid ErrorCode = "auth_api_key_invalid"

	// Permission (403)
	ErrCodePermissionWebhook ErrorCode = "permission_webhook_rejected"

	// Not Found (404)
	ErrCodeNotFoundCampaign  ErrorCode = "not_found_campaign"
	ErrCodeNotFoundRecipient ErrorCode = "not_found_recipient"
	ErrCodeNotFoundAttempt   ErrorCode = "not_found_delivery_attempt"
	ErrCodeNotFoundTemplate  ErrorCode = "not_found_template"

	// Conflict (409)
	ErrCodeConflictCampaignState ErrorCode = "conflict_campaign_state"
	ErrCodeConflictConcurrent    ErrorCode = "conflict_concurrent_modification"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB             ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected     ErrorCode = "internal_unexpected_error"
	ErrCodeInternalAudience       ErrorCode = "internal_audience_resolution_failed"
	ErrCodeUpstreamProvider       ErrorCode = "upstream_provider_unavailable"
	ErrCodeUpstreamProviderReject ErrorCode = "upstream_provider_rejected"
	ErrCodeUpstreamEmailProvider  ErrorCode = "upstream_email_provider_unavailable"
	ErrCodeUpstreamUnavailable    ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited    ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamTimeout        ErrorCode = "upstream_timeout"

	// Delivery-specific
	ErrCodeEmailBlocked ErrorCode = "email_blocked"
)

// statusByPrefix maps code families to HTTP statuses; first match wins.
var statusByPrefix = []struct {
	prefix string
	status int
}{
	{string(ErrCodeEmailBlocked), http.StatusForbidden},
	{string(ErrCodeUpstreamTimeout), http.StatusGatewayTimeout},
	{"validation_", http.StatusBadRequest},
	{"auth_", http.StatusUnauthorized},
	{"permission_", http.StatusForbidden},
	{"not_found_", http.StatusNotFound},
	{"conflict_", http.StatusConflict},
	{"upstream_", http.StatusBadGateway},
}

// HTTPStatus maps an ErrorCode to a status; unknown codes are 500.
func (c ErrorCode) HTTPStatus() int {
	for _, m := range statusByPrefix {
		if strings.HasPrefix(string(c), m.prefix) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// AppError carries a stable code for API envelopes, logs and retry
// decisions, plus an optional cause and structured details.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *AppError) Error() string { return string(e.Code) + ": " + e.Message }

func (e *AppError) Unwrap() error { return e.Err }

// HTTPStatus returns the status for the error's code.
func (e *AppError) HTTPStatus() int { return e.Code.HTTPStatus() }

// WithDetails returns a copy with details layered over the existing ones.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	cp := *e
	cp.Details = Metadata(e.Details).Merge(details)
	return &cp
}

// NewAppError creates an AppError; err may be nil.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// NewAppErrorWithDetails creates an AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{Code: code, Message: message, Err: err, Details: details}
}

// IsCode reports whether err (or anything it wraps) is an AppError with code.
func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsNotFound reports whether err carries any not_found_ code.
func IsNotFound(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && strings.HasPrefix(string(appErr.Code), "not_found_")
}
