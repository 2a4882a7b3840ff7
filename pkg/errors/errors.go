package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents a failure surfaced to the transport boundary. Code is the
// stable machine-readable failure code; Details carries the structured values a
// caller needs to decide whether to retry, back off, or escalate.
type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Detail     string         `json:"detail,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	StatusCode int            `json:"-"`
}

func (e *AppError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetails returns a copy of e carrying the given structured details.
// Predefined errors are shared, so they are never mutated in place.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	for k, v := range details {
		cp.Details[k] = v
	}
	return &cp
}

// Failure codes
const (
	ErrCodeInvalidRequest         = "invalid_request"
	ErrCodeInvalidScopes          = "invalid_scopes"
	ErrCodeAlreadyRegistered      = "already_registered"
	ErrCodeNotFound               = "not_found"
	ErrCodeChallengeExpired       = "challenge_expired"
	ErrCodeInvalidSignature       = "invalid_signature"
	ErrCodeTimestampInvalid       = "timestamp_invalid"
	ErrCodeAgentNotFound          = "agent_not_found"
	ErrCodeInsufficientReputation = "insufficient_reputation"
	ErrCodeRateLimited            = "rate_limited"
	ErrCodeSpendingCapExceeded    = "spending_cap_exceeded"
	ErrCodeInsufficientScope      = "insufficient_scope"
	ErrCodeAgentInactive          = "agent_inactive"
	ErrCodeUnauthorized           = "unauthorized"
	ErrCodeForbidden              = "forbidden"
	ErrCodeServiceUnavailable     = "service_unavailable"
	ErrCodeInternalError          = "internal_error"
)

// Predefined errors
var (
	ErrUnauthorized = &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrForbidden = &AppError{
		Code:       ErrCodeForbidden,
		Message:    "Access denied",
		StatusCode: http.StatusForbidden,
	}

	ErrNotFound = &AppError{
		Code:       ErrCodeNotFound,
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrInternalError = &AppError{
		Code:       ErrCodeInternalError,
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}

	ErrServiceUnavailable = &AppError{
		Code:       ErrCodeServiceUnavailable,
		Message:    "Backing store unavailable",
		StatusCode: http.StatusServiceUnavailable,
	}
)

// New creates a new AppError
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// NewWithDetail creates a new AppError with additional detail
func NewWithDetail(code, message, detail string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		Detail:     detail,
		StatusCode: statusCode,
	}
}

// InvalidRequest reports a missing or malformed request field.
func InvalidRequest(detail string) *AppError {
	return NewWithDetail(ErrCodeInvalidRequest, "Invalid request", detail, http.StatusBadRequest)
}

// InvalidScopes reports every requested scope that is not in the catalogue.
func InvalidScopes(invalid []string) *AppError {
	return (&AppError{
		Code:       ErrCodeInvalidScopes,
		Message:    "Requested scopes are not offered by this service",
		StatusCode: http.StatusBadRequest,
	}).WithDetails(map[string]any{"invalidScopes": invalid})
}

// AlreadyRegistered reports a public key that is already bound to an agent.
func AlreadyRegistered() *AppError {
	return New(ErrCodeAlreadyRegistered, "Public key is already registered", http.StatusConflict)
}

// ChallengeNotFound reports a verification against a missing challenge.
func ChallengeNotFound(agentID string) *AppError {
	return NewWithDetail(ErrCodeNotFound, "No pending challenge", fmt.Sprintf("agent_id: %s", agentID), http.StatusNotFound)
}

// ChallengeExpired reports a challenge past its TTL or retry bound.
func ChallengeExpired(detail string) *AppError {
	return NewWithDetail(ErrCodeChallengeExpired, "Challenge expired", detail, http.StatusUnauthorized)
}

// InvalidSignature creates an invalid signature error
func InvalidSignature(detail string) *AppError {
	return NewWithDetail(ErrCodeInvalidSignature, "Invalid signature", detail, http.StatusUnauthorized)
}

// TimestampInvalid reports an unparsable, stale or future-dated auth timestamp.
func TimestampInvalid(detail string) *AppError {
	return NewWithDetail(ErrCodeTimestampInvalid, "Invalid timestamp", detail, http.StatusUnauthorized)
}

// AgentNotFound creates an agent not found error
func AgentNotFound(agentID string) *AppError {
	return NewWithDetail(ErrCodeAgentNotFound, "Agent not found", fmt.Sprintf("agent_id: %s", agentID), http.StatusNotFound)
}

// AgentInactive reports a suspended or banned agent.
func AgentInactive(status string) *AppError {
	return (&AppError{
		Code:       ErrCodeAgentInactive,
		Message:    "Agent is not active",
		Detail:     fmt.Sprintf("status: %s", status),
		StatusCode: http.StatusForbidden,
	}).WithDetails(map[string]any{"status": status})
}

// InsufficientScope reports a credential without the scope a route requires.
func InsufficientScope(required string) *AppError {
	return (&AppError{
		Code:       ErrCodeInsufficientScope,
		Message:    "Agent lacks the required scope",
		StatusCode: http.StatusForbidden,
	}).WithDetails(map[string]any{"requiredScope": required})
}

// InsufficientReputation reports a failing block gate.
func InsufficientReputation(required, current float64) *AppError {
	return (&AppError{
		Code:       ErrCodeInsufficientReputation,
		Message:    "Reputation below required minimum",
		StatusCode: http.StatusForbidden,
	}).WithDetails(map[string]any{"required": required, "current": current})
}

// RateLimited reports an exhausted rate-limit window.
func RateLimited(limit, remaining int, retryAfterMs int64) *AppError {
	return (&AppError{
		Code:       ErrCodeRateLimited,
		Message:    "Rate limit exceeded",
		StatusCode: http.StatusTooManyRequests,
	}).WithDetails(map[string]any{"limit": limit, "remaining": remaining, "retryAfterMs": retryAfterMs})
}

// SpendingCapExceeded reports a hard spending cap that would be exceeded.
func SpendingCapExceeded(capAmount, currentSpend float64, currency, period string) *AppError {
	return (&AppError{
		Code:       ErrCodeSpendingCapExceeded,
		Message:    "Spending cap exceeded",
		StatusCode: http.StatusPaymentRequired,
	}).WithDetails(map[string]any{
		"capAmount":    capAmount,
		"currentSpend": currentSpend,
		"currency":     currency,
		"period":       period,
	})
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the failure code carried by err, or internal_error.
func CodeOf(err error) string {
	if appErr, ok := IsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternalError
}
