package decision

import (
	"errors"
	"fmt"
)

// Code identifies the machine-readable error class surfaced to callers.
type Code string

const (
	CodePolicyDeny               Code = "POLICY_DENY"
	CodeInvalidContext           Code = "INVALID_CONTEXT"
	CodeConstraintViolated       Code = "CONSTRAINT_VIOLATED"
	CodeConstraintTimeout        Code = "CONSTRAINT_TIMEOUT"
	CodeRateLimitExceeded        Code = "RATE_LIMIT_EXCEEDED"
	CodeDelegationCycle          Code = "DELEGATION_CYCLE"
	CodeDelegationDepthExceeded  Code = "DELEGATION_DEPTH_EXCEEDED"
	CodeEngineError              Code = "ENGINE_ERROR"
	CodeUpstreamError            Code = "UPSTREAM_ERROR"
)

// Error is the coded error shape returned across the enforcement
// boundary. Details carry machine-readable context such as
// retry_after_ms for rate limits.
type Error struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a coded error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithDetail attaches a detail key and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the Code from an error chain, or "" if none.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
