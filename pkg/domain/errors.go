package domain

import "errors"

// Common domain errors
var (
	ErrConfigInvalid       = errors.New("invalid configuration")
	ErrPayloadTooLarge     = errors.New("payload too large")
	ErrUpstreamUnreachable = errors.New("upstream service unreachable")
)

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err == nil {
		return e.Code
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// ErrorResponse defines the JSON error model the host writes for failures that
// are not filter rejections (for example an unreachable upstream).
// TraceID should carry the current OpenTelemetry trace identifier when available to aid diagnostics.
type ErrorResponse struct {
	Code      string `json:"code"`                 // Machine-readable error code (e.g., UPSTREAM_ERROR)
	Message   string `json:"message"`              // Human-readable message (safe for logs)
	RequestID string `json:"request_id,omitempty"` // Correlation ID echoed from X-Request-Id
	TraceID   string `json:"trace_id,omitempty"`   // Optional trace/correlation ID
}
