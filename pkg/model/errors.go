package model

import (
	"errors"
	"fmt"
	"time"
)

// Stable error codes returned on the external surface.
const (
	CodeInvalidInput        = "invalid_input"
	CodeLowConfidence       = "low_confidence"
	CodeNoNodesNearPosition = "no_nodes_near_position"
	CodeNoRouteFound        = "no_route_found"
	CodeRouteTimeout        = "route_timeout"
	CodeRouteCancelled      = "route_cancelled"
	CodeZoneNotFound        = "zone_not_found"
	CodeZoneConflict        = "zone_conflict"
	CodePoseLost            = "pose_lost"
	CodeUnauthorized        = "unauthorized"
	CodeInternal            = "internal"
)

// Error is the single error surface of the core. Sensor-level rejections
// are recovered locally and never leave their component; everything the
// caller can see is one of these.
type Error struct {
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after_ms,omitempty"`
	// CorrelationID is set for internal errors so logs can be matched.
	CorrelationID string `json:"correlation_id,omitempty"`
	cause         error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two Errors by code, so sentinel comparisons with errors.Is
// work across values carrying different messages.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the stable code from any error, defaulting to internal.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func newErr(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrInvalidInput reports a malformed sample, unknown user or unknown node.
func ErrInvalidInput(format string, args ...any) *Error {
	return newErr(CodeInvalidInput, format, args...)
}

// ErrLowConfidence reports a sensor reading below its acceptance threshold.
func ErrLowConfidence(format string, args ...any) *Error {
	return newErr(CodeLowConfidence, format, args...)
}

// ErrNoNodesNearPosition reports a failed snap to the navigation graph.
func ErrNoNodesNearPosition(format string, args ...any) *Error {
	return newErr(CodeNoNodesNearPosition, format, args...)
}

// ErrNoRouteFound reports an exhausted search.
func ErrNoRouteFound(format string, args ...any) *Error {
	return newErr(CodeNoRouteFound, format, args...)
}

// ErrRouteTimeout reports a planning deadline breach. Retryable.
func ErrRouteTimeout(format string, args ...any) *Error {
	e := newErr(CodeRouteTimeout, format, args...)
	e.Retryable = true
	e.RetryAfter = time.Second
	return e
}

// ErrRouteCancelled reports client or supersession cancellation.
func ErrRouteCancelled(format string, args ...any) *Error {
	return newErr(CodeRouteCancelled, format, args...)
}

// ErrSaturated reports admission-control saturation. Retryable with hint.
func ErrSaturated(retryAfter time.Duration) *Error {
	e := newErr(CodeRouteTimeout, "planner saturated")
	e.Retryable = true
	e.RetryAfter = retryAfter
	return e
}

// ErrZoneNotFound reports an operation on an unknown zone.
func ErrZoneNotFound(id string) *Error {
	return newErr(CodeZoneNotFound, "zone %s not found", id)
}

// ErrZoneConflict reports a conflicting concurrent zone mutation.
func ErrZoneConflict(format string, args ...any) *Error {
	return newErr(CodeZoneConflict, format, args...)
}

// ErrPoseLost reports an operation needing a pose for a user without one.
func ErrPoseLost(format string, args ...any) *Error {
	return newErr(CodePoseLost, format, args...)
}

// ErrUnauthorized reports a rejected admin operation.
func ErrUnauthorized() *Error {
	return newErr(CodeUnauthorized, "missing or invalid credentials")
}

// ErrInternal wraps a bug with a correlation ID; the message stays opaque
// to callers, the cause goes to the log.
func ErrInternal(correlationID string, cause error) *Error {
	return &Error{
		Code:          CodeInternal,
		Message:       "internal error",
		CorrelationID: correlationID,
		cause:         cause,
	}
}
