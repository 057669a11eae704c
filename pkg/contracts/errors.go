package contracts

import (
	"errors"
	"fmt"
)

// ErrorKind is the top-level error taxonomy of the framework.
type ErrorKind string

const (
	KindValidationFailed    ErrorKind = "validation_failed"
	KindUserSafetyViolation ErrorKind = "user_safety_violation"
	KindSystemError         ErrorKind = "system_error"
	KindIntegrationError    ErrorKind = "integration_error"
)

var (
	ErrProfileNotFound         = errors.New("profile not found")
	ErrInvalidProfile          = errors.New("invalid profile")
	ErrConsentNotGranted       = errors.New("consent not granted")
	ErrRiskTooHigh             = errors.New("risk too high")
	ErrSessionNotFound         = errors.New("session not found")
	ErrSessionClosed           = errors.New("session closed")
	ErrInvalidTransition       = errors.New("invalid state transition")
	ErrInvalidInteraction      = errors.New("invalid interaction")
	ErrUnknownReportKind       = errors.New("unknown report kind")
	ErrInvalidTimeRange        = errors.New("invalid time range")
	ErrClassifierUnavailable   = errors.New("classifier unavailable")
	ErrPersistence             = errors.New("persistence failure")
	ErrIntegrationNotFound     = errors.New("integration not found")
	ErrIntegrationIncompatible = errors.New("integration incompatible")
	ErrHookFailed              = errors.New("integration hook failed")
	ErrBusy                    = errors.New("service busy")
)

// SafetyError is the typed error returned across the facade boundary.
// Reason is always safe to show to the user; Code is a sentinel usable with
// errors.Is; Err is the underlying cause, if any.
type SafetyError struct {
	Kind     ErrorKind
	Code     error
	Reason   string
	Critical bool
	Err      error
}

func (e *SafetyError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the sentinel code and the cause to errors.Is/As.
func (e *SafetyError) Unwrap() []error {
	var out []error
	if e.Code != nil {
		out = append(out, e.Code)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// NewValidationError reports malformed input or a missing profile.
func NewValidationError(code error, reason string) *SafetyError {
	return &SafetyError{Kind: KindValidationFailed, Code: code, Reason: reason}
}

// NewViolationError reports a boundary, consent or risk gate failure.
func NewViolationError(code error, reason string) *SafetyError {
	return &SafetyError{Kind: KindUserSafetyViolation, Code: code, Reason: reason}
}

// NewSystemError reports an infrastructure failure.
func NewSystemError(code error, reason string, cause error, critical bool) *SafetyError {
	return &SafetyError{Kind: KindSystemError, Code: code, Reason: reason, Err: cause, Critical: critical}
}

// NewIntegrationError reports a misbehaving engine hook.
func NewIntegrationError(code error, reason string, cause error) *SafetyError {
	return &SafetyError{Kind: KindIntegrationError, Code: code, Reason: reason, Err: cause}
}

// KindOf returns the taxonomy kind of err, or system_error for untyped errors.
func KindOf(err error) ErrorKind {
	var se *SafetyError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindSystemError
}

// ReasonOf returns the user-facing reason carried by err.
func ReasonOf(err error) string {
	var se *SafetyError
	if errors.As(err, &se) {
		return se.Reason
	}
	return "an internal safety check failed"
}

// IsCritical reports whether err is, or wraps, a critical system error.
func IsCritical(err error) bool {
	var se *SafetyError
	if !errors.As(err, &se) {
		return false
	}
	if se.Kind == KindSystemError && se.Critical {
		return true
	}
	return se.Err != nil && IsCritical(se.Err)
}
