// Package errors defines the structured error taxonomy used across the
// execution engine: a typed AppError carrying a machine-readable ErrorType,
// an HTTP-adjacent status code (consumed by the external API façade, not by
// this repository), and masked logging fields.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// As is a re-export of the standard library's errors.As so callers do not
// need to import both this package and "errors" under different names.
func As(err error, target any) bool { return stderrors.As(err, target) }

// ErrorType classifies an AppError against the taxonomy in the engine spec.
type ErrorType string

const (
	// User errors — never retried.
	ErrorTypeInvalidPlan        ErrorType = "invalid_plan"
	ErrorTypeNotAuthorized      ErrorType = "not_authorized"
	ErrorTypeIdempotentHit      ErrorType = "idempotent_hit"
	ErrorTypeApprovalExpired    ErrorType = "approval_expired"
	ErrorTypePlanHashMismatch   ErrorType = "plan_hash_mismatch"
	ErrorTypeNotFound           ErrorType = "not_found"
	ErrorTypeInvalidTransition  ErrorType = "invalid_transition"

	// Step-permanent — fail the step, no retry.
	ErrorTypeAuthDenied       ErrorType = "auth_denied"
	ErrorTypeSecretNotFound   ErrorType = "secret_not_found"
	ErrorTypeSecretForbidden  ErrorType = "secret_forbidden"
	ErrorTypeAdapterPermanent ErrorType = "adapter_permanent"

	// Step-transient — retried per policy.
	ErrorTypeAdapterTransient      ErrorType = "adapter_transient"
	ErrorTypeAssetBusy             ErrorType = "asset_busy"
	ErrorTypeSecretStoreUnavailable ErrorType = "secret_store_unavailable"
	ErrorTypeStoreConflict         ErrorType = "store_conflict"

	// Timeouts — terminal for the step.
	ErrorTypeStepTimeout      ErrorType = "step_timeout"
	ErrorTypeExecutionTimeout ErrorType = "execution_timeout"
	ErrorTypeLeaseExpired     ErrorType = "lease_expired"

	// Operational — surfaced, never masked away entirely.
	ErrorTypeStoreUnavailable ErrorType = "store_unavailable"
	ErrorTypeShutdown         ErrorType = "shutdown"
	ErrorTypeInternal         ErrorType = "internal"
)

var statusCodes = map[ErrorType]int{
	ErrorTypeInvalidPlan:            http.StatusBadRequest,
	ErrorTypeNotAuthorized:          http.StatusForbidden,
	ErrorTypeIdempotentHit:          http.StatusConflict,
	ErrorTypeApprovalExpired:        http.StatusGone,
	ErrorTypePlanHashMismatch:       http.StatusConflict,
	ErrorTypeNotFound:               http.StatusNotFound,
	ErrorTypeInvalidTransition:      http.StatusConflict,
	ErrorTypeAuthDenied:             http.StatusForbidden,
	ErrorTypeSecretNotFound:         http.StatusNotFound,
	ErrorTypeSecretForbidden:        http.StatusForbidden,
	ErrorTypeAdapterPermanent:       http.StatusBadGateway,
	ErrorTypeAdapterTransient:       http.StatusBadGateway,
	ErrorTypeAssetBusy:              http.StatusConflict,
	ErrorTypeSecretStoreUnavailable: http.StatusServiceUnavailable,
	ErrorTypeStoreConflict:          http.StatusConflict,
	ErrorTypeStepTimeout:            http.StatusRequestTimeout,
	ErrorTypeExecutionTimeout:       http.StatusRequestTimeout,
	ErrorTypeLeaseExpired:           http.StatusRequestTimeout,
	ErrorTypeStoreUnavailable:       http.StatusServiceUnavailable,
	ErrorTypeShutdown:               http.StatusServiceUnavailable,
	ErrorTypeInternal:               http.StatusInternalServerError,
}

// Retryable reports whether the taxonomy classifies this error type as
// step-transient (retry per the timeout/attempt policy) rather than terminal.
func (t ErrorType) Retryable() bool {
	switch t {
	case ErrorTypeAdapterTransient, ErrorTypeAssetBusy, ErrorTypeSecretStoreUnavailable, ErrorTypeStoreConflict:
		return true
	default:
		return false
	}
}

// AppError is the structured error carried through the engine. It mirrors the
// shape Kind+Message+Details+Cause used throughout this codebase's services.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	StatusCode int
	Cause      error
}

func New(t ErrorType, message string) *AppError {
	code, ok := statusCodes[t]
	if !ok {
		code = http.StatusInternalServerError
	}
	return &AppError{Type: t, Message: message, StatusCode: code}
}

func Newf(t ErrorType, format string, args ...any) *AppError {
	return New(t, fmt.Sprintf(format, args...))
}

func Wrap(err error, t ErrorType, message string) *AppError {
	e := New(t, message)
	e.Cause = err
	return e
}

func Wrapf(err error, t ErrorType, format string, args ...any) *AppError {
	return Wrap(err, t, fmt.Sprintf(format, args...))
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// IsType reports whether err is an *AppError of the given type.
func IsType(err error, t ErrorType) bool {
	var ae *AppError
	if As(err, &ae) {
		return ae.Type == t
	}
	return false
}

// GetType returns the ErrorType of err, or ErrorTypeInternal if err is not an
// *AppError.
func GetType(err error) ErrorType {
	var ae *AppError
	if As(err, &ae) {
		return ae.Type
	}
	return ErrorTypeInternal
}

func GetStatusCode(err error) int {
	var ae *AppError
	if As(err, &ae) {
		return ae.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether err's taxonomy marks it step-transient.
func IsRetryable(err error) bool {
	return GetType(err).Retryable()
}

// LogFields renders err as a structured field map for the masked logger.
func LogFields(err error) map[string]any {
	fields := map[string]any{"error": err.Error()}
	var ae *AppError
	if As(err, &ae) {
		fields["error_type"] = string(ae.Type)
		fields["status_code"] = ae.StatusCode
		if ae.Details != "" {
			fields["error_details"] = ae.Details
		}
		if ae.Cause != nil {
			fields["underlying_error"] = ae.Cause.Error()
		}
	}
	return fields
}

// Chain concatenates non-nil errors with " -> ", returning nil if all are nil
// and the single error unchanged if only one is non-nil.
func Chain(errs ...error) error {
	var present []error
	for _, e := range errs {
		if e != nil {
			present = append(present, e)
		}
	}
	switch len(present) {
	case 0:
		return nil
	case 1:
		return present[0]
	default:
		msg := present[0].Error()
		for _, e := range present[1:] {
			msg += " -> " + e.Error()
		}
		return New(ErrorTypeInternal, msg)
	}
}
