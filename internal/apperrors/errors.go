// Package apperrors defines the coded error taxonomy shared by every layer.
//
// Every error leaving the facade is one of these codes so that handlers can
// map it to an HTTP status and callers can explain the failure using only the
// code and its details (requisition id, current status, attempted action).
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure.
type Code string

const (
	// ErrCodeInvalidInput — malformed or missing request data; recoverable by
	// the caller correcting the input.
	ErrCodeInvalidInput Code = "INVALID_INPUT"

	// ErrCodeUnauthorized — the actor lacks the right for this action on this
	// requisition; never retried automatically.
	ErrCodeUnauthorized Code = "UNAUTHORIZED"

	// ErrCodeInvalidTransition — the current status does not permit the
	// attempted action.
	ErrCodeInvalidTransition Code = "INVALID_TRANSITION"

	// ErrCodeNoMatchingRule — the approval rule configuration has a gap or is
	// otherwise invalid; a configuration defect, not retriable.
	ErrCodeNoMatchingRule Code = "NO_MATCHING_RULE"

	// ErrCodeConcurrentModification — the requisition changed between read and
	// write; safe to retry after re-reading current state.
	ErrCodeConcurrentModification Code = "CONCURRENT_MODIFICATION"

	// ErrCodeNotFound — the referenced resource does not exist.
	ErrCodeNotFound Code = "NOT_FOUND"

	// ErrCodeInternal — infrastructure or programming fault.
	ErrCodeInternal Code = "INTERNAL"
)

// Error is a coded error with optional structured details and wrapped cause.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetail attaches a key/value pair to the error's details and returns it.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// InvalidInput reports a bad field in the request.
func InvalidInput(field, message string) *Error {
	return New(ErrCodeInvalidInput, message).WithDetail("field", field)
}

// Unauthorized reports a missing permission.
func Unauthorized(message string) *Error {
	return New(ErrCodeUnauthorized, message)
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithDetail("resource", resource).
		WithDetail("id", id)
}

// InvalidTransition reports an action that the current status does not permit.
func InvalidTransition(requisitionID, currentStatus, action string) *Error {
	return New(ErrCodeInvalidTransition,
		fmt.Sprintf("cannot %s a requisition in status %q", action, currentStatus)).
		WithDetail("requisition_id", requisitionID).
		WithDetail("current_status", currentStatus).
		WithDetail("attempted_action", action)
}

// NoMatchingRule reports an amount no active approval rule covers.
func NoMatchingRule(amountCents int64, currency string) *Error {
	return New(ErrCodeNoMatchingRule,
		"no approval rule covers this amount; approval rule configuration is incomplete").
		WithDetail("amount_cents", amountCents).
		WithDetail("currency", currency)
}

// ConcurrentModification reports a lost version race.
func ConcurrentModification(requisitionID string) *Error {
	return New(ErrCodeConcurrentModification,
		"requisition was modified concurrently; re-read and retry").
		WithDetail("requisition_id", requisitionID)
}

// CodeOf extracts the code from err, or ErrCodeInternal for uncoded errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps an error code to an HTTP status for the handler layer.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidTransition, ErrCodeConcurrentModification:
		return http.StatusConflict
	case ErrCodeNoMatchingRule:
		// Configuration defect: operators must intervene.
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
