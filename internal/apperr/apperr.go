// Package apperr defines the caller-facing failure taxonomy. Every error that
// leaves the service is mapped to one Kind with a stable code so clients can
// render tailored messages.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, machine-readable failure code.
type Kind string

const (
	KindNotSupported          Kind = "NOT_SUPPORTED"
	KindTransientNetwork      Kind = "TRANSIENT_NETWORK"
	KindTierUnavailable       Kind = "TIER_UNAVAILABLE"
	KindInsufficientFunds     Kind = "INSUFFICIENT_FUNDS"
	KindAuthRequired          Kind = "AUTHENTICATION_REQUIRED"
	KindDuplicateRegistration Kind = "DUPLICATE_REGISTRATION"
	KindPaymentRejected       Kind = "PAYMENT_PROVIDER_REJECTED"

	KindInvalidRequest      Kind = "INVALID_REQUEST"
	KindNotFound            Kind = "NOT_FOUND"
	KindIdempotencyConflict Kind = "IDEMPOTENCY_CONFLICT"
	KindInProgress          Kind = "IN_PROGRESS"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindInternal            Kind = "INTERNAL"
)

// Error carries a Kind, a message safe to show to callers, and the
// underlying cause for logs.
type Error struct {
	Kind    Kind   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without an underlying cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap creates an Error around err.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// From converts any error into an *Error. Errors that are not already
// classified become INTERNAL with a generic message.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// KindOf returns the Kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return From(err).Kind
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// HTTPStatus maps a Kind to the HTTP status used by the API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindAuthRequired:
		return http.StatusUnauthorized
	case KindInsufficientFunds:
		return http.StatusPaymentRequired
	case KindNotFound, KindNotSupported:
		return http.StatusNotFound
	case KindTierUnavailable:
		return http.StatusUnprocessableEntity
	case KindIdempotencyConflict, KindInProgress:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindPaymentRejected:
		return http.StatusBadGateway
	case KindTransientNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
