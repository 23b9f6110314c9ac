// Package adapter translates provider-native responses into the canonical
// result model and classifies provider failures. Adapters are pure
// translators: they never touch the job record store.
package adapter

import (
	"context"
	"errors"
	"net/http"

	"github.com/sells-group/crm-research/internal/resilience"
	"github.com/sells-group/crm-research/pkg/contactforge"
)

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	KindRateLimited         ErrorKind = "rate_limited"
	KindInsufficientCredits ErrorKind = "insufficient_credits"
	KindCanceled            ErrorKind = "canceled"
	KindSchemaInvalid       ErrorKind = "schema_invalid"
	KindUnknown             ErrorKind = "unknown"
)

// Error is a typed adapter failure.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewError creates an adapter error with the given kind and message.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError creates an adapter error wrapping a cause.
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf extracts the error kind from an error chain, defaulting to Unknown.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// Classify maps a raw provider error into a typed adapter error. Already
// typed errors pass through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return WrapError(KindCanceled, "provider call canceled", err)
	}

	var se *contactforge.StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusTooManyRequests:
			return WrapError(KindRateLimited, "provider rate limit exceeded", err)
		case http.StatusPaymentRequired, http.StatusForbidden:
			return WrapError(KindInsufficientCredits, "provider credits exhausted", err)
		}
		if resilience.IsTransientHTTPStatus(se.Code) {
			return WrapError(KindUnknown, "provider unavailable", resilience.NewTransientError(err, se.Code))
		}
	}

	return WrapError(KindUnknown, err.Error(), err)
}

// Retryable reports whether an error should be retried against the provider.
// Schema failures and credit exhaustion never recover on retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited:
		return true
	case KindInsufficientCredits, KindSchemaInvalid, KindCanceled:
		return false
	}
	return resilience.IsTransient(err)
}
