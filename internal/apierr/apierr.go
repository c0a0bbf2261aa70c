// Package apierr defines the gateway's error taxonomy: a small, closed set
// of kinds that every handler maps to a response, rather than ad hoc HTTP
// status codes scattered across the codebase.
package apierr

import (
	"errors"
	"net/http"
)

// Kind classifies an error the way a caller needs to react to it, not the
// way it was produced internally.
type Kind string

const (
	KindUnauthenticated       Kind = "unauthenticated"
	KindTwoFactorRequired     Kind = "two_factor_required"
	KindForbidden             Kind = "forbidden"
	KindNotFound              Kind = "not_found"
	KindConflict              Kind = "conflict"
	KindValidation            Kind = "validation"
	KindQuotaExceeded         Kind = "quota_exceeded"
	KindLocked                Kind = "locked"
	KindUpstreamUnavailable   Kind = "upstream_unavailable"
	KindTenantBindingMismatch Kind = "tenant_binding_mismatch"
	KindIntegrity             Kind = "integrity"
	KindTransient             Kind = "transient"
	KindInternal              Kind = "internal"
)

// statusByKind maps each Kind to the HTTP status code a handler should send.
var statusByKind = map[Kind]int{
	KindUnauthenticated:       http.StatusUnauthorized,
	KindTwoFactorRequired:     http.StatusUnauthorized,
	KindForbidden:             http.StatusForbidden,
	KindNotFound:              http.StatusNotFound,
	KindConflict:              http.StatusConflict,
	KindValidation:            http.StatusUnprocessableEntity,
	KindQuotaExceeded:         http.StatusTooManyRequests,
	KindLocked:                http.StatusLocked,
	KindUpstreamUnavailable:   http.StatusBadGateway,
	KindTenantBindingMismatch: http.StatusForbidden,
	KindIntegrity:             http.StatusConflict,
	KindTransient:             http.StatusServiceUnavailable,
	KindInternal:              http.StatusInternalServerError,
}

// Status returns the HTTP status code for a Kind, defaulting to 500 for an
// unrecognized kind.
func (k Kind) Status() int {
	if s, ok := statusByKind[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a gateway error carrying a Kind for response mapping, a
// caller-safe message, and an optional wrapped cause kept out of responses.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error of the given kind with a caller-safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind that wraps an internal cause. The
// cause is never serialized in a response; it exists for logs only.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails attaches field-level detail (e.g. validation failures) and
// returns the same Error for chaining.
func (e *Error) WithDetails(details map[string]string) *Error {
	e.Details = details
	return e
}

// As extracts an *Error from err, returning the zero value and false if err
// is not (or does not wrap) an *Error.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
