// Package apierrors defines the typed error taxonomy surfaced to clients of
// the gateway's HTTP API, along with the machinery to translate them into
// HTTP status codes and structured response bodies.
package apierrors

import (
	"fmt"
	"net/http"
)

// Type names the kind of error, echoed to clients as detail.type.
type Type string

const (
	// TypeInvalidRequest marks a malformed header, parameter, or body.
	TypeInvalidRequest Type = "invalid_request"
	// TypeInvalidToken marks a credential that could not be resolved.
	TypeInvalidToken Type = "invalid_token"
	// TypeInsufficientScope marks a valid token lacking a required scope.
	TypeInsufficientScope Type = "insufficient_scope"
	// TypePermissionDenied marks an ACL violation.
	TypePermissionDenied Type = "permission_denied"
	// TypeNotFound marks an unknown token, user, or admin.
	TypeNotFound Type = "not_found"
	// TypeBadExpires marks an invalid expires value.
	TypeBadExpires Type = "bad_expires"
	// TypeBadScopes marks an invalid scope set.
	TypeBadScopes Type = "bad_scopes"
	// TypeDuplicateTokenName marks a token_name collision.
	TypeDuplicateTokenName Type = "duplicate_token_name"
	// TypeBadCursor marks a malformed pagination cursor.
	TypeBadCursor Type = "bad_cursor"
	// TypeBadIPAddress marks a malformed IP or CIDR filter.
	TypeBadIPAddress Type = "bad_ip_address"
	// TypeProviderFailure marks an unreachable or erroring upstream identity provider.
	TypeProviderFailure Type = "provider_failure"
	// TypeInternal marks an infrastructure failure with no safe detail to surface.
	TypeInternal Type = "internal_error"
)

// Error is the gateway's structured error type. It carries a machine
// readable Type, a human message, an optional wrapped Cause, and an
// optional request-body location (Loc) for 422 validation failures.
type Error struct {
	Type    Type
	Message string
	Loc     []string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given type.
func New(t Type, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause}
}

// NewInvalidRequest constructs an invalid_request error.
func NewInvalidRequest(message string) *Error { return New(TypeInvalidRequest, message, nil) }

// NewInvalidToken constructs an invalid_token error.
func NewInvalidToken(message string) *Error { return New(TypeInvalidToken, message, nil) }

// NewInsufficientScope constructs an insufficient_scope error.
func NewInsufficientScope(message string) *Error { return New(TypeInsufficientScope, message, nil) }

// NewPermissionDenied constructs a permission_denied error.
func NewPermissionDenied(message string) *Error { return New(TypePermissionDenied, message, nil) }

// NewNotFound constructs a not_found error.
func NewNotFound(message string) *Error { return New(TypeNotFound, message, nil) }

// NewBadExpires constructs a bad_expires validation error for the given field location.
func NewBadExpires(message string, loc ...string) *Error {
	return &Error{Type: TypeBadExpires, Message: message, Loc: loc}
}

// NewBadScopes constructs a bad_scopes validation error for the given field location.
func NewBadScopes(message string, loc ...string) *Error {
	return &Error{Type: TypeBadScopes, Message: message, Loc: loc}
}

// NewDuplicateTokenName constructs a duplicate_token_name validation error.
func NewDuplicateTokenName(message string, loc ...string) *Error {
	return &Error{Type: TypeDuplicateTokenName, Message: message, Loc: loc}
}

// NewBadCursor constructs a bad_cursor validation error.
func NewBadCursor(message string, loc ...string) *Error {
	return &Error{Type: TypeBadCursor, Message: message, Loc: loc}
}

// NewBadIPAddress constructs a bad_ip_address validation error.
func NewBadIPAddress(message string, loc ...string) *Error {
	return &Error{Type: TypeBadIPAddress, Message: message, Loc: loc}
}

// NewProviderFailure constructs a provider_failure error wrapping the upstream cause.
func NewProviderFailure(message string, cause error) *Error {
	return New(TypeProviderFailure, message, cause)
}

// NewInternal constructs an internal_error wrapping an infrastructure cause.
// Internal errors must never leak Cause details to the client; ErrorHandler
// logs Cause and returns only a generic message.
func NewInternal(message string, cause error) *Error {
	return New(TypeInternal, message, cause)
}

// Is reports whether err is an *Error of the given type.
func Is(err error, t Type) bool {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	} else {
		return false
	}
	return e.Type == t
}

// IsNotFound reports whether err is a not_found error.
func IsNotFound(err error) bool { return Is(err, TypeNotFound) }

// IsInvalidToken reports whether err is an invalid_token error.
func IsInvalidToken(err error) bool { return Is(err, TypeInvalidToken) }

// IsPermissionDenied reports whether err is a permission_denied error.
func IsPermissionDenied(err error) bool { return Is(err, TypePermissionDenied) }

// Code maps an error's type to the HTTP status code it must be reported as.
// Errors that are not *Error are treated as internal errors (500).
func Code(err error) int {
	e, ok := err.(*Error)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Type {
	case TypeInvalidRequest:
		return http.StatusBadRequest
	case TypeInvalidToken:
		return http.StatusUnauthorized
	case TypeInsufficientScope, TypePermissionDenied:
		return http.StatusForbidden
	case TypeNotFound:
		return http.StatusNotFound
	case TypeBadExpires, TypeBadScopes, TypeDuplicateTokenName, TypeBadCursor, TypeBadIPAddress:
		return http.StatusUnprocessableEntity
	case TypeProviderFailure, TypeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
