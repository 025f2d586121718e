// Package dberr provides the unified error taxonomy used across all of Quarry.
//
// Every storage backend (embedded SQLite, remote SQL Server) wraps its native
// driver errors into *dberr.Error before returning them to callers. Callers
// use the Is* predicates to handle errors without importing driver packages.
//
// Usage:
//
//	// In an adapter, wrap native errors:
//	return dberr.Wrap(dberr.KindTransient, "server busy", rawErr)
//
//	// In a caller, check error kind:
//	if dberr.IsAuth(err) {
//	    // re-authenticate from the UI thread
//	}
package dberr

import (
	"errors"
	"fmt"
)

// Kind categorises a storage error without exposing driver-specific codes.
// Both backends map their native errors to exactly one of these kinds before
// the error leaves the adapter.
type Kind int

const (
	KindOperational Kind = iota // uncategorised operational failure
	KindTransient               // retryable: load shedding, failover, lock contention
	KindAuth                    // credential or token rejected
	KindPermission              // authorization denied
	KindNotFound                // missing database, table, or object
	KindConflict                // uniqueness or foreign key violation
	KindTimeout                 // operation exceeded its deadline
	KindValidation              // bad input from the caller
	KindProgramming             // malformed statement or wrong parameters
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindPermission:
		return "permission"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTimeout:
		return "timeout"
	case KindValidation:
		return "validation"
	case KindProgramming:
		return "programming"
	default:
		return "operational"
	}
}

// Error is the single error type returned by all gateway operations.
// Adapters produce it; callers inspect it via the Is* predicates below.
type Error struct {
	Kind    Kind
	Message string
	Cause   error // original driver-level error, preserved for logging
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is / errors.As to traverse the cause chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// --- Constructors ---

// New creates an *Error with the given kind and message and no cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an *Error with a formatted message and no cause.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error with the given kind, message, and underlying cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// --- Predicates ---

// IsTransient reports whether err is expected to succeed on retry.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsAuth reports whether err is a credential or token rejection.
func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}

// IsPermission reports whether err is an authorization failure.
func IsPermission(err error) bool {
	return KindOf(err) == KindPermission
}

// IsNotFound reports whether err represents a missing database object.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsConflict reports whether err is a uniqueness or foreign key violation.
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

// IsTimeout reports whether err was caused by a deadline or cancellation.
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}

// IsValidation reports whether err was caused by bad input from the caller.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// IsProgramming reports whether err is a malformed statement or parameter error.
func IsProgramming(err error) bool {
	return KindOf(err) == KindProgramming
}

// KindOf extracts the Kind from any error in the chain.
// Errors that are not *dberr.Error report KindOperational.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOperational
}
