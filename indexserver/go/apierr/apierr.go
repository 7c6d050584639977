// Package apierr defines the typed errors returned by the index
// server's managers, plus their mapping onto HTTP status codes for the
// transport adaptor layer.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an Error.
type Kind int

const (
	// NotFound indicates that an entity (golden alias, activated alias,
	// job id) is absent.
	NotFound Kind = iota
	// Conflict indicates that an alias exists, a quota was reached, or
	// a repository is already activated for the user.
	Conflict
	// Validation indicates a malformed alias, branch, path, or email.
	Validation
	// Sandbox indicates a path which escapes the repository root or
	// touches forbidden components.
	Sandbox
	// HashMismatch indicates a failed optimistic lock on edit/delete.
	HashMismatch
	// ConfirmationRequired indicates a destructive operation submitted
	// without a confirmation token.
	ConfirmationRequired
	// ConfirmationInvalid indicates an unknown, expired, or mismatched
	// confirmation token.
	ConfirmationInvalid
	// GitOperation indicates a nonzero exit or timeout from git.
	GitOperation
	// Cleanup indicates a failure during orchestrated resource or
	// filesystem removal.
	Cleanup
	// Maintenance indicates the server is in maintenance mode.
	Maintenance
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Validation:
		return "validation"
	case Sandbox:
		return "sandbox"
	case HashMismatch:
		return "hash_mismatch"
	case ConfirmationRequired:
		return "confirmation_required"
	case ConfirmationInvalid:
		return "confirmation_invalid"
	case GitOperation:
		return "git_operation"
	case Cleanup:
		return "cleanup"
	case Maintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

// StatusCode returns the HTTP status the adaptor layer should use for
// this Kind.
func (k Kind) StatusCode() int {
	switch k {
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Validation:
		return http.StatusBadRequest
	case Sandbox:
		return http.StatusForbidden
	case HashMismatch:
		return http.StatusConflict
	case ConfirmationRequired:
		return http.StatusBadRequest
	case ConfirmationInvalid:
		return http.StatusBadRequest
	case GitOperation:
		return http.StatusInternalServerError
	case Cleanup:
		return http.StatusInternalServerError
	case Maintenance:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a typed error with a single user-visible detail string.
type Error struct {
	Kind   Kind
	Detail string
	// Wrapped is the underlying cause, if any; not user-visible.
	Wrapped error
}

func (e *Error) Error() string {
	return e.Detail
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// New returns an Error of the given Kind with a formatted detail
// string.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:   kind,
		Detail: fmt.Sprintf(format, args...),
	}
}

// Wrap returns an Error of the given Kind whose detail is the formatted
// message and which wraps the given cause.
func Wrap(err error, kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Detail:  fmt.Sprintf(format, args...),
		Wrapped: err,
	}
}

// IsKind returns true if err is an *Error of the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err and true if err is an *Error,
// otherwise zero and false.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
