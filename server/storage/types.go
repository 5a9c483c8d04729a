package storage

import (
	"errors"
	"fmt"
)

// ErrorType classifies every failure surfaced by the repository core.
// It implements error so callers can write errors.Is(err, storage.ErrNotFound).
type ErrorType string

const (
	ErrNotFound           ErrorType = "not_found"
	ErrConflict           ErrorType = "conflict"
	ErrPreconditionFailed ErrorType = "precondition_failed"
	ErrLocked             ErrorType = "locked"
	ErrForbidden          ErrorType = "forbidden"
	ErrBadRequest         ErrorType = "bad_request"
	ErrParse              ErrorType = "parse_error"
	ErrUnavailable        ErrorType = "unavailable"
	ErrLimitExceeded      ErrorType = "limit_exceeded"
)

func (t ErrorType) Error() string { return string(t) }

// Error represents a storage-related error. Path and Token identify the
// offending resource and lock token or ticket id, when there is one.
type Error struct {
	Type    ErrorType
	Message string
	Path    string
	Token   string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Type)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" (path %s)", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the ErrorType of e.
func (e *Error) Is(target error) bool {
	t, ok := target.(ErrorType)
	return ok && t == e.Type
}

func newError(t ErrorType, path, format string, args ...any) *Error {
	return &Error{Type: t, Path: path, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns an ErrNotFound error for path.
func NotFound(path string) *Error {
	return &Error{Type: ErrNotFound, Path: path, Message: "resource not found"}
}

// Forbidden returns an ErrForbidden error for path.
func Forbidden(path, message string) *Error {
	return &Error{Type: ErrForbidden, Path: path, Message: message}
}

// BadRequest returns an ErrBadRequest error.
func BadRequest(format string, args ...any) *Error {
	return &Error{Type: ErrBadRequest, Message: fmt.Sprintf(format, args...)}
}

// TypeOf extracts the ErrorType of err. Errors that did not come from the
// repository core are reported as ErrUnavailable.
func TypeOf(err error) ErrorType {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Type
	}
	var t ErrorType
	if errors.As(err, &t) {
		return t
	}
	return ErrUnavailable
}
