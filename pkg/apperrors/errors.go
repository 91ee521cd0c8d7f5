package apperrors

import (
	"errors"
	"net/http"
)

// Repository-level sentinels. Services translate these into coded errors.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Kind classifies a coded error.
type Kind string

const (
	KindEntityExists    Kind = "EntityExistsError"
	KindEntityNotExists Kind = "EntityNotExistsError"
	KindInvalidData     Kind = "InvalidDataError"
	KindInternal        Kind = "InternalError"
)

// HTTPStatus maps a kind to the status a transport should answer with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindEntityExists:
		return http.StatusConflict
	case KindEntityNotExists:
		return http.StatusNotFound
	case KindInvalidData:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error is a coded domain error.
// Two errors are equal under errors.Is when their codes match, so callers
// compare against the package-level definitions regardless of message.
type Error struct {
	Kind     Kind
	Name     string
	Code     int
	Message  string
	Variants []string
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMessage returns a copy carrying one of the declared message variants.
// An undeclared message falls back to the default one.
func (e *Error) WithMessage(message string) *Error {
	c := *e
	for _, v := range e.Variants {
		if v == message {
			c.Message = message
			return &c
		}
	}
	return &c
}

// Wrap returns a copy with cause attached.
func (e *Error) Wrap(cause error) *Error {
	c := *e
	c.Cause = cause
	return &c
}

// New returns a fresh copy of the definition, safe to mutate or wrap.
func (e *Error) New() *Error {
	c := *e
	return &c
}

// As extracts the coded error from err's chain.
func As(err error) (*Error, bool) {
	var coded *Error
	if errors.As(err, &coded) {
		return coded, true
	}
	return nil, false
}

func define(kind Kind, name string, code int, message string, variants ...string) *Error {
	return &Error{
		Kind:     kind,
		Name:     name,
		Code:     code,
		Message:  message,
		Variants: append([]string{message}, variants...),
	}
}
