package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a service failure for transport layers.
type Kind int

// Failure kinds.
const (
	KindInternal Kind = iota
	KindInvalid
	KindNotFound
	KindConflict
	KindUnauthenticated
	KindForbidden
	KindUnavailable
)

// Error is a classified failure with a caller-safe message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "internal error"
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind whose message is empty or equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Invalidf reports rejected input.
func Invalidf(format string, args ...any) error { return newError(KindInvalid, format, args...) }

// NotFoundf reports a missing resource.
func NotFoundf(format string, args ...any) error { return newError(KindNotFound, format, args...) }

// Conflictf reports a uniqueness or state conflict.
func Conflictf(format string, args ...any) error { return newError(KindConflict, format, args...) }

// Unavailablef reports temporary overload.
func Unavailablef(format string, args ...any) error {
	return newError(KindUnavailable, format, args...)
}

// Internalf wraps err as a server-side failure with a readable message.
func Internalf(err error, format string, args ...any) error {
	e := newError(KindInternal, format, args...)
	e.Err = err
	return e
}

// KindOf returns the classification of err, or KindInternal when unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var te *TransitionError
	if errors.As(err, &te) {
		return KindConflict
	}
	return KindInternal
}

// ErrAlreadyRunning rejects a start on a running product.
var ErrAlreadyRunning = &Error{Kind: KindInvalid, Message: "product is already running"}
