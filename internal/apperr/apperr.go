// Package apperr defines the error kinds surfaced by the orchestrator's
// service boundaries. Packages below the boundary wrap plain errors with
// fmt.Errorf; services convert them to an *Error with a Kind so the HTTP
// layer and job records can report a machine-readable failure.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable error category.
type Kind string

const (
	KindValidation      Kind = "validation_error"
	KindNotFound        Kind = "not_found"
	KindDuplicate       Kind = "duplicate"
	KindAlreadyRunning  Kind = "already_running"
	KindAlreadyAnalyzed Kind = "already_analyzed"
	KindRateLimited     Kind = "platform_rate_limited"
	KindAnalysisFailed  Kind = "analysis_failed"
	KindBusy            Kind = "busy"
	KindInternal        Kind = "internal"
)

// Error carries a kind, a short client-safe message and the underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == ""
}

// Sentinels for errors.Is.
var (
	ErrValidation      = &Error{Kind: KindValidation}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrDuplicate       = &Error{Kind: KindDuplicate}
	ErrAlreadyRunning  = &Error{Kind: KindAlreadyRunning}
	ErrAlreadyAnalyzed = &Error{Kind: KindAlreadyAnalyzed}
	ErrRateLimited     = &Error{Kind: KindRateLimited}
	ErrAnalysisFailed  = &Error{Kind: KindAnalysisFailed}
	ErrBusy            = &Error{Kind: KindBusy}
)

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error { return newf(KindValidation, format, args...) }
func NotFound(format string, args ...any) *Error   { return newf(KindNotFound, format, args...) }
func Duplicate(format string, args ...any) *Error  { return newf(KindDuplicate, format, args...) }
func AlreadyRunning(format string, args ...any) *Error {
	return newf(KindAlreadyRunning, format, args...)
}
func AlreadyAnalyzed(format string, args ...any) *Error {
	return newf(KindAlreadyAnalyzed, format, args...)
}
func Busy(format string, args ...any) *Error { return newf(KindBusy, format, args...) }

// Wrap attaches a kind and client-safe message to cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	e := newf(kind, format, args...)
	e.Err = cause
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the client-safe message of err. Errors without a kind get
// a generic message so internal details never leak to clients.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return "internal error"
}
