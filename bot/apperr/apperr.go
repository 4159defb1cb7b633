// Package apperr defines the error taxonomy shared by the publishing pipeline.
//
// Each failure family is a sentinel matched with errors.Is. *Error carries the
// family together with the operation, an optional HTTP status and a retry hint.
package apperr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrAuthentication = errors.New("authentication failed")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrPartialFailure = errors.New("partial failure")
	ErrValidation     = errors.New("validation failed")
	ErrRateLimited    = errors.New("rate limited")
	ErrInternal       = errors.New("internal error")
)

var kinds = []struct {
	err  error
	code string
}{
	{ErrAuthentication, "AUTHENTICATION"},
	{ErrNotFound, "NOT_FOUND"},
	{ErrConflict, "CONFLICT"},
	{ErrPartialFailure, "PARTIAL_FAILURE"},
	{ErrValidation, "VALIDATION"},
	{ErrRateLimited, "RATE_LIMITED"},
	{ErrInternal, "INTERNAL"},
}

// Error is a classified failure.
type Error struct {
	Kind       error
	Op         string
	Msg        string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Kind != nil:
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the family sentinel and the cause.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Code returns the family name, for example "CONFLICT".
func (e *Error) Code() string {
	return codeOf(e.Kind)
}

// New returns a classified error with a message.
func New(kind error, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation is shorthand for a validation error with a user-facing message.
func Validation(op, format string, args ...any) *Error {
	return New(ErrValidation, op, format, args...)
}

// Code returns the family code of err, or "INTERNAL" for unclassified errors.
// The outermost error implementing Code() string wins.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var coder interface{ Code() string }
	if errors.As(err, &coder) {
		return coder.Code()
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return "INTERNAL"
}

func codeOf(kind error) string {
	for _, k := range kinds {
		if k.err == kind {
			return k.code
		}
	}
	return "INTERNAL"
}

// RetryAfter returns the server supplied wait hint carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

// Retryable reports whether a caller may retry the whole operation.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrRateLimited)
}

// Message returns the user-facing text of err: the Msg of the outermost *Error
// when set, else the family description.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.err.Error()
		}
	}
	return ErrInternal.Error()
}
