package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures at component boundaries.
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation"
	KindNotAuthorized   ErrorKind = "not_authorized"
	KindExecutionFailed ErrorKind = "execution_failed"
	KindTimeout         ErrorKind = "timed_out"
	KindPersistence     ErrorKind = "persistence"
	KindInternal        ErrorKind = "internal"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrValidation      = &Error{Kind: KindValidation}
	ErrNotAuthorized   = &Error{Kind: KindNotAuthorized}
	ErrExecutionFailed = &Error{Kind: KindExecutionFailed}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrPersistence     = &Error{Kind: KindPersistence}
	ErrInternal        = &Error{Kind: KindInternal}
)

// ErrNotFound is returned by lookups that miss.
var ErrNotFound = errors.New("not found")

// Error is a classified failure carrying the operation and service it relates to.
type Error struct {
	Kind    ErrorKind
	Op      string
	Service string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	switch {
	case e.Op != "" && e.Service != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.Service, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// NewError builds a classified error.
func NewError(kind ErrorKind, op, service, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Service: service, Message: message, Err: err}
}

// UnknownService is the validation error for a name missing from the registry.
func UnknownService(op, name string) *Error {
	return &Error{Kind: KindValidation, Op: op, Service: name, Message: "unknown service", Err: ErrNotFound}
}
