package taskerr

import (
	"errors"
	"fmt"
)

// Kind classifies task-terminating errors. Provider-level failures inside a
// round are absorbed by the engine and never surface with a Kind; only the
// categories below cross the task boundary.
type Kind int

const (
	KindValidation Kind = iota
	KindAuth
	KindBudget
	KindProvider
	KindConfiguration
	KindSynthesis
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindBudget:
		return "budget"
	case KindProvider:
		return "provider"
	case KindConfiguration:
		return "configuration"
	case KindSynthesis:
		return "synthesis"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is a task-terminating error with a user-presentable message.
type Error struct {
	Kind    Kind
	Message string // safe to show to the caller
	Err     error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a task error with a user-facing message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a cause to a task error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err, or KindProvider if err is not a task
// error (an unclassified failure is treated as a provider-side fault).
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindProvider
}

// Is reports whether err is a task error of the given kind.
func Is(err error, kind Kind) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == kind
}

// UserMessage returns the presentable message for err, falling back to a
// generic phrase for unclassified errors.
func UserMessage(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Message
	}
	return "research failed due to an internal error"
}
