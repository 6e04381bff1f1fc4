package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure reported to a caller wraps exactly one of these
// so handlers can map it to a stable kind and status code with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrOutOfOrder         = errors.New("out of order")
	ErrAlreadyCompleted   = errors.New("already completed")
	ErrStepNotFound       = errors.New("step not found")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrProviderError      = errors.New("provider error")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvalidInput       = errors.New("invalid input")
	ErrLockHeld           = errors.New("lock already held")
	ErrRateLimited        = errors.New("rate limited")
)

// kindNames are the stable, machine-readable names reported to API clients.
// Order matters: the first kind an error wraps wins.
var kindNames = []struct {
	kind error
	name string
}{
	{ErrInvalidSignature, "InvalidSignature"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrForbidden, "Forbidden"},
	{ErrStepNotFound, "StepNotFound"},
	{ErrNotFound, "NotFound"},
	{ErrAlreadyCompleted, "AlreadyCompleted"},
	{ErrAlreadyExists, "AlreadyExists"},
	{ErrOutOfOrder, "OutOfOrder"},
	{ErrPreconditionFailed, "PreconditionFailed"},
	{ErrInsufficientFunds, "InsufficientFunds"},
	{ErrProviderError, "ProviderError"},
	{ErrInvalidInput, "InvalidInput"},
	{ErrLockHeld, "Conflict"},
	{ErrRateLimited, "RateLimited"},
}

// Error pairs an error kind with a human-readable message.
type Error struct {
	Kind error
	Msg  string
	Err  error // optional underlying cause
}

// Errorf builds an *Error of the given kind with a formatted message.
func Errorf(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind carrying cause as the underlying error.
func Wrap(kind error, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// KindOf returns the stable kind name for err, or "Internal" when err does not
// wrap a known kind.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kindNames {
		if errors.Is(err, k.kind) {
			return k.name
		}
	}
	return "Internal"
}

// Message returns the caller-facing message for err.
func Message(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Msg
	}
	return err.Error()
}
