package errors

import (
	goErrors "errors"
	"fmt"
)

// ContextError annotates an error with the operation that was being performed
// when it occurred. Contexts stack as the error propagates up the call chain,
// so the final message reads from the outermost operation to the root cause.
type ContextError struct {
	Context string
	Err     error
}

func (err ContextError) Error() string {
	return fmt.Sprintf("%s: %s", err.Context, err.Err)
}

// Unwrap makes ContextError compatible with the standard errors helpers.
func (err ContextError) Unwrap() error {
	return err.Err
}

// WithContext wraps err with a description of the operation that failed.
func WithContext(err error, context string) error {
	return ContextError{Context: context, Err: err}
}

// FriendlyError is an error whose message is meant to be shown to the user
// verbatim, without any wrapping contexts.
type FriendlyError struct {
	Message string
}

func (err FriendlyError) Error() string {
	return err.Message
}

// FriendlyMessage returns the message that should be printed to the user.
func (err FriendlyError) FriendlyMessage() string {
	return err.Message
}

// NewFriendlyError creates a new FriendlyError with the given printf-style
// message.
func NewFriendlyError(format string, args ...interface{}) error {
	return FriendlyError{Message: fmt.Sprintf(format, args...)}
}

// New creates a new error with the given printf-style message.
func New(format string, args ...interface{}) error {
	if len(args) == 0 {
		return goErrors.New(format)
	}
	return fmt.Errorf(format, args...)
}

// RootCause unwraps err until it reaches an error that isn't a ContextError.
func RootCause(err error) error {
	for {
		ctxErr, ok := err.(ContextError)
		if !ok {
			return err
		}
		err = ctxErr.Err
	}
}

type friendlyMessager interface {
	FriendlyMessage() string
}

// GetPrintableMessage returns the message that should be shown to the user
// for err. If any error in the chain has a friendly message, that message is
// used on its own. Otherwise, the full context chain is returned.
func GetPrintableMessage(err error) string {
	for curr := err; curr != nil; {
		if friendly, ok := curr.(friendlyMessager); ok {
			return friendly.FriendlyMessage()
		}

		ctxErr, ok := curr.(ContextError)
		if !ok {
			break
		}
		curr = ctxErr.Err
	}
	return err.Error()
}
