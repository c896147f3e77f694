package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindInvalidIntent          ErrorKind = "InvalidIntent"
	KindSessionMismatch        ErrorKind = "SessionMismatch"
	KindSessionNotFound        ErrorKind = "SessionNotFound"
	KindCapabilityNotFound     ErrorKind = "CapabilityNotFound"
	KindExecutionNotFound      ErrorKind = "ExecutionNotFound"
	KindConflictingDefinition  ErrorKind = "ConflictingDefinition"
	KindValueTooLarge          ErrorKind = "ValueTooLarge"
	KindPersistenceUnavailable ErrorKind = "PersistenceUnavailable"
	KindStepFailed             ErrorKind = "StepFailed"
	KindStepTimeout            ErrorKind = "StepTimeout"
	KindCancelled              ErrorKind = "Cancelled"
	KindInvalidTransition      ErrorKind = "InvalidTransition"
)

// Retryable reports whether the caller may retry the same operation.
func (k ErrorKind) Retryable() bool {
	return k == KindPersistenceUnavailable
}

// Error is the runtime's typed error. Kind drives API status mapping.
type Error struct {
	Kind    ErrorKind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of kind k.
func Errorf(k ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind k to err. A nil err yields nil.
func Wrap(k ErrorKind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Message: msg, Err: err}
}

// WithDetail returns e with key set in its details.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsKind reports whether err carries kind k.
func IsKind(err error, k ErrorKind) bool {
	return err != nil && KindOf(err) == k
}

// Info converts err into the persisted error descriptor.
func Info(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	if kind == "" {
		kind = KindStepFailed
	}
	return &ErrorInfo{Kind: kind, Message: err.Error()}
}
