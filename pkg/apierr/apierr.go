// Package apierr defines the control plane's error taxonomy: a closed set
// of Kinds the core surfaces, wrapped in a typed Error so HTTP handlers can
// map them to status codes in one place instead of string-matching.
package apierr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories the core can produce.
type Kind string

const (
	NotFound        Kind = "NotFound"
	Unauthorized    Kind = "Unauthorized"
	InvalidInput    Kind = "InvalidInput"
	QuotaExceeded   Kind = "QuotaExceeded"
	NoWarmWorkspace Kind = "NoWarmWorkspace"
	SandboxFailure  Kind = "SandboxFailure"
	CloneFailure    Kind = "CloneFailure"
	AgentTimeout    Kind = "AgentTimeout"
	AgentFailure    Kind = "AgentFailure"
	BundleFailure   Kind = "BundleFailure"
	Canceled        Kind = "Canceled"
	Internal        Kind = "Internal"
)

// Error wraps a Kind with a human-readable message and, optionally, the
// underlying cause. It satisfies error and errors.Unwrap.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// As extracts an *Error from err's chain, returning ok=false if none of
// its wrapped errors is an *Error.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
