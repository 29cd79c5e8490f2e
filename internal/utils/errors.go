package utils

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that must decide between
// rejecting input, halting a cycle, or degrading gracefully.
type Kind string

const (
	// KindValidation: the input is malformed or violates a field
	// constraint. Safe to reject and continue.
	KindValidation Kind = "validation"
	// KindInvariant: internal state is inconsistent (conflicting
	// account reservation, illegal phase transition). The affected
	// operation must not proceed.
	KindInvariant Kind = "invariant"
	// KindDependency: an upstream service call failed or timed out.
	// The cycle treats the affected data as unavailable.
	KindDependency Kind = "dependency"
	// KindFatal: the process cannot continue (storage unusable,
	// invalid configuration at startup).
	KindFatal Kind = "fatal"
)

// AppError wraps an operation, classification, human-facing message,
// and underlying error.
type AppError struct {
	Op   string
	Kind Kind
	Msg  string
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError of the given kind.
func NewAppError(op string, kind Kind, msg string, err error) error {
	return &AppError{Op: op, Kind: kind, Msg: msg, Err: err}
}

// ValidationError is shorthand for a KindValidation error with no cause.
func ValidationError(op, msg string) error {
	return &AppError{Op: op, Kind: KindValidation, Msg: msg}
}

// InvariantError is shorthand for a KindInvariant error with no cause.
func InvariantError(op, msg string) error {
	return &AppError{Op: op, Kind: KindInvariant, Msg: msg}
}

// KindOf extracts the classification from err, walking wrapped errors.
// Unclassified errors default to KindDependency.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindDependency
}
