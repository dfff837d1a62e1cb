// Package errs defines the error taxonomy shared by the intake and dispatch layers.
package errs

import (
	"errors"
	"fmt"
)

// Code classifies an Error.
type Code string

const (
	CodeValidation          Code = "VALIDATION"           // bad input, never enqueued
	CodeNotInitialized      Code = "NOT_INITIALIZED"      // store used before Initialize
	CodeMatchEngine         Code = "MATCH_ENGINE"         // malformed embedding, treated as no match
	CodeConfirmationTimeout Code = "CONFIRMATION_TIMEOUT" // routing signal, never surfaced
	CodeRouting             Code = "ROUTING"              // classifier failure, degrades to fallback
	CodeDispatch            Code = "DISPATCH"             // job construction failed
	CodeNotFound            Code = "NOT_FOUND"
	CodeInternal            Code = "INTERNAL"
)

// Error is a classified error carrying a human-readable message.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidation creates an error for input that must not be enqueued.
func NewValidation(msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg}
}

// NewNotInitialized creates an error for a store used before Initialize.
func NewNotInitialized(backend string) *Error {
	return &Error{
		Code:    CodeNotInitialized,
		Message: fmt.Sprintf("%s snapshot store is not initialized", backend),
	}
}

// NewMatchEngine creates an error for structural match failures.
func NewMatchEngine(msg string) *Error {
	return &Error{Code: CodeMatchEngine, Message: msg}
}

// NewConfirmationTimeout creates an error for an unanswered confirmation.
func NewConfirmationTimeout(attempts int) *Error {
	return &Error{
		Code:    CodeConfirmationTimeout,
		Message: fmt.Sprintf("no confirmation after %d attempts", attempts),
	}
}

// NewRouting wraps a classifier failure.
func NewRouting(err error) *Error {
	return &Error{Code: CodeRouting, Message: "command routing failed", Err: err}
}

// NewDispatch wraps a job construction failure.
func NewDispatch(err error) *Error {
	return &Error{Code: CodeDispatch, Message: "could not build job", Err: err}
}

// NewNotFound creates an error for a missing record.
func NewNotFound(identifier string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("not found: %s", identifier)}
}

// NewInternal wraps an unexpected failure.
func NewInternal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}

// Is reports whether err is, or wraps, an *Error with the given code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
