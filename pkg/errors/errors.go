// Unified error handling for the G-code simulator
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Parse errors. Recovered locally by dropping the line.
	ErrParse ErrorCode = "PARSE"

	// Ingestion errors. The byte source failed; fatal to the session.
	ErrIngestion ErrorCode = "INGESTION"

	// Seek errors
	ErrSeekTimeout  ErrorCode = "SEEK_TIMEOUT"
	ErrInvalidIndex ErrorCode = "INVALID_INDEX"
	ErrOutOfRange   ErrorCode = "OUT_OF_RANGE"

	// Geometry budget exceeded. Never surfaced to callers, only logged.
	ErrMemoryPressure ErrorCode = "MEMORY_PRESSURE"

	// Internal invariant violations (e.g. command store corruption)
	ErrInvariant ErrorCode = "INVARIANT"

	// Configuration errors
	ErrConfig ErrorCode = "CONFIG"

	// Operation aborted by stop/reset or context cancellation
	ErrCancelled ErrorCode = "CANCELLED"

	// Control call not valid in the current playback state
	ErrState ErrorCode = "STATE"

	// Control call with a bad argument (speed, point cap)
	ErrInvalidArgument ErrorCode = "INVALID_ARGUMENT"
)

// SimError is the unified error type for the simulator
type SimError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Line is the G-code source line number (if applicable)
	Line int

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *SimError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Line > 0 {
		msg = fmt.Sprintf("[%s] line %d: %s", e.Code, e.Line, e.Message)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *SimError) Unwrap() error {
	return e.Err
}

// SetLine sets the line number
func (e *SimError) SetLine(line int) *SimError {
	e.Line = line
	return e
}

// SetContext adds additional context
func (e *SimError) SetContext(key string, value interface{}) *SimError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *SimError {
	return &SimError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new SimError
func New(code ErrorCode, message string) *SimError {
	return &SimError{
		Code:    code,
		Message: message,
	}
}

// ParseError creates an error for a line that does not match the G-code grammar
func ParseError(line int, reason string) *SimError {
	return New(ErrParse, reason).SetLine(line)
}

// IngestionError wraps a byte source failure
func IngestionError(source string, err error) *SimError {
	return Wrap(err, ErrIngestion, fmt.Sprintf("reading %s failed", source)).
		SetContext("source", source)
}

// SeekTimeoutError reports that the seek target never arrived from the stream
func SeekTimeoutError(target, loaded int) *SimError {
	return New(ErrSeekTimeout, fmt.Sprintf("command %d not loaded (have %d), ingestion stalled", target, loaded)).
		SetContext("target", target).
		SetContext("loaded", loaded)
}

// OutOfRangeError reports an index outside the command store
func OutOfRangeError(index, length int) *SimError {
	return New(ErrOutOfRange, fmt.Sprintf("index %d out of range [0, %d)", index, length))
}

// InvariantError reports an internal consistency violation
func InvariantError(message string) *SimError {
	return New(ErrInvariant, message)
}

// ConfigError creates a configuration error
func ConfigError(message string, err error) *SimError {
	return Wrap(err, ErrConfig, message)
}

// CancelledError reports an operation aborted by a stop, reset or context
func CancelledError(operation string, err error) *SimError {
	return Wrap(err, ErrCancelled, operation+" cancelled")
}

// StateError reports a control call that is not valid right now
func StateError(operation, state string) *SimError {
	return New(ErrState, fmt.Sprintf("cannot %s while %s", operation, state))
}

// InvalidArgumentError reports a rejected control argument
func InvalidArgumentError(name string, value interface{}) *SimError {
	return New(ErrInvalidArgument, fmt.Sprintf("invalid %s: %v", name, value)).
		SetContext(name, value)
}

// FromPanic converts a recovered panic value into an invariant error.
// It must be fed from recover() inside the deferred function itself.
func FromPanic(r interface{}) *SimError {
	switch x := r.(type) {
	case nil:
		return nil
	case runtime.Error:
		return InvariantError(x.Error())
	case error:
		return Wrap(x, ErrInvariant, "panic")
	default:
		return InvariantError(fmt.Sprintf("panic: %v", x))
	}
}

// Is checks if any error in the chain matches the given error code
func Is(err error, code ErrorCode) bool {
	var simErr *SimError
	if stderrors.As(err, &simErr) {
		return simErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first SimError in err's chain, or "" if
// there is none.
func CodeOf(err error) ErrorCode {
	var simErr *SimError
	if stderrors.As(err, &simErr) {
		return simErr.Code
	}
	return ""
}

// IsFatal reports whether err requires a reset before the session can be used again.
// Only ingestion failures and invariant violations are fatal.
func IsFatal(err error) bool {
	return Is(err, ErrIngestion) || Is(err, ErrInvariant)
}

// IsRecoverable reports whether the caller may simply retry or cancel.
func IsRecoverable(err error) bool {
	return Is(err, ErrSeekTimeout) ||
		Is(err, ErrCancelled) ||
		Is(err, ErrInvalidIndex) ||
		Is(err, ErrOutOfRange) ||
		Is(err, ErrState) ||
		Is(err, ErrInvalidArgument)
}
