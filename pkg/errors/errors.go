// Package errors provides structured error handling for Atlas.
//
// Errors carry an ErrorType that drives propagation policy: per-asset and
// per-source types are recorded in scan outcomes, only ErrorTypeConfig is
// returned synchronously from trigger operations.
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType classifies a failure for propagation and reporting.
type ErrorType string

const (
	// ErrorTypeInternal is a bug or an unexpected engine state
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation rejects malformed input to an engine call
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNotFound is a missing or soft-deleted asset, run or source record
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeConnection represents an unreachable source or an authentication failure
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeTimeout represents a per-connector timeout. It is a connection-class failure.
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeConfig represents an unknown or disabled source or an invalid trigger
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeExtractionDegraded marks metadata enrichment that partially failed
	ErrorTypeExtractionDegraded ErrorType = "extraction_degraded"
	// ErrorTypeCatalogWrite represents a persistence failure on a single asset
	ErrorTypeCatalogWrite ErrorType = "catalog_write"
	// ErrorTypePartialScan is the aggregate error of a run with failed sources
	ErrorTypePartialScan ErrorType = "partial_scan"
	// ErrorTypeCancelled represents a cooperatively cancelled operation
	ErrorTypeCancelled ErrorType = "cancelled"
	// ErrorTypeData represents malformed source data
	ErrorTypeData ErrorType = "data"
)

// Error is the engine error. Details end up as structured log fields.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame is one caller recorded when the error was created.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail attaches key=value and returns e for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New returns an error of errType.
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap classifies err as errType. Wrapping nil returns nil.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	wrapped := &Error{Type: errType, Message: message, Cause: err}
	var inner *Error
	if errors.As(err, &inner) {
		// keep the innermost stack
		wrapped.Stack = inner.Stack
	} else {
		wrapped.Stack = captureStack(2)
	}
	return wrapped
}

// TypeOf returns the outermost ErrorType in the chain, or ErrorTypeInternal.
func TypeOf(err error) ErrorType {
	var e *Error
	if !errors.As(err, &e) {
		return ErrorTypeInternal
	}
	return e.Type
}

// IsType reports whether the outermost *Error in err's chain has errType.
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// IsRetryable reports connection-class failures, which a connector retries.
func IsRetryable(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeTimeout, ErrorTypeConnection:
		return true
	default:
		return false
	}
}

// IsConnectionClass reports whether err is a connection or timeout failure.
func IsConnectionClass(err error) bool {
	return IsRetryable(err)
}

// UnknownSource is returned when a requested source id is not registered.
func UnknownSource(sourceID string) *Error {
	e := New(ErrorTypeConfig, fmt.Sprintf("unknown source %q", sourceID))
	e.Stack = captureStack(2)
	return e.WithDetail("source_id", sourceID).WithDetail("reason", "unknown")
}

// SourceDisabled is returned when a registered source is switched off.
func SourceDisabled(sourceID string) *Error {
	e := New(ErrorTypeConfig, fmt.Sprintf("source %q is disabled", sourceID))
	e.Stack = captureStack(2)
	return e.WithDetail("source_id", sourceID).WithDetail("reason", "disabled")
}

// NotFound is returned by catalog lookups.
func NotFound(kind, id string) *Error {
	e := New(ErrorTypeNotFound, fmt.Sprintf("%s %q not found", kind, id))
	e.Stack = captureStack(2)
	return e.WithDetail(kind, id)
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool {
	return IsType(err, ErrorTypeConfig)
}

// Is and As re-export the standard library helpers so callers need one import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return errors.As(err, target) }

func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, 8)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
