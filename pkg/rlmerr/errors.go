// Package rlmerr defines the typed error envelope surfaced at orchestrator
// boundaries: {code, message, details, request_id}.
// Internal packages return plain wrapped Go errors; boundary layers (the
// command interface, the runtime mode adapter) translate them into *Error
// via Wrap or construct one directly via New.
package rlmerr

import (
	"errors"
	"fmt"
)

// Code is one of the fixed error codes surfaced at service boundaries.
type Code string

const (
	CodeSessionNotFound    Code = "SESSION_NOT_FOUND"
	CodeSessionNotReady    Code = "SESSION_NOT_READY"
	CodeExecutionNotFound  Code = "EXECUTION_NOT_FOUND"
	CodeValidationError    Code = "VALIDATION_ERROR"
	CodeBudgetExceeded     Code = "BUDGET_EXCEEDED"
	CodeMaxTurnsExceeded   Code = "MAX_TURNS_EXCEEDED"
	CodeStepTimeout        Code = "STEP_TIMEOUT"
	CodeSandboxASTRejected Code = "SANDBOX_AST_REJECTED"
	CodeSandboxLineLimit   Code = "SANDBOX_LINE_LIMIT"
	CodeStateInvalidType   Code = "STATE_INVALID_TYPE"
	CodeStateTooLarge      Code = "STATE_TOO_LARGE"
	CodeChecksumMismatch   Code = "CHECKSUM_MISMATCH"
	CodeS3ReadError        Code = "S3_READ_ERROR"
	CodeParserError        Code = "PARSER_ERROR"
	CodeLLMProviderError   Code = "LLM_PROVIDER_ERROR"
	CodeInternalError      Code = "INTERNAL_ERROR"
)

// Error is the envelope returned at orchestrator boundaries. It implements
// error and supports errors.Is against another *Error by Code, and
// errors.Unwrap to reach a wrapped cause.
type Error struct {
	Code      Code
	Message   string
	Details   map[string]any
	RequestID string

	cause error
}

func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s: %s (request_id=%s)", e.Code, e.Message, e.RequestID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches another *Error with the same Code, so callers can write
// errors.Is(err, rlmerr.New(rlmerr.CodeBudgetExceeded, "")) to classify.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// New constructs an *Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an *Error carrying err as its cause, preserving err for
// errors.Unwrap/errors.As while classifying it with code at the boundary.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// WithDetails returns a copy of e with Details set.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// WithRequestID returns a copy of e with RequestID set.
func (e *Error) WithRequestID(id string) *Error {
	cp := *e
	cp.RequestID = id
	return &cp
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error, and
// CodeInternalError otherwise — used by boundary layers that must always
// report some code.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternalError
}
