package sdk

import (
	"errors"
	"fmt"
)

// Code classifies engine errors
type Code string

const (
	CodeProcessGraphInvalid  Code = "PROCESS_GRAPH_INVALID"
	CodeInvalidBPMN          Code = "INVALID_BPMN"
	CodeDuplicateID          Code = "DUPLICATE_ID"
	CodeTokenState           Code = "TOKEN_STATE"
	CodeExprSyntax           Code = "EXPR_SYNTAX"
	CodeExprEval             Code = "EXPR_EVAL"
	CodeMessageTimeout       Code = "MESSAGE_TIMEOUT"
	CodeSignalInvalidPayload Code = "SIGNAL_INVALID_PAYLOAD"
	CodeTimerInvalid         Code = "TIMER_INVALID"
	CodeGatewayNoPath        Code = "GATEWAY_NO_PATH"
	CodeJoinDuplicate        Code = "JOIN_DUPLICATE"
	CodeJoinUnregistered     Code = "JOIN_UNREGISTERED"
	CodeServiceTaskFailed    Code = "SERVICE_TASK_FAILED"
	CodeCompensationFailed   Code = "COMPENSATION_FAILED"
)

// Error is the engine error type. It carries the classification code
// plus the node and instance the failure belongs to, when known.
type Error struct {
	Code       Code
	Message    string
	NodeID     string
	InstanceID string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.NodeID != "" {
		msg += fmt.Sprintf(" (node %s)", e.NodeID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an engine error
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates an engine error with a formatted message
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps an underlying error with an engine code
func WrapError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithNode attaches the node the error occurred at
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithInstance attaches the owning instance
func (e *Error) WithInstance(instanceID string) *Error {
	e.InstanceID = instanceID
	return e
}

// CodeOf extracts the engine code from an error chain, or "" if the
// chain carries no engine error.
func CodeOf(err error) Code {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Code
	}
	return ""
}

// IsCode reports whether the error chain carries the given code
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// ProcessError is a business error thrown inside a running process: an
// error end/intermediate event, or a failing task. Error boundaries
// match on ErrorCode; a boundary with an empty code catches all.
type ProcessError struct {
	ErrorCode string
	Message   string
	NodeID    string
	Data      map[string]interface{}
}

func (e *ProcessError) Error() string {
	if e.ErrorCode == "" {
		return fmt.Sprintf("process error at %s: %s", e.NodeID, e.Message)
	}
	return fmt.Sprintf("process error %s at %s: %s", e.ErrorCode, e.NodeID, e.Message)
}

// AsProcessError extracts a thrown process error from a chain
func AsProcessError(err error) (*ProcessError, bool) {
	var pe *ProcessError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
