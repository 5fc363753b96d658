// Package bcerr defines the structured error kinds shared across
// browsecraft's core components: small exported error types with
// Error/Unwrap methods rather than bare fmt.Errorf strings, so callers
// can errors.As their way to the specific failure instead of matching
// on message text.
package bcerr

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCode is the closed enumeration of BiDi protocol error codes.
type ErrorCode string

const (
	CodeInvalidArgument ErrorCode = "invalid argument"
	CodeInvalidSelector ErrorCode = "invalid selector"
	CodeInvalidSessionID ErrorCode = "invalid session id"
	CodeMoveTargetOutOfBounds ErrorCode = "move target out of bounds"
	CodeNoSuchAlert ErrorCode = "no such alert"
	CodeNoSuchElement ErrorCode = "no such element"
	CodeNoSuchFrame ErrorCode = "no such frame"
	CodeNoSuchHandle ErrorCode = "no such handle"
	CodeNoSuchIntercept ErrorCode = "no such intercept"
	CodeNoSuchNode ErrorCode = "no such node"
	CodeNoSuchRequest ErrorCode = "no such request"
	CodeNoSuchScript ErrorCode = "no such script"
	CodeNoSuchUserContext ErrorCode = "no such user context"
	CodeSessionNotCreated ErrorCode = "session not created"
	CodeUnableToCaptureScreen ErrorCode = "unable to capture screen"
	CodeUnableToCloseBrowser ErrorCode = "unable to close browser"
	CodeUnableToSetCookie ErrorCode = "unable to set cookie"
	CodeUnableToSetFileInput ErrorCode = "unable to set file input"
	CodeUnderspecifiedStoragePartition ErrorCode = "underspecified storage partition"
	CodeUnknownCommand ErrorCode = "unknown command"
	CodeUnknownError ErrorCode = "unknown error"
	CodeUnsupportedOperation ErrorCode = "unsupported operation"
)

// ValidErrorCode reports whether code belongs to the closed enumeration.
func ValidErrorCode(code ErrorCode) bool {
	switch code {
	case CodeInvalidArgument, CodeInvalidSelector, CodeInvalidSessionID,
		CodeMoveTargetOutOfBounds, CodeNoSuchAlert, CodeNoSuchElement,
		CodeNoSuchFrame, CodeNoSuchHandle, CodeNoSuchIntercept, CodeNoSuchNode,
		CodeNoSuchRequest, CodeNoSuchScript, CodeNoSuchUserContext,
		CodeSessionNotCreated, CodeUnableToCaptureScreen, CodeUnableToCloseBrowser,
		CodeUnableToSetCookie, CodeUnableToSetFileInput,
		CodeUnderspecifiedStoragePartition, CodeUnknownCommand, CodeUnknownError,
		CodeUnsupportedOperation:
		return true
	default:
		return false
	}
}

// ProtocolError is returned when a BiDi command resolves with an "error"
// response envelope.
type ProtocolError struct {
	Code ErrorCode
	Message string
	Stacktrace string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// TimeoutError is returned when a command, step, hook, or action deadline
// expires before completion.
type TimeoutError struct {
	Operation string
	ElapsedMs int64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %dms", e.Operation, e.ElapsedMs)
}

// NewTimeout constructs a TimeoutError from an elapsed duration.
func NewTimeout(operation string, elapsed time.Duration) *TimeoutError {
	return &TimeoutError{Operation: operation, ElapsedMs: elapsed.Milliseconds()}
}

// ErrConnectionClosed is returned to every pending command when the
// transport's duplex channel closes.
var ErrConnectionClosed = fmt.Errorf("connection closed")

// LaunchFailure is returned when BrowserLauncher fails to observe an
// endpoint banner before its timeout.
type LaunchFailure struct {
	Stderr string
}

func (e *LaunchFailure) Error() string {
	return fmt.Sprintf("browser launch failed: %s", strings.TrimSpace(e.Stderr))
}

// ErrNoWorkers is returned by WorkerPool.Execute when every worker is
// Errored or Terminated.
var ErrNoWorkers = fmt.Errorf("no workers available")

// AmbiguousStepError is returned by StepRegistry.Match when more than one
// registration matches a step's text.
type AmbiguousStepError struct {
	StepText string
	Matches []string
}

func (e *AmbiguousStepError) Error() string {
	return fmt.Sprintf("ambiguous step %q matches %d registrations: %s", e.StepText, len(e.Matches), strings.Join(e.Matches, ", "))
}

// ErrUndefinedStep indicates no registration matched a step's text.
var ErrUndefinedStep = fmt.Errorf("undefined step")

// PendingError is the sentinel a step handler throws to mark itself Pending.
type PendingError struct {
	Reason string
}

func (e *PendingError) Error() string {
	if e.Reason == "" {
		return "pending"
	}
	return "pending: " + e.Reason
}

// ParseError describes a Gherkin syntax issue at a specific location. The
// Gherkin parser neither returns nor records it: unparseable input
// degrades to a document with a nil Feature.
type ParseError struct {
	Line int
	Column int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.Line, e.Column, e.Reason)
}

// UnknownStrategyError is returned when the Scheduler is asked to run an
// unrecognized execution strategy.
type UnknownStrategyError struct {
	Strategy string
}

func (e *UnknownStrategyError) Error() string {
	return fmt.Sprintf("unknown strategy %q", e.Strategy)
}

// TagExpressionErrorKind enumerates the TagEngine's parse failure modes.
type TagExpressionErrorKind string

const (
	TagErrEmptyExpression TagExpressionErrorKind = "EmptyExpression"
	TagErrUnexpectedCharacter TagExpressionErrorKind = "UnexpectedCharacter"
	TagErrLoneAt TagExpressionErrorKind = "LoneAt"
	TagErrUnbalancedParens TagExpressionErrorKind = "UnbalancedParens"
)

// TagExpressionError is returned by TagEngine.Parse on malformed input.
type TagExpressionError struct {
	Kind TagExpressionErrorKind
	Detail string
}

func (e *TagExpressionError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}
