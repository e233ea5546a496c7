// Package errs provides the coded error type shared by every relgrid
// component. Codes classify a failure (transient infrastructure, build
// failure, conflict, configuration) so callers can decide whether to retry,
// reuse, skip or abort without string matching.
package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Code identifies a class of failure. Codes are strings so they read well in
// structured logs.
type Code string

const (
	// CodeTransient marks network or store hiccups that may succeed on retry.
	CodeTransient Code = "TRANSIENT_INFRA"

	// CodeBuildFailed marks a target-specific build failure. It is terminal for
	// the instance and never retried automatically.
	CodeBuildFailed Code = "BUILD_FAILED"

	// CodeNotFound marks a missing object or record.
	CodeNotFound Code = "NOT_FOUND"

	// CodeAlreadyExists marks a write-once slot that was already written.
	CodeAlreadyExists Code = "ALREADY_EXISTS"

	// CodeReleaseExists marks a release create that lost to an existing record
	// with the same tag. Resolved by fetch-and-reuse.
	CodeReleaseExists Code = "RELEASE_ALREADY_EXISTS"

	// CodeAssetConflict marks an asset upload that collided with an existing
	// filename. Resolved by overwrite.
	CodeAssetConflict Code = "ASSET_UPLOAD_CONFLICT"

	// CodeProducerFailed marks an artifact whose producing build did not succeed.
	CodeProducerFailed Code = "PRODUCER_FAILED"

	// CodeNotReady marks an artifact whose producer has not reached a terminal state.
	CodeNotReady Code = "NOT_READY"

	// CodeInvalidConfig marks missing or invalid trigger input or configuration.
	// It aborts a pipeline before any instance is scheduled.
	CodeInvalidConfig Code = "INVALID_CONFIGURATION"

	// CodeTimeout marks an operation that exceeded its wall-clock budget.
	CodeTimeout Code = "TIMEOUT"

	// CodeSkipped marks an instance that never ran because its gate was not met.
	CodeSkipped Code = "SKIPPED"

	// CodePreviouslyFailed marks an instance of a resumed pipeline that failed
	// in an earlier invocation and was not selected for retry.
	CodePreviouslyFailed Code = "PREVIOUSLY_FAILED"

	// CodeInternal marks a programming or invariant error.
	CodeInternal Code = "INTERNAL_ERROR"
)

// Error is a coded error carrying the operation and, when known, the stage
// and target it happened in.
type Error struct {
	Code   Code
	Op     string
	Stage  string
	Target string
	Msg    string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	if e.Stage != "" {
		sb.WriteString(e.Stage)
		if e.Target != "" {
			sb.WriteString("[" + e.Target + "]")
		}
		sb.WriteString(": ")
	} else if e.Target != "" {
		sb.WriteString("target " + e.Target + ": ")
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		sb.WriteString(e.Msg + ": " + e.Err.Error())
	case e.Msg != "":
		sb.WriteString(e.Msg)
	case e.Err != nil:
		sb.WriteString(e.Err.Error())
	default:
		sb.WriteString(strings.ToLower(string(e.Code)))
	}
	return sb.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a coded error with a message.
func New(code Code, op, msg string) *Error {
	return &Error{Code: code, Op: op, Msg: msg}
}

// Newf returns a coded error with a formatted message.
func Newf(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and operation to err. A nil err yields nil.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// WithTarget returns a copy of e bound to a stage and target.
func (e *Error) WithTarget(stage, target string) *Error {
	c := *e
	c.Stage = stage
	c.Target = target
	return &c
}

// CodeOf returns the code of the outermost coded error in err's chain.
// Context cancellation and deadline errors map to CodeTimeout when uncoded.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeInternal
}

// Is reports whether any error in err's chain carries the given code.
func Is(err error, code Code) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return Is(err, CodeTransient)
}

// Transient wraps err as a TRANSIENT_INFRA error.
func Transient(op string, err error) error {
	return Wrap(CodeTransient, op, err)
}
