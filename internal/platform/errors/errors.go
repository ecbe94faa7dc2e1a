// Package errors is the pipeline's error taxonomy. Every failure that reaches
// the CLI carries a code, and the code picks the process exit status.
//
// Import it as perr.
package errors

import (
	"context"
	stderrs "errors"
	"fmt"
)

// ErrorCode classifies a failure
type ErrorCode uint8

const (
	ErrorCodeUnknown ErrorCode = iota
	// ErrorCodeConfig is a missing or malformed setting, catalog or table layout
	ErrorCodeConfig
	// ErrorCodeInvalidArgument is a bad flag or option
	ErrorCodeInvalidArgument
	// ErrorCodeUnavailable is a store that cannot be reached
	ErrorCodeUnavailable
	// ErrorCodeConflict is another run holding the same table
	ErrorCodeConflict
	// ErrorCodeDB is any other database failure
	ErrorCodeDB
	// ErrorCodeMerge is a merge that was rolled back
	ErrorCodeMerge
	// ErrorCodeCanceled is a run interrupted by signal or deadline
	ErrorCodeCanceled
)

var codeNames = [...]string{
	ErrorCodeUnknown:         "unknown",
	ErrorCodeConfig:          "config",
	ErrorCodeInvalidArgument: "invalid_argument",
	ErrorCodeUnavailable:     "unavailable",
	ErrorCodeConflict:        "conflict",
	ErrorCodeDB:              "db",
	ErrorCodeMerge:           "merge",
	ErrorCodeCanceled:        "canceled",
}

func (c ErrorCode) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("code(%d)", uint8(c))
}

// Exit statuses, sysexits.h where one fits
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 64
	ExitUnavailable = 69
	ExitCantCreate  = 73
	ExitTempFail    = 75
	ExitConfig      = 78
	ExitInterrupted = 130
)

var exitFor = map[ErrorCode]int{
	ErrorCodeConfig:          ExitConfig,
	ErrorCodeInvalidArgument: ExitUsage,
	ErrorCodeUnavailable:     ExitUnavailable,
	ErrorCodeConflict:        ExitCantCreate,
	ErrorCodeDB:              ExitTempFail,
	ErrorCodeMerge:           ExitTempFail,
	ErrorCodeCanceled:        ExitInterrupted,
}

// ExitCode maps err to a process exit status. A bare context.Canceled counts
// as an interrupt unless a merge failure is also in the chain
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if stderrs.Is(err, context.Canceled) && !IsMerge(err) {
		return ExitInterrupted
	}
	if n, ok := exitFor[CodeOf(err)]; ok {
		return n
	}
	return ExitFailure
}

// Error is a coded error with an optional cause
type Error struct {
	code  ErrorCode
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.cause == nil {
		return e.msg
	}
	return e.msg + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

// Code returns the error's code
func (e *Error) Code() ErrorCode { return e.code }

// CodeOf returns the outermost code in err's chain, Unknown when there is none
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrs.As(err, &e) {
		return e.code
	}
	return ErrorCodeUnknown
}

func IsCode(err error, code ErrorCode) bool { return err != nil && CodeOf(err) == code }
func IsConfig(err error) bool               { return IsCode(err, ErrorCodeConfig) }
func IsUnavailable(err error) bool          { return IsCode(err, ErrorCodeUnavailable) }
func IsMerge(err error) bool                { return IsCode(err, ErrorCodeMerge) }

func New(code ErrorCode, msg string) error { return &Error{code: code, msg: msg} }

func Wrap(cause error, code ErrorCode, msg string) error {
	return &Error{code: code, msg: msg, cause: cause}
}

func Wrapf(cause error, code ErrorCode, format string, a ...any) error {
	return Wrap(cause, code, fmt.Sprintf(format, a...))
}

func Configf(format string, a ...any) error {
	return New(ErrorCodeConfig, fmt.Sprintf(format, a...))
}

func InvalidArgf(format string, a ...any) error {
	return New(ErrorCodeInvalidArgument, fmt.Sprintf(format, a...))
}

func Conflictf(format string, a ...any) error {
	return New(ErrorCodeConflict, fmt.Sprintf(format, a...))
}

func Unavailablef(format string, a ...any) error {
	return New(ErrorCodeUnavailable, fmt.Sprintf(format, a...))
}
