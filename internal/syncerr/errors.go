// Package syncerr defines the error taxonomy shared by the replication core.
//
// Every failure that crosses a package boundary is either a plain wrapped
// error or an *Error carrying one of the codes below. Callers branch on the
// code with the Is* helpers, which see through fmt.Errorf("%w") wrapping.
package syncerr

import (
	"errors"
	"fmt"
)

// Code categorizes a replication error.
type Code string

const (
	// CodeCorruption marks a storage failure during a version or knowledge
	// mutation. It is propagated, never retried.
	CodeCorruption Code = "CORRUPTION"

	// CodeInvariant marks a programming-logic fault such as persisting a
	// zero tick. The enclosing transaction is aborted.
	CodeInvariant Code = "INVARIANT"

	// CodeProtocol marks a malformed or mismatched response from a peer or
	// from the authority. Retried with backoff.
	CodeProtocol Code = "PROTOCOL"

	// CodePermission marks a refused request. Never retried.
	CodePermission Code = "PERMISSION"

	// CodeRowCount marks a batched mutation that touched an unexpected
	// number of rows.
	CodeRowCount Code = "ROW_COUNT"

	// CodeEpochMismatch marks a peer on the other side of a remediation
	// barrier.
	CodeEpochMismatch Code = "EPOCH_MISMATCH"

	// CodeNotFound marks a missing store, object or row.
	CodeNotFound Code = "NOT_FOUND"
)

// Error is a categorized replication error.
type Error struct {
	Code    Code
	Message string

	// Details contains additional context for logs and CLI output.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause.
func (e *Error) Unwrap() error { return e.Err }

// New creates an error with the given code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an existing error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Corruption wraps a storage error raised mid-mutation.
func Corruption(err error, op string) *Error {
	return Wrap(CodeCorruption, err, "%s", op)
}

// Invariant reports a violated invariant.
func Invariant(format string, args ...any) *Error {
	return New(CodeInvariant, format, args...)
}

// RowCount reports an affected-row mismatch.
func RowCount(op string, want, got int64) *Error {
	return &Error{
		Code:    CodeRowCount,
		Message: fmt.Sprintf("%s affected %d rows, want %d", op, got, want),
		Details: map[string]string{
			"want": fmt.Sprintf("%d", want),
			"got":  fmt.Sprintf("%d", got),
		},
	}
}

// CodeOf returns the code of the outermost *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool { return CodeOf(err) == code }

// IsCorruption reports whether err is a storage corruption error.
func IsCorruption(err error) bool { return Is(err, CodeCorruption) }

// IsInvariant reports whether err is an invariant violation.
func IsInvariant(err error) bool { return Is(err, CodeInvariant) }

// IsProtocol reports whether err is a protocol error.
func IsProtocol(err error) bool { return Is(err, CodeProtocol) }

// IsPermission reports whether err is a permission error.
func IsPermission(err error) bool { return Is(err, CodePermission) }

// IsRowCount reports whether err is a row-count mismatch.
func IsRowCount(err error) bool { return Is(err, CodeRowCount) }

// IsEpochMismatch reports whether err was caused by a remediation barrier.
func IsEpochMismatch(err error) bool { return Is(err, CodeEpochMismatch) }

// IsNotFound reports whether err names a missing entity.
func IsNotFound(err error) bool { return Is(err, CodeNotFound) }
