package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Process exit codes of replicad.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // scenarios failed, submissions rejected
	ExitCommandError = 2 // bad flags, config or database path
	ExitMigration    = 3 // the store must not be served until repaired
)

// ExitError carries the exit code a failed command maps to.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError returns an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError returns an ExitError caused by err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns the exit code for err, ExitFailure unless err wraps
// an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Envelope is the single JSON document a command writes under
// --format json.
type Envelope struct {
	Status string         `json:"status"`
	Data   any            `json:"data,omitempty"`
	Error  *EnvelopeError `json:"error,omitempty"`
}

// EnvelopeError describes a failed command. Code is a syncerr code or an
// E_* name.
type EnvelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Printer renders command results as text or as an Envelope. Progress
// lines go to a separate diagnostic writer so they never mix with the
// JSON document on stdout.
type Printer struct {
	json    bool
	verbose bool
	out     io.Writer
	diag    io.Writer
}

// NewPrinter creates a printer for format ("text" or "json").
func NewPrinter(format string, verbose bool, out, diag io.Writer) *Printer {
	if diag == nil {
		diag = io.Discard
	}
	return &Printer{json: format == "json", verbose: verbose, out: out, diag: diag}
}

// JSON reports whether results are written as an Envelope.
func (p *Printer) JSON() bool { return p.json }

// Result writes data as an ok Envelope, or calls text with stdout.
func (p *Printer) Result(data any, text func(w io.Writer)) error {
	if p.json {
		return p.Write(Envelope{Status: "ok", Data: data})
	}
	text(p.out)
	return nil
}

// Failure reports a failed command. Text output shows details only with
// --verbose.
func (p *Printer) Failure(code, message string, details any) error {
	if p.json {
		return p.Write(Envelope{
			Status: "error",
			Error:  &EnvelopeError{Code: code, Message: message, Details: details},
		})
	}
	fmt.Fprintf(p.out, "Error [%s]: %s\n", code, message)
	if p.verbose && details != nil {
		fmt.Fprintf(p.out, "Details: %v\n", details)
	}
	return nil
}

// Textf writes one line of text output. It writes nothing under
// --format json, where the Envelope is the whole output.
func (p *Printer) Textf(format string, args ...any) {
	if p.json {
		return
	}
	fmt.Fprintf(p.out, format+"\n", args...)
}

// Write encodes env to stdout.
func (p *Printer) Write(env Envelope) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(env)
}

// Progress reports one step of a command on the diagnostic writer, only
// with --verbose.
func (p *Printer) Progress(format string, args ...any) {
	if !p.verbose {
		return
	}
	fmt.Fprintf(p.diag, format+"\n", args...)
}
