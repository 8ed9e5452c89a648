package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/syncerr"
)

func newTestPrinter(format string, verbose bool) (*Printer, *bytes.Buffer, *bytes.Buffer) {
	out, diag := &bytes.Buffer{}, &bytes.Buffer{}
	return NewPrinter(format, verbose, out, diag), out, diag
}

func TestPrinter_ResultJSON(t *testing.T) {
	p, out, _ := newTestPrinter("json", false)

	called := false
	err := p.Result(map[string]int{"queued": 3}, func(io.Writer) { called = true })
	require.NoError(t, err)
	assert.False(t, called, "text renderer must not run under json")

	var env struct {
		Status string         `json:"status"`
		Data   map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &env))
	assert.Equal(t, "ok", env.Status)
	assert.Equal(t, 3, env.Data["queued"])
}

func TestPrinter_ResultText(t *testing.T) {
	p, out, _ := newTestPrinter("text", false)

	err := p.Result(nil, func(w io.Writer) { fmt.Fprintln(w, "Fixed 2 object(s)") })
	require.NoError(t, err)
	assert.Equal(t, "Fixed 2 object(s)\n", out.String())
}

func TestPrinter_Failure(t *testing.T) {
	tests := []struct {
		name    string
		format  string
		verbose bool
		want    []string
		absent  []string
	}{
		{"text", "text", false, []string{"Error [INVARIANT]: step 2 failed"}, []string{"Details:"}},
		{"text verbose", "text", true, []string{"Error [INVARIANT]", "Details: map[step:2]"}, nil},
		{"json", "json", false, []string{`"status": "error"`, `"code": "INVARIANT"`, `"step": 2`}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, out, _ := newTestPrinter(tt.format, tt.verbose)
			require.NoError(t, p.Failure("INVARIANT", "step 2 failed", map[string]int{"step": 2}))
			for _, s := range tt.want {
				assert.Contains(t, out.String(), s)
			}
			for _, s := range tt.absent {
				assert.NotContains(t, out.String(), s)
			}
		})
	}
}

func TestPrinter_TextfSilentUnderJSON(t *testing.T) {
	p, out, _ := newTestPrinter("json", false)
	p.Textf("ok   %s", "ghost_remediation")
	assert.Empty(t, out.String())

	p, out, _ = newTestPrinter("text", false)
	p.Textf("ok   %s", "ghost_remediation")
	assert.Equal(t, "ok   ghost_remediation\n", out.String())
}

func TestPrinter_ProgressGoesToDiagnostics(t *testing.T) {
	p, out, diag := newTestPrinter("json", true)
	p.Progress("found %d ghost tick(s)", 4)
	assert.Empty(t, out.String())
	assert.Equal(t, "found 4 ghost tick(s)\n", diag.String())

	p, out, diag = newTestPrinter("text", false)
	p.Progress("found %d ghost tick(s)", 4)
	assert.Empty(t, out.String())
	assert.Empty(t, diag.String())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitMigration, GetExitCode(WrapExitError(ExitMigration, "rebuild failed", syncerr.Invariant("x"))))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("wrapped: %w", NewExitError(ExitCommandError, "bad flag"))))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
}

func TestExitError_Message(t *testing.T) {
	assert.Equal(t, "bad flag", NewExitError(ExitCommandError, "bad flag").Error())

	cause := errors.New("disk full")
	err := WrapExitError(ExitFailure, "push failed", cause)
	assert.Equal(t, "push failed: disk full", err.Error())
	assert.ErrorIs(t, err, cause)
}
