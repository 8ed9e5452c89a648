package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/replica/internal/harness"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // scenario filter (glob pattern)
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Golden string   `json:"golden,omitempty"` // "match", "updated" or "mismatch"
	Errors []string `json:"errors,omitempty"`
}

// SimulateResult holds the overall simulation result.
type SimulateResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate <scenario-file-or-dir>",
		Short: "Run multi-device replication scenarios",
		Long: `Run YAML scenarios through the in-process harness. Every device of a
scenario gets its own in-memory database; devices gossip through an
in-process transport.

When golden/<scenario>.golden exists next to a scenario file the final
state is compared against it; --update rewrites it.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  replicad simulate ./scenarios
  replicad simulate ./scenarios --filter "ghost_*"
  replicad simulate ./scenarios/epoch_mismatch.yaml --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runSimulate(opts *SimulateOptions, path string, cmd *cobra.Command) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenario path not found: %s", path))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to stat scenario path", err)
	}

	files := []string{path}
	if info.IsDir() {
		if files, err = findScenarioFiles(path, opts.Filter); err != nil {
			return WrapExitError(ExitCommandError, "failed to find scenarios", err)
		}
	}

	result := SimulateResult{
		Scenarios: make([]ScenarioResult, 0, len(files)),
		Total:     len(files),
	}
	out := opts.printer(cmd)
	for _, file := range files {
		out.Progress("running %s", file)
		sr := runScenario(opts, out, file, cmd)
		result.Scenarios = append(result.Scenarios, sr)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	return outputSimulate(out, result)
}

// findScenarioFiles finds all YAML scenario files directly inside dir.
func findScenarioFiles(dir string, filter string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if filter != "" {
			matched, err := filepath.Match(filter, strings.TrimSuffix(entry.Name(), ext))
			if err != nil {
				return nil, fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				continue
			}
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	return files, nil
}

// runScenario executes a single scenario and returns the result.
func runScenario(opts *SimulateOptions, out *Printer, file string, cmd *cobra.Command) ScenarioResult {
	fail := func(name string, errs ...string) ScenarioResult {
		out.Textf("FAIL %s", name)
		for _, e := range errs {
			out.Textf("  %s", e)
		}
		return ScenarioResult{Name: name, Pass: false, Errors: errs}
	}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return fail(filepath.Base(file), fmt.Sprintf("failed to load scenario: %v", err))
	}
	result, err := harness.Run(mustContext(cmd.Context()), scenario)
	if err != nil {
		return fail(scenario.Name, fmt.Sprintf("execution failed: %v", err))
	}

	sr := ScenarioResult{Name: scenario.Name, Pass: result.Pass, Errors: result.Errors}
	status, err := checkGolden(file, scenario.Name, result, opts.Update)
	sr.Golden = status
	if err != nil {
		sr.Pass = false
		sr.Errors = append(sr.Errors, err.Error())
	}
	if !sr.Pass {
		res := fail(sr.Name, sr.Errors...)
		res.Golden = sr.Golden
		return res
	}
	suffix := ""
	if sr.Golden != "" {
		suffix = " (golden " + sr.Golden + ")"
	}
	out.Textf("ok   %s%s", sr.Name, suffix)
	return sr
}

// goldenFilePath returns the path to the golden file for a scenario.
func goldenFilePath(scenarioFile, name string) string {
	return filepath.Join(filepath.Dir(scenarioFile), "golden", name+".golden")
}

// checkGolden compares the result against the scenario's golden file, or
// rewrites it when update is set. A missing golden file is not an error.
func checkGolden(scenarioFile, name string, result *harness.Result, update bool) (string, error) {
	path := goldenFilePath(scenarioFile, name)
	data, err := harness.MarshalGolden(name, result)
	if err != nil {
		return "", fmt.Errorf("failed to marshal golden snapshot: %w", err)
	}

	if update {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return "", fmt.Errorf("failed to create golden directory: %w", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return "", fmt.Errorf("failed to write golden file: %w", err)
		}
		return "updated", nil
	}

	want, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read golden file: %w", err)
	}
	if !bytes.Equal(want, data) {
		return "mismatch", fmt.Errorf("state does not match %s (run with --update to regenerate)", path)
	}
	return "match", nil
}

// outputSimulate writes the summary. Under --format json a failed run
// still carries the per-scenario results as data.
func outputSimulate(out *Printer, result SimulateResult) error {
	if result.Failed == 0 {
		return out.Result(result, func(w io.Writer) {
			if result.Total == 0 {
				fmt.Fprintln(w, "No scenarios found.")
				return
			}
			fmt.Fprintln(w)
			fmt.Fprintf(w, "Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
		})
	}

	message := fmt.Sprintf("%d scenario(s) failed", result.Failed)
	if out.JSON() {
		err := out.Write(Envelope{
			Status: "error",
			Data:   result,
			Error:  &EnvelopeError{Code: "E_SCENARIO_FAILED", Message: message},
		})
		if err != nil {
			return err
		}
	} else {
		out.Textf("")
		out.Textf("Summary: %d passed, %d failed, %d total", result.Passed, result.Failed, result.Total)
	}
	return NewExitError(ExitFailure, message)
}
