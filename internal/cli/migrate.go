package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/replica/internal/migration"
)

// StepInfo describes one remediation step.
type StepInfo struct {
	Version     uint64 `json:"version"`
	Description string `json:"description"`
}

// MigrateResult is the output of the migrate command.
type MigrateResult struct {
	Applied []StepInfo `json:"applied"`
	Cursor  uint64     `json:"cursor"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending remediation steps",
		Long: `Apply every remediation step this build knows that the database has
not run yet: anchor identifier repair, ghost tick removal, max-tick
rebuild and collector queue rebuild. Each step commits together with
the step cursor, so an interrupted run resumes at the failed step.

Ghost ticks listed under remediation.ghost_ticks in the config file are
removed together with the device's own ghost ticks.

Exit codes:
  0 - All pending steps applied
  2 - Command error (bad config, database cannot be opened)
  3 - A step failed; the daemon must not run against this database`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(rootOpts, cmd)
		},
	}
	return cmd
}

func runMigrate(opts *RootOptions, cmd *cobra.Command) error {
	ctx := mustContext(cmd.Context())
	e, err := openEnv(ctx, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	coord, err := e.coordinator()
	if err != nil {
		return err
	}
	applied, runErr := coord.RunPending(ctx, e.store)
	defer e.logMetrics()

	result := MigrateResult{Applied: make([]StepInfo, 0, len(applied))}
	for _, s := range applied {
		result.Applied = append(result.Applied, StepInfo{Version: s.Version, Description: s.Description})
	}
	if result.Cursor, err = migration.Cursor(ctx, e.store); err != nil {
		return failure("failed to read remediation cursor", err)
	}

	out := opts.printer(cmd)
	if runErr != nil {
		var stepErr *migration.StepError
		details := any(result)
		if errors.As(runErr, &stepErr) {
			details = StepInfo{Version: stepErr.Step.Version, Description: stepErr.Step.Description}
		}
		if err := out.Failure(errorCode(runErr), runErr.Error(), details); err != nil {
			return err
		}
		return WrapExitError(ExitMigration, "remediation failed", runErr)
	}

	return out.Result(result, func(w io.Writer) {
		if len(result.Applied) == 0 {
			fmt.Fprintf(w, "Nothing to apply (cursor %d)\n", result.Cursor)
			return
		}
		for _, s := range result.Applied {
			fmt.Fprintf(w, "applied %d: %s\n", s.Version, s.Description)
		}
		fmt.Fprintf(w, "Cursor: %d\n", result.Cursor)
	})
}
