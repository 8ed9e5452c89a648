package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/replica/internal/authority"
	"github.com/roach88/replica/internal/syncerr"
)

// NewPushCommand creates the push command.
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Submit queued local versions to the authority",
		Long: `Drain the push queue: submit the master version of every component
changed locally to the authority configured under authority.url, in
batches of authority.batch_size. Accepted versions are removed locally
and the returned high-water mark is persisted in the same transaction.
Rejected components stay queued for the next run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(rootOpts, cmd)
		},
	}
}

func runPush(opts *RootOptions, cmd *cobra.Command) error {
	ctx := mustContext(cmd.Context())
	cfg := opts.Config.Authority
	if cfg.URL == "" {
		return NewExitError(ExitCommandError, "authority.url is not configured")
	}

	e, err := openEnv(ctx, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	client := authority.NewClient(cfg.URL,
		authority.WithToken(cfg.Token),
		authority.WithBackoff(opts.Config.Retry.Backoff("authority.submit")),
		authority.WithMetrics(e.metrics),
	)
	report, err := authority.NewPusher(e.store, client, cfg.BatchSize).Drain(ctx)
	e.logMetrics()
	if err != nil {
		if syncerr.IsPermission(err) {
			return WrapExitError(ExitCommandError, "authority refused the credentials", err)
		}
		return failure("push failed", err)
	}

	err = opts.printer(cmd).Result(report, func(w io.Writer) {
		fmt.Fprintf(w, "Submitted %d, accepted %d, rejected %d, skipped %d; high water %d\n",
			report.Submitted, report.Accepted, report.Rejected, report.Skipped, report.HighWater)
	})
	if err != nil {
		return err
	}
	if report.Rejected > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d submission(s) rejected", report.Rejected))
	}
	return nil
}
