package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/migration"
	"github.com/roach88/replica/internal/store"
)

// RemediateOptions holds flags for the remediate ghosts command.
type RemediateOptions struct {
	*RootOptions
	Ghosts []string // DID:TICK pairs
	DryRun bool
}

// GhostInfo describes one ghost KML row.
type GhostInfo struct {
	SIdx      ids.SIndex `json:"sidx"`
	OID       ids.OID    `json:"oid"`
	Component string     `json:"component"`
	DID       ids.DID    `json:"did"`
	Tick      ids.Tick   `json:"tick"`
}

// RemediateResult is the output of the remediate ghosts command.
type RemediateResult struct {
	Ghosts  []GhostInfo `json:"ghosts"`
	Removed int         `json:"removed"`
	Epoch   uint64      `json:"epoch"`
	Queued  int         `json:"queued"`
	DryRun  bool        `json:"dry_run"`
}

// NewRemediateCommand creates the remediate command group.
func NewRemediateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remediate",
		Short: "Repair replication state",
	}
	cmd.AddCommand(newRemediateGhostsCommand(rootOpts))
	return cmd
}

func newRemediateGhostsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RemediateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ghosts",
		Short: "Remove ghost KML ticks and advance the epoch",
		Long: `Remove KML ticks that can never be materialized: every KML tick of
this device, plus the ticks given with --ghost or listed under
remediation.ghost_ticks in the config file. Knowledge is rolled back
below every removed tick, filters are forced full, the collector queue
is rebuilt and the epoch advances, all in one transaction.

Peers refuse to gossip with this device until they have run the same
remediation. A tick of 0 removes every KML tick of that device.

Examples:
  replicad remediate ghosts --dry-run
  replicad remediate ghosts --ghost 0123456789abcdef0123456789abcdef:7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemediateGhosts(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Ghosts, "ghost", nil, "ghost tick as DID:TICK (repeatable)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "list the ghost ticks without removing them")

	return cmd
}

// parseGhost parses a DID:TICK pair.
func parseGhost(s string) (migration.GhostSpec, error) {
	didText, tickText, ok := strings.Cut(s, ":")
	if !ok {
		return migration.GhostSpec{}, fmt.Errorf("ghost %q: want DID:TICK", s)
	}
	did, err := ids.ParseDID(didText)
	if err != nil {
		return migration.GhostSpec{}, fmt.Errorf("ghost %q: %w", s, err)
	}
	tick, err := strconv.ParseUint(tickText, 10, 64)
	if err != nil {
		return migration.GhostSpec{}, fmt.Errorf("ghost %q: invalid tick: %w", s, err)
	}
	return migration.GhostSpec{DID: did, Tick: ids.Tick(tick)}, nil
}

func runRemediateGhosts(opts *RemediateOptions, cmd *cobra.Command) error {
	ctx := mustContext(cmd.Context())

	extra := make([]migration.GhostSpec, 0, len(opts.Ghosts))
	for _, g := range opts.Ghosts {
		spec, err := parseGhost(g)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --ghost", err)
		}
		extra = append(extra, spec)
	}

	e, err := openEnv(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()
	coord, err := e.coordinator(extra...)
	if err != nil {
		return err
	}

	out := opts.printer(cmd)
	result := RemediateResult{Ghosts: []GhostInfo{}, DryRun: opts.DryRun}
	apply := func(tx *store.Tx) error {
		ghosts, err := coord.FindOwnGhosts(ctx, tx)
		if err != nil {
			return err
		}
		out.Progress("found %d ghost tick(s)", len(ghosts))
		for _, g := range ghosts {
			result.Ghosts = append(result.Ghosts, GhostInfo{
				SIdx:      g.SOCID.SIdx,
				OID:       g.SOCID.OID,
				Component: strings.ToLower(g.SOCID.CID.String()),
				DID:       g.DID,
				Tick:      g.Tick,
			})
		}
		if opts.DryRun {
			result.Epoch, err = migration.CurrentEpoch(ctx, tx)
			return err
		}
		rep, err := coord.RemoveGhostTicks(ctx, tx, ghosts)
		result.Removed, result.Epoch, result.Queued = rep.Removed, rep.Epoch, rep.Queued
		return err
	}
	if opts.DryRun {
		err = e.store.View(ctx, apply)
	} else {
		err = e.store.Update(ctx, apply)
	}
	e.logMetrics()
	if err != nil {
		return WrapExitError(ExitMigration, "ghost remediation failed", err)
	}

	return out.Result(result, func(w io.Writer) {
		for _, g := range result.Ghosts {
			fmt.Fprintf(w, "ghost store=%d oid=%s %s did=%s tick=%d\n", g.SIdx, g.OID, g.Component, g.DID, g.Tick)
		}
		if opts.DryRun {
			fmt.Fprintf(w, "%d ghost tick(s) found, epoch %d (dry run)\n", len(result.Ghosts), result.Epoch)
			return
		}
		fmt.Fprintf(w, "Removed %d ghost tick(s); epoch is now %d; %d component(s) queued\n", result.Removed, result.Epoch, result.Queued)
	})
}
