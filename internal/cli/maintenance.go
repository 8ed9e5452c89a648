package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/migration"
	"github.com/roach88/replica/internal/store"
)

// FixInfo describes one repaired object identifier.
type FixInfo struct {
	SIdx      ids.SIndex `json:"sidx"`
	From      ids.OID    `json:"from"`
	To        ids.OID    `json:"to"`
	Collision bool       `json:"collision"`
}

// RebuildResult is the output of the rebuild command.
type RebuildResult struct {
	Mismatches int64 `json:"max_tick_mismatches"`
	Queued     int   `json:"queued"`
}

// NewFixAnchorsCommand creates the fix-anchors command.
func NewFixAnchorsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fix-anchors",
		Short: "Repair object identifiers whose nibble does not match their type",
		Long: `Rewrite every object whose identifier nibble disagrees with its type,
for instance an anchor stored under a regular identifier. Every table
referencing the object and every Bloom filter that may contain it follow
the new identifier. When the repaired identifier is taken a fresh one is
generated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFixAnchors(rootOpts, cmd)
		},
	}
}

func runFixAnchors(opts *RootOptions, cmd *cobra.Command) error {
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

	var fixes []migration.Fix
	err = e.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		fixes, err = coord.FixAllAnchorOIDs(ctx, tx)
		return err
	})
	if err != nil {
		return WrapExitError(ExitMigration, "anchor repair failed", err)
	}

	out := opts.printer(cmd)
	result := make([]FixInfo, 0, len(fixes))
	for _, f := range fixes {
		out.Progress("store %d: rewrote %s", f.SIdx, f.From)
		result = append(result, FixInfo{SIdx: f.SIdx, From: f.From, To: f.To, Collision: f.Collision})
	}
	return out.Result(result, func(w io.Writer) {
		for _, f := range result {
			suffix := ""
			if f.Collision {
				suffix = " (collision)"
			}
			fmt.Fprintf(w, "store %d: %s -> %s%s\n", f.SIdx, f.From, f.To, suffix)
		}
		fmt.Fprintf(w, "Fixed %d object(s)\n", len(result))
	})
}

// NewRebuildCommand creates the rebuild command.
func NewRebuildCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild max ticks and the collector queue",
		Long: `Recompute the max-tick table from the version table and rebuild the
collector queue from the KML that is still pending. Reports how many
components had an inconsistent max tick before the rebuild.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuild(rootOpts, cmd)
		},
	}
}

func runRebuild(opts *RootOptions, cmd *cobra.Command) error {
	ctx := mustContext(cmd.Context())
	e, err := openEnv(ctx, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	out := opts.printer(cmd)
	var result RebuildResult
	err = e.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		if result.Mismatches, err = tx.MaxTickMismatches(ctx); err != nil {
			return err
		}
		out.Progress("%d component(s) with a stale max tick", result.Mismatches)
		if err := tx.RebuildMaxTicks(ctx); err != nil {
			return err
		}
		result.Queued, err = e.engine.Collector().Rebuild(ctx, tx)
		return err
	})
	if err != nil {
		return WrapExitError(ExitMigration, "rebuild failed", err)
	}

	return opts.printer(cmd).Result(result, func(w io.Writer) {
		fmt.Fprintf(w, "Rebuilt max ticks (%d mismatched); %d component(s) queued\n", result.Mismatches, result.Queued)
	})
}
