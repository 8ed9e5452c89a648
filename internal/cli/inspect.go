package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/knowledge"
	"github.com/roach88/replica/internal/migration"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/syncerr"
	"github.com/roach88/replica/internal/version"
	"github.com/roach88/replica/internal/vv"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Component string
}

// StoreReport is the replication state of one store.
type StoreReport struct {
	SIdx               ids.SIndex      `json:"sidx"`
	SID                ids.SID         `json:"sid"`
	Epoch              uint64          `json:"epoch"`
	Knowledge          version.Version `json:"knowledge"`
	ImmigrantKnowledge version.Version `json:"immigrant_knowledge"`
	Received           version.Version `json:"received"`
	Queued             int64           `json:"queued"`
	FilterIndex        uint64          `json:"filter_index"`
}

// ComponentReport is the version state of one component.
type ComponentReport struct {
	OID       ids.OID         `json:"oid"`
	Resolved  ids.OID         `json:"resolved"`
	Component string          `json:"component"`
	Master    version.Version `json:"master"`
	KML       version.Version `json:"kml"`
	MaxTick   version.Version `json:"max_tick"`
}

// InspectResult is the output of the inspect command.
type InspectResult struct {
	Store     StoreReport      `json:"store"`
	Component *ComponentReport `json:"component,omitempty"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect <sid> [oid]",
		Short: "Show the replication state of a store or component",
		Long: `Show the knowledge, received watermarks and collector queue of a store
and, when an object is given, the materialized version, KML and max tick
of one of its components. An aliased object is reported under the object
it resolves to.

Examples:
  replicad inspect 0123456789abcdef0123456789abcdef
  replicad inspect 0123456789abcdef0123456789abcdef fedcba9876543210fedcba9876543210 --component meta`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Component, "component", "content", "component to inspect (meta|content)")

	return cmd
}

func parseCID(name string) (ids.CID, error) {
	switch strings.ToLower(name) {
	case "content":
		return ids.CIDContent, nil
	case "meta":
		return ids.CIDMeta, nil
	}
	return 0, fmt.Errorf("unknown component %q: must be meta or content", name)
}

func runInspect(opts *InspectOptions, args []string, cmd *cobra.Command) error {
	ctx := mustContext(cmd.Context())

	sid, err := ids.ParseSID(args[0])
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid sid", err)
	}
	var oid *ids.OID
	if len(args) == 2 {
		o, err := ids.ParseOID(args[1])
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid oid", err)
		}
		oid = &o
	}
	cid, err := parseCID(opts.Component)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --component", err)
	}

	e, err := openEnv(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()

	var result InspectResult
	err = e.store.View(ctx, func(tx *store.Tx) error {
		sidx, found, err := tx.SIndexOf(ctx, sid)
		if err != nil {
			return err
		}
		if !found {
			return syncerr.New(syncerr.CodeNotFound, "store %s is not replicated here", sid)
		}
		if result.Store, err = storeReport(ctx, e, tx, sidx, sid); err != nil {
			return err
		}
		if oid == nil {
			return nil
		}
		resolved, err := migration.ResolveAlias(ctx, tx, sidx, *oid)
		if err != nil {
			return err
		}
		socid := ids.SOCID{SIdx: sidx, OID: resolved, CID: cid}
		c := &ComponentReport{OID: *oid, Resolved: resolved, Component: strings.ToLower(cid.String())}
		if c.Master, err = vv.GetVersion(ctx, tx, socid, ids.KIndexMaster); err != nil {
			return err
		}
		if c.KML, err = vv.GetKML(ctx, tx, socid); err != nil {
			return err
		}
		if c.MaxTick, err = tx.MaxTicks(ctx, socid); err != nil {
			return err
		}
		result.Component = c
		return nil
	})
	if err != nil {
		if syncerr.Is(err, syncerr.CodeNotFound) {
			return WrapExitError(ExitCommandError, "inspect failed", err)
		}
		return failure("inspect failed", err)
	}

	return opts.printer(cmd).Result(result, func(w io.Writer) { printInspect(w, result) })
}

func storeReport(ctx context.Context, e *env, tx *store.Tx, sidx ids.SIndex, sid ids.SID) (StoreReport, error) {
	r := StoreReport{SIdx: sidx, SID: sid}
	var err error
	if r.Epoch, err = migration.CurrentEpoch(ctx, tx); err != nil {
		return r, err
	}
	if r.Knowledge, err = knowledge.Vector(ctx, tx, sidx); err != nil {
		return r, err
	}
	if r.ImmigrantKnowledge, err = knowledge.ImmigrantVector(ctx, tx, sidx); err != nil {
		return r, err
	}
	if r.Received, err = tx.WatermarkVector(ctx, store.ReceivedKnowledge, sidx); err != nil {
		return r, err
	}
	if r.Queued, err = tx.QueueLen(ctx, sidx); err != nil {
		return r, err
	}
	r.FilterIndex, err = e.engine.Filters().CurrentIndex(ctx, tx, sidx)
	return r, err
}

func printInspect(w io.Writer, r InspectResult) {
	s := r.Store
	fmt.Fprintf(w, "Store %d %s (epoch %d)\n", s.SIdx, s.SID, s.Epoch)
	fmt.Fprintf(w, "  knowledge:           %s\n", fullVersion(s.Knowledge))
	fmt.Fprintf(w, "  immigrant knowledge: %s\n", fullVersion(s.ImmigrantKnowledge))
	fmt.Fprintf(w, "  received:            %s\n", fullVersion(s.Received))
	fmt.Fprintf(w, "  queued:              %d\n", s.Queued)
	fmt.Fprintf(w, "  filter index:        %d\n", s.FilterIndex)
	if r.Component == nil {
		return
	}
	c := r.Component
	fmt.Fprintf(w, "Object %s %s\n", c.OID, c.Component)
	if c.Resolved != c.OID {
		fmt.Fprintf(w, "  aliased to:          %s\n", c.Resolved)
	}
	fmt.Fprintf(w, "  master:              %s\n", fullVersion(c.Master))
	fmt.Fprintf(w, "  kml:                 %s\n", fullVersion(c.KML))
	fmt.Fprintf(w, "  max tick:            %s\n", fullVersion(c.MaxTick))
}

// fullVersion renders v with complete device identifiers.
func fullVersion(v version.Version) string {
	if v.IsZero() {
		return "{}"
	}
	parts := make([]string, 0, v.Len())
	for _, e := range v.Entries() {
		parts = append(parts, fmt.Sprintf("%s:%d", e.DID, e.Tick))
	}
	return "{" + strings.Join(parts, " ") + "}"
}
