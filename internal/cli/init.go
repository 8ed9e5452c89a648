package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/store"
)

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	Stores   []string // hex SIDs to replicate
	RootUser string   // user whose root store is replicated
}

// StoreInfo describes one replicated store.
type StoreInfo struct {
	SIdx ids.SIndex `json:"sidx"`
	SID  ids.SID    `json:"sid"`
}

// InitResult is the output of the init command.
type InitResult struct {
	Device   ids.DID     `json:"device"`
	Database string      `json:"database"`
	Schema   int         `json:"schema_version"`
	Stores   []StoreInfo `json:"stores"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the replica database",
		Long: `Create the replica database if it does not exist, assign the device
identity and register the stores this device replicates.

The device identity comes from device_id in the config file, or is
generated on first use and persisted. Running init again is harmless.

Examples:
  replicad init --db ./replica.db
  replicad init --db ./replica.db --root-user alice
  replicad init --config replica.yaml --store 0123456789abcdef0123456789abcdef`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Stores, "store", nil, "SID of a store to replicate (repeatable)")
	cmd.Flags().StringVar(&opts.RootUser, "root-user", "", "replicate the root store of this user")

	return cmd
}

func runInit(opts *InitOptions, cmd *cobra.Command) error {
	ctx := mustContext(cmd.Context())

	sids := make([]ids.SID, 0, len(opts.Stores)+1)
	if opts.RootUser != "" {
		sids = append(sids, ids.RootSID(opts.RootUser))
	}
	for _, s := range opts.Stores {
		sid, err := ids.ParseSID(s)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("invalid store %q", s), err)
		}
		sids = append(sids, sid)
	}

	e, err := openEnv(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()

	result := InitResult{Device: e.engine.DID(), Database: opts.Config.Database}
	err = e.store.Update(ctx, func(tx *store.Tx) error {
		for _, sid := range sids {
			if _, err := tx.EnsureSIndex(ctx, sid); err != nil {
				return err
			}
		}
		stores, err := tx.ListStores(ctx)
		if err != nil {
			return err
		}
		result.Stores = make([]StoreInfo, 0, len(stores))
		for _, s := range stores {
			result.Stores = append(result.Stores, StoreInfo{SIdx: s.SIdx, SID: s.SID})
		}
		return nil
	})
	if err != nil {
		return failure("failed to register stores", err)
	}
	if result.Schema, err = e.store.SchemaVersion(ctx); err != nil {
		return failure("failed to read schema version", err)
	}

	return opts.printer(cmd).Result(result, func(w io.Writer) {
		fmt.Fprintf(w, "Database: %s (schema %d)\n", result.Database, result.Schema)
		fmt.Fprintf(w, "Device:   %s\n", result.Device)
		for _, s := range result.Stores {
			fmt.Fprintf(w, "Store %d:  %s\n", s.SIdx, s.SID)
		}
	})
}

