package migration

import (
	"context"
	"log/slog"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/syncerr"
	"github.com/roach88/replica/internal/vv"
)

// GhostSpec names KML ticks known to be ghosts. Tick 0 matches every KML
// tick of the device.
type GhostSpec struct {
	DID  ids.DID
	Tick ids.Tick
}

// GhostReport summarizes one RemoveGhostTicks call.
type GhostReport struct {
	Removed int
	Epoch   uint64
	Queued  int
}

// CurrentEpoch returns the remediation epoch of this device, 0 before any
// remediation ran.
func CurrentEpoch(ctx context.Context, tx *store.Tx) (uint64, error) {
	return tx.GetMetaUint(ctx, store.MetaEpoch)
}

// FindOwnGhosts returns the KML rows that cannot be genuine: every KML tick
// of the local device, which produced and therefore holds all of its own
// ticks, plus the rows matching the configured ghost list.
func (c *Coordinator) FindOwnGhosts(ctx context.Context, tx *store.Tx) ([]store.VersionRow, error) {
	type key struct {
		socid ids.SOCID
		did   ids.DID
	}
	seen := map[key]bool{}
	out := []store.VersionRow{}
	collect := func(did ids.DID, tick ids.Tick) error {
		rows, err := tx.KMLRowsForDevice(ctx, did)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if tick != 0 && r.Tick != tick {
				continue
			}
			k := key{r.SOCID, r.DID}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, r)
		}
		return nil
	}
	if err := collect(c.local, 0); err != nil {
		return nil, err
	}
	for _, g := range c.ghosts {
		if err := collect(g.DID, g.Tick); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// RemoveGhostTicks retracts ghost KML rows as one coordinated transition:
// each tick is removed with its knowledge rollback, the epoch is bumped so
// peers that have not remediated yet refuse to gossip with this device,
// every filter is forced full and the collector queue is rebuilt. The epoch
// moves even when ghosts is empty, so every device that runs the
// remediation lands on the same epoch.
func (c *Coordinator) RemoveGhostTicks(ctx context.Context, tx *store.Tx, ghosts []store.VersionRow) (GhostReport, error) {
	var rep GhostReport
	for _, g := range ghosts {
		if g.KIdx != ids.KIndexKML {
			return rep, syncerr.Invariant("ghost %s did %s tick %d is not a KML row", g.SOCID, g.DID, g.Tick)
		}
		if err := vv.RemoveTick(ctx, tx, g.SOCID, ids.KIndexKML, g.DID, g.Tick); err != nil {
			return rep, err
		}
		rep.Removed++
	}

	epoch, err := CurrentEpoch(ctx, tx)
	if err != nil {
		return rep, err
	}
	rep.Epoch = epoch + 1
	if err := tx.SetMetaUint(ctx, store.MetaEpoch, rep.Epoch); err != nil {
		return rep, err
	}
	if err := c.filters.SetAllFull(ctx, tx); err != nil {
		return rep, err
	}
	if rep.Queued, err = c.collector.Rebuild(ctx, tx); err != nil {
		return rep, err
	}
	c.metrics.GhostTicksRemoved.Add(float64(rep.Removed))
	slog.Warn("ghost ticks removed", "removed", rep.Removed, "epoch", rep.Epoch, "queued", rep.Queued)
	return rep, nil
}
