// Package vv records the version vectors of every component: materialized
// branches, KML ("known minus local") and the device-local tick counter.
//
// All functions run inside a caller-supplied transaction so that a version
// change, its max-tick update and any knowledge rollback commit together.
package vv

import (
	"context"
	"log/slog"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/knowledge"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/syncerr"
	"github.com/roach88/replica/internal/version"
)

// AllocateTick returns the next tick of the local device. One counter spans
// every store, so a tick is never handed out twice, even after the rows
// that carried it were deleted.
func AllocateTick(ctx context.Context, tx *store.Tx) (ids.Tick, error) {
	cur, err := tx.GetMetaUint(ctx, store.MetaLocalTick)
	if err != nil {
		return 0, err
	}
	next := cur + 1
	if err := tx.SetMetaUint(ctx, store.MetaLocalTick, next); err != nil {
		return 0, err
	}
	return ids.Tick(next), nil
}

// GetVersion returns the ticks recorded under one branch.
func GetVersion(ctx context.Context, tx *store.Tx, socid ids.SOCID, kidx ids.KIndex) (version.Version, error) {
	return tx.GetVersion(ctx, socid, kidx)
}

// DeleteVersion removes exactly the ticks of v from one branch. A missing
// tick fails with ROW_COUNT and nothing is removed.
func DeleteVersion(ctx context.Context, tx *store.Tx, socid ids.SOCID, kidx ids.KIndex, v version.Version) error {
	return tx.DeleteVersion(ctx, socid, kidx, v)
}

// GetLocal returns the union of every materialized branch.
func GetLocal(ctx context.Context, tx *store.Tx, socid ids.SOCID) (version.Version, error) {
	return tx.GetLocalVersion(ctx, socid)
}

// GetKML returns the ticks known to exist but not held locally.
func GetKML(ctx context.Context, tx *store.Tx, socid ids.SOCID) (version.Version, error) {
	kml, err := tx.GetVersion(ctx, socid, ids.KIndexKML)
	if err != nil {
		return nil, err
	}
	local, err := tx.GetLocalVersion(ctx, socid)
	if err != nil {
		return nil, err
	}
	return kml.Sub(local), nil
}

// GetKnown returns local merged with KML.
func GetKnown(ctx context.Context, tx *store.Tx, socid ids.SOCID) (version.Version, error) {
	local, err := tx.GetLocalVersion(ctx, socid)
	if err != nil {
		return nil, err
	}
	kml, err := tx.GetVersion(ctx, socid, ids.KIndexKML)
	if err != nil {
		return nil, err
	}
	return local.Merge(kml), nil
}

// AddLocal records v as held under a materialized branch and drops every
// KML tick it now covers. A component left without KML leaves the collector
// queue. Returns the KML that is still pending.
func AddLocal(ctx context.Context, tx *store.Tx, socid ids.SOCID, kidx ids.KIndex, v version.Version) (version.Version, error) {
	if kidx < 0 {
		return nil, syncerr.Invariant("add local: kidx %d is not a materialized branch", kidx)
	}
	if err := tx.PutVersion(ctx, socid, kidx, v); err != nil {
		return nil, err
	}
	pending, err := pruneKML(ctx, tx, socid)
	if err != nil {
		return nil, err
	}
	if pending.IsZero() {
		if _, err := tx.Dequeue(ctx, socid); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

// pruneKML removes KML ticks dominated by the local version. The ticks are
// still known, so knowledge is left alone.
func pruneKML(ctx context.Context, tx *store.Tx, socid ids.SOCID) (version.Version, error) {
	kml, err := tx.GetVersion(ctx, socid, ids.KIndexKML)
	if err != nil {
		return nil, err
	}
	local, err := tx.GetLocalVersion(ctx, socid)
	if err != nil {
		return nil, err
	}
	covered := kml.Sub(kml.Sub(local))
	if !covered.IsZero() {
		if err := tx.DeleteVersion(ctx, socid, ids.KIndexKML, covered); err != nil {
			return nil, err
		}
	}
	return kml.Sub(local), nil
}

// AddKML records the ticks of v that are newer than anything held for the
// component, locally or as KML. Returns the ticks actually added.
func AddKML(ctx context.Context, tx *store.Tx, socid ids.SOCID, v version.Version) (version.Version, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	known, err := GetKnown(ctx, tx, socid)
	if err != nil {
		return nil, err
	}
	added := v.Sub(known)
	if added.IsZero() {
		return added, nil
	}
	if err := tx.PutVersion(ctx, socid, ids.KIndexKML, added); err != nil {
		return nil, err
	}
	return added, nil
}

// Materialize records that the content for v was fetched into kidx. It is
// AddLocal under the name the collector uses.
func Materialize(ctx context.Context, tx *store.Tx, socid ids.SOCID, kidx ids.KIndex, v version.Version) (version.Version, error) {
	return AddLocal(ctx, tx, socid, kidx, v)
}

// RemoveTick retracts one tick of one branch. Native knowledge and the
// received watermark are rolled back in the same transaction, and if the
// tick arrived through immigration its immigrant record is removed and
// immigrant knowledge rolled back too. The tick must exist.
func RemoveTick(ctx context.Context, tx *store.Tx, socid ids.SOCID, kidx ids.KIndex, did ids.DID, tick ids.Tick) error {
	if err := tx.DeleteVersion(ctx, socid, kidx, version.Version{did: tick}); err != nil {
		return err
	}
	if _, err := knowledge.RollbackNative(ctx, tx, socid.SIdx, did, tick); err != nil {
		return err
	}

	imm, found, err := tx.ImmigrantFor(ctx, socid, did, tick)
	if err != nil {
		return err
	}
	if found {
		n, err := tx.DeleteImmigrant(ctx, socid, did, tick)
		if err != nil {
			return err
		}
		if n != 1 {
			return syncerr.RowCount("remove immigrant", 1, n)
		}
		if _, err := knowledge.RollbackImmigrant(ctx, tx, socid.SIdx, imm.ImmDID, imm.ImmTick); err != nil {
			return err
		}
	}

	if kidx == ids.KIndexKML {
		if err := dequeueIfSettled(ctx, tx, socid); err != nil {
			return err
		}
	}
	slog.Debug("tick removed", "socid", socid, "kidx", kidx, "did", did, "tick", tick, "immigrant", found)
	return nil
}

// dequeueIfSettled drops a component from the collector queue once no KML
// remains for it.
func dequeueIfSettled(ctx context.Context, tx *store.Tx, socid ids.SOCID) error {
	kml, err := GetKML(ctx, tx, socid)
	if err != nil {
		return err
	}
	if kml.IsZero() {
		_, err = tx.Dequeue(ctx, socid)
	}
	return err
}
