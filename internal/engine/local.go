package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/knowledge"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/syncerr"
	"github.com/roach88/replica/internal/version"
	"github.com/roach88/replica/internal/vv"
)

// LocalUpdate records a local change of one component: a fresh tick of the
// local device enters the master branch, the object enters the current
// sender filter and own knowledge advances, all in one transaction.
func (e *Engine) LocalUpdate(ctx context.Context, socid ids.SOCID) (ids.Tick, error) {
	if !socid.SIdx.Valid() || !socid.CID.Valid() {
		return 0, syncerr.Invariant("local update of %s", socid)
	}
	var tick ids.Tick
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		if tick, err = vv.AllocateTick(ctx, tx); err != nil {
			return err
		}
		if _, err := vv.AddLocal(ctx, tx, socid, ids.KIndexMaster, version.Version{e.local: tick}); err != nil {
			return err
		}
		if err := e.filters.NoteUpdate(ctx, tx, socid.SIdx, socid.OID); err != nil {
			return err
		}
		if _, err := knowledge.Advance(ctx, tx, socid.SIdx, e.local, tick); err != nil {
			return err
		}
		if e.push {
			return tx.EnqueuePush(ctx, socid)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("local update %s: %w", socid, err)
	}
	e.metrics.TicksAllocated.Inc()
	slog.Debug("local update", "socid", socid, "did", e.local, "tick", tick)
	return tick, nil
}

// MaterializeResult summarizes one Materialize call.
type MaterializeResult struct {
	// Pending is the KML of the component still not held.
	Pending version.Version
	// Settled holds the knowledge entries that advanced.
	Settled version.Version
	// Drained reports that the store's collector queue emptied and its
	// collector filters were reset.
	Drained bool
}

// Materialize records that the content for v of one component is now held
// in the master branch. KML it covers is dropped, knowledge settles over
// the ticks that are no longer pending and, once the store's queue is
// empty, its collector filters start over.
func (e *Engine) Materialize(ctx context.Context, socid ids.SOCID, v version.Version) (MaterializeResult, error) {
	var res MaterializeResult
	if v.IsZero() {
		return res, syncerr.Invariant("materialize %s: empty version", socid)
	}
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		if res.Pending, err = vv.Materialize(ctx, tx, socid, ids.KIndexMaster, v); err != nil {
			return err
		}
		if res.Settled, err = knowledge.Settle(ctx, tx, socid.SIdx); err != nil {
			return err
		}
		res.Drained, err = e.collector.Drained(ctx, tx, socid.SIdx)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("materialize %s: %w", socid, err)
	}
	e.metrics.Materialized.Inc()
	slog.Debug("component materialized", "socid", socid, "version", v, "pending", res.Pending, "settled", res.Settled)
	return res, nil
}
