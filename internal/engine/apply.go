package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/knowledge"
	"github.com/roach88/replica/internal/migration"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/version"
	"github.com/roach88/replica/internal/vv"
	"github.com/roach88/replica/internal/wire"
)

// ApplyResult summarizes one ApplyVersions call.
type ApplyResult struct {
	Deltas   int
	KMLAdded int
	Queued   int
	Links    int
	// Next is the cursor to resume from; nil once Complete.
	Next     *wire.Cursor
	Complete bool
	// Settled holds the knowledge entries that advanced.
	Settled version.Version
}

// ApplyVersions folds one response to req into local state:
//
//  1. Every delta tick newer than what the component already knows becomes
//     KML (deltas naming an aliased object land on its target) and the
//     component enters the collector queue.
//  2. Immigrant linkage carried by the deltas is recorded.
//  3. The peer's sender filter, plus every object it sent, joins the
//     collector filter kept for that peer.
//  4. On the last batch the peer's knowledge becomes the received
//     watermark and native knowledge settles up to the lowest tick still
//     pending; immigrant knowledge advances directly.
//
// A peer in another epoch is refused before anything is written.
func (e *Engine) ApplyVersions(ctx context.Context, req wire.VersionRequest, resp wire.VersionResponse) (ApplyResult, error) {
	res := ApplyResult{Next: resp.Next, Complete: resp.Complete}
	peer := resp.Handshake.DID
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		hs, err := e.handshake(ctx, tx)
		if err != nil {
			return err
		}
		if err := hs.CheckPeer(resp.Handshake); err != nil {
			return err
		}
		if err := resp.Validate(req); err != nil {
			return err
		}
		sidx, err := e.sindex(ctx, tx, resp.Store)
		if err != nil {
			return err
		}

		seen := resp.Filter.Clone()
		for _, d := range resp.Deltas {
			oid, err := migration.ResolveAlias(ctx, tx, sidx, d.OID)
			if err != nil {
				return err
			}
			socid := ids.SOCID{SIdx: sidx, OID: oid, CID: d.CID}
			seen.Add(d.OID)
			seen.Add(oid)

			added, err := vv.AddKML(ctx, tx, socid, d.Version())
			if err != nil {
				return err
			}
			if !added.IsZero() {
				res.KMLAdded += added.Len()
				queued, err := e.collector.Enqueue(ctx, tx, socid)
				if err != nil {
					return err
				}
				if queued {
					res.Queued++
				}
			}
			n, err := linkImmigrants(ctx, tx, socid, d.Ticks)
			if err != nil {
				return err
			}
			res.Links += n
		}
		res.Deltas = len(resp.Deltas)

		if err := e.filters.MergeCollector(ctx, tx, sidx, peer, seen, resp.FilterNext); err != nil {
			return err
		}

		if !resp.Complete {
			return nil
		}
		for _, entry := range resp.Knowledge.Entries() {
			if entry.DID == e.local {
				continue
			}
			if _, err := knowledge.NoteReceived(ctx, tx, sidx, entry.DID, entry.Tick); err != nil {
				return err
			}
		}
		if res.Settled, err = knowledge.Settle(ctx, tx, sidx); err != nil {
			return err
		}
		for _, entry := range resp.ImmigrantKnowledge.Entries() {
			if _, err := knowledge.AdvanceImmigrant(ctx, tx, sidx, entry.DID, entry.Tick); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, fmt.Errorf("apply versions of %s from %s: %w", resp.Store, peer, err)
	}
	e.metrics.DeltasIngested.Add(float64(res.Deltas))
	e.metrics.KMLAdded.Add(float64(res.KMLAdded))
	slog.Debug("versions applied",
		"store", resp.Store,
		"peer", peer,
		"deltas", res.Deltas,
		"kml", res.KMLAdded,
		"queued", res.Queued,
		"complete", res.Complete,
	)
	return res, nil
}

// linkImmigrants records the immigrant linkage of delta ticks that have
// none yet. Returns the number of links added.
func linkImmigrants(ctx context.Context, tx *store.Tx, socid ids.SOCID, ticks []wire.TickEntry) (int, error) {
	n := 0
	for _, t := range ticks {
		if t.Immigrant == nil {
			continue
		}
		if _, linked, err := tx.ImmigrantFor(ctx, socid, t.DID, t.Tick); err != nil {
			return n, err
		} else if linked {
			continue
		}
		link := store.ImmigrantRow{SOCID: socid, DID: t.DID, Tick: t.Tick, ImmDID: t.Immigrant.DID, ImmTick: t.Immigrant.Tick}
		if err := tx.PutImmigrant(ctx, link); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
