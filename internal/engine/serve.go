package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/knowledge"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/syncerr"
	"github.com/roach88/replica/internal/version"
	"github.com/roach88/replica/internal/wire"
)

// NewRequest builds the request that pulls store sid from peer, resuming
// after the given cursor.
func (e *Engine) NewRequest(ctx context.Context, peer ids.DID, sid ids.SID, after *wire.Cursor) (wire.VersionRequest, error) {
	req := wire.VersionRequest{Store: sid, After: after, MaxDeltas: e.maxDeltas}
	err := e.store.View(ctx, func(tx *store.Tx) error {
		var err error
		if req.Handshake, err = e.handshake(ctx, tx); err != nil {
			return err
		}
		sidx, err := e.sindex(ctx, tx, sid)
		if err != nil {
			return err
		}
		if req.Knowledge, err = knowledge.Vector(ctx, tx, sidx); err != nil {
			return err
		}
		if req.ImmigrantKnowledge, err = knowledge.ImmigrantVector(ctx, tx, sidx); err != nil {
			return err
		}
		req.FilterFrom, err = e.filters.ReceivedIndex(ctx, tx, sidx, peer)
		return err
	})
	if err != nil {
		return wire.VersionRequest{}, fmt.Errorf("build request for %s: %w", sid, err)
	}
	return req, nil
}

func (e *Engine) sindex(ctx context.Context, tx *store.Tx, sid ids.SID) (ids.SIndex, error) {
	sidx, found, err := tx.SIndexOf(ctx, sid)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, syncerr.New(syncerr.CodeNotFound, "store %s is not replicated here", sid)
	}
	return sidx, nil
}

// ServeVersions answers a peer's request with the next batch of deltas the
// peer does not know yet. A native tick is sent when it is above the peer's
// knowledge of its device; a tick that arrived by immigration is sent when
// its immigrant tick is above the peer's immigrant knowledge.
//
// The request also acknowledges every sender filter epoch below
// FilterFrom, so epochs all peers have merged are retired here.
func (e *Engine) ServeVersions(ctx context.Context, req wire.VersionRequest) (wire.VersionResponse, error) {
	var resp wire.VersionResponse
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		hs, err := e.handshake(ctx, tx)
		if err != nil {
			return err
		}
		if err := hs.CheckPeer(req.Handshake); err != nil {
			return err
		}
		sidx, err := e.sindex(ctx, tx, req.Store)
		if err != nil {
			return err
		}
		peer := req.Handshake.DID

		if req.FilterFrom > 0 {
			if err := e.filters.Acknowledge(ctx, tx, sidx, peer, req.FilterFrom); err != nil {
				return err
			}
			if _, err := e.filters.Cleanup(ctx, tx, sidx); err != nil {
				return err
			}
		}
		f, next, err := e.filters.ForPeer(ctx, tx, sidx, req.FilterFrom)
		if err != nil {
			return err
		}

		// The knowledge reported at the end of a pull is read with its
		// first batch. A tick allocated later on an object already paged
		// over is above it, so the requester cannot claim to know it.
		known, immKnown := version.Version(nil), version.Version(nil)
		if req.After != nil {
			known, immKnown = req.After.Knowledge, req.After.ImmigrantKnowledge
		} else {
			if known, err = knowledge.Vector(ctx, tx, sidx); err != nil {
				return err
			}
			if immKnown, err = knowledge.ImmigrantVector(ctx, tx, sidx); err != nil {
				return err
			}
		}

		deltas, err := e.deltasAbove(ctx, tx, sidx, req)
		if err != nil {
			return err
		}
		limit := e.maxDeltas
		if req.MaxDeltas > 0 && req.MaxDeltas < limit {
			limit = req.MaxDeltas
		}

		resp = wire.VersionResponse{
			Handshake:  hs,
			Store:      req.Store,
			Filter:     wire.Filter{Filter: f},
			FilterNext: next,
		}
		if len(deltas) > limit {
			resp.Deltas = deltas[:limit]
			last := resp.Deltas[limit-1]
			resp.Next = &wire.Cursor{
				OID:                last.OID,
				CID:                last.CID,
				Knowledge:          known,
				ImmigrantKnowledge: immKnown,
			}
			return nil
		}
		resp.Deltas = deltas
		resp.Complete = true
		resp.Knowledge = known
		resp.ImmigrantKnowledge = immKnown
		return nil
	})
	if err != nil {
		return wire.VersionResponse{}, fmt.Errorf("serve versions of %s to %s: %w", req.Store, req.Handshake.DID, err)
	}
	slog.Debug("versions served",
		"store", req.Store,
		"peer", req.Handshake.DID,
		"deltas", len(resp.Deltas),
		"complete", resp.Complete,
	)
	return resp, nil
}

// deltasAbove lists, in (oid, cid) order and after the request cursor, the
// components holding ticks the requester lacks.
func (e *Engine) deltasAbove(ctx context.Context, tx *store.Tx, sidx ids.SIndex, req wire.VersionRequest) ([]wire.Delta, error) {
	rows, err := tx.VersionRows(ctx, sidx)
	if err != nil {
		return nil, err
	}
	links, err := tx.ImmigrantRows(ctx, sidx)
	if err != nil {
		return nil, err
	}
	type linkKey struct {
		socid ids.SOCID
		did   ids.DID
		tick  ids.Tick
	}
	immigrant := make(map[linkKey]*wire.ImmigrantRef, len(links))
	for _, l := range links {
		immigrant[linkKey{l.SOCID, l.DID, l.Tick}] = &wire.ImmigrantRef{DID: l.ImmDID, Tick: l.ImmTick}
	}

	// Rows arrive ordered by (oid, cid, kidx, did); fold the branches of
	// one component into its known version.
	var (
		out   []wire.Delta
		cur   ids.SOCID
		known version.Version
	)
	flush := func() {
		if known == nil || !afterCursor(cur, req.After) {
			return
		}
		d := wire.Delta{OID: cur.OID, CID: cur.CID}
		for _, entry := range known.Entries() {
			ref := immigrant[linkKey{cur, entry.DID, entry.Tick}]
			// A tick that arrived by immigration sits outside the native
			// tick sequence of this store; only immigrant knowledge covers it.
			lacking := entry.Tick > req.Knowledge.Get(entry.DID)
			if ref != nil {
				lacking = ref.Tick > req.ImmigrantKnowledge.Get(ref.DID)
			}
			if lacking {
				d.Ticks = append(d.Ticks, wire.TickEntry{DID: entry.DID, Tick: entry.Tick, Immigrant: ref})
			}
		}
		if len(d.Ticks) > 0 {
			out = append(out, d)
		}
	}
	for _, r := range rows {
		if r.SOCID != cur || known == nil {
			flush()
			cur = r.SOCID
			known = version.Version{}
		}
		if r.Tick > known.Get(r.DID) {
			known[r.DID] = r.Tick
		}
	}
	flush()

	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].OID.Compare(out[j].OID); c != 0 {
			return c < 0
		}
		return out[i].CID < out[j].CID
	})
	return out, nil
}

func afterCursor(socid ids.SOCID, after *wire.Cursor) bool {
	if after == nil {
		return true
	}
	if c := socid.OID.Compare(after.OID); c != 0 {
		return c > 0
	}
	return socid.CID > after.CID
}
