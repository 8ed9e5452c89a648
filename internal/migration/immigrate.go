package migration

import (
	"context"
	"log/slog"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/knowledge"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/syncerr"
	"github.com/roach88/replica/internal/vv"
)

// Immigration summarizes one Immigrate call.
type Immigration struct {
	Source ids.SOID
	Target ids.SOID
	Links  []store.ImmigrantRow
}

// Immigrate copies the version history of an object into another store.
// Each native (did, tick) the target did not hold yet is linked to a fresh
// immigrant tick of the local device, and the local immigrant knowledge of
// the target store advances over it. The source is left untouched; the
// caller decides whether it goes away.
func (c *Coordinator) Immigrate(ctx context.Context, tx *store.Tx, from ids.SOID, to ids.SIndex) (Immigration, error) {
	res := Immigration{Source: from, Target: ids.SOID{SIdx: to, OID: from.OID}}
	if from.SIdx == to {
		return res, syncerr.Invariant("immigrate %s into its own store", from)
	}
	rows, err := tx.ObjectVersionRows(ctx, from)
	if err != nil {
		return res, err
	}
	if len(rows) == 0 {
		return res, syncerr.New(syncerr.CodeNotFound, "immigrate %s: no version history", from)
	}

	touched := map[ids.CID]bool{}
	for _, r := range rows {
		dst := ids.SOCID{SIdx: to, OID: from.OID, CID: r.SOCID.CID}
		touched[r.SOCID.CID] = true
		if _, linked, err := tx.ImmigrantFor(ctx, dst, r.DID, r.Tick); err != nil {
			return res, err
		} else if linked {
			continue
		}
		if err := tx.PutTick(ctx, dst, r.KIdx, r.DID, r.Tick); err != nil {
			return res, err
		}
		immTick, err := vv.AllocateTick(ctx, tx)
		if err != nil {
			return res, err
		}
		link := store.ImmigrantRow{SOCID: dst, DID: r.DID, Tick: r.Tick, ImmDID: c.local, ImmTick: immTick}
		if err := tx.PutImmigrant(ctx, link); err != nil {
			return res, err
		}
		if _, err := knowledge.AdvanceImmigrant(ctx, tx, to, c.local, immTick); err != nil {
			return res, err
		}
		res.Links = append(res.Links, link)
	}

	if attr, found, err := tx.ObjectAttrOf(ctx, from); err != nil {
		return res, err
	} else if found {
		if _, exists, err := tx.ObjectAttrOf(ctx, res.Target); err != nil {
			return res, err
		} else if !exists {
			attr.SOID = res.Target
			attr.Parent = ids.OIDRoot
			if err := tx.PutObjectAttr(ctx, attr); err != nil {
				return res, err
			}
		}
	}

	for _, cid := range []ids.CID{ids.CIDMeta, ids.CIDContent} {
		if !touched[cid] {
			continue
		}
		if _, err := c.collector.Enqueue(ctx, tx, ids.SOCID{SIdx: to, OID: from.OID, CID: cid}); err != nil {
			return res, err
		}
	}
	if err := c.filters.NoteUpdate(ctx, tx, to, from.OID); err != nil {
		return res, err
	}
	slog.Info("object immigrated", "from", from, "to", to, "links", len(res.Links))
	return res, nil
}
