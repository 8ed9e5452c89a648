package migration

import (
	"context"
	"log/slog"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/store"
)

// Fix records one identifier repaired by FixAnchorOIDs.
type Fix struct {
	SIdx      ids.SIndex
	From      ids.OID
	To        ids.OID
	Collision bool
}

// canonicalNibble picks the nibble an object should carry. Only the object
// type tells an anchor apart; everything else without a recognizable kind
// becomes a regular object. Misclassifying a legacy anchor that lost its
// attributes is accepted.
func canonicalNibble(oid ids.OID, attr store.ObjectAttr, found bool) byte {
	switch {
	case found && attr.Type == store.ObjectAnchor:
		return ids.NibbleAnchor
	case oid.IsSpecial():
		return ids.NibbleSpecial
	default:
		return ids.NibbleRegular
	}
}

// FixAnchorOIDs repairs every object of a store whose nibble does not match
// its kind. When the repaired OID is already taken a fresh one is used.
func (c *Coordinator) FixAnchorOIDs(ctx context.Context, tx *store.Tx, sidx ids.SIndex) ([]Fix, error) {
	oids, err := tx.DistinctOIDs(ctx, sidx)
	if err != nil {
		return nil, err
	}
	fixes := []Fix{}
	for _, oid := range oids {
		attr, found, err := tx.ObjectAttrOf(ctx, ids.SOID{SIdx: sidx, OID: oid})
		if err != nil {
			return nil, err
		}
		want := canonicalNibble(oid, attr, found)
		if oid.Nibble() == want {
			continue
		}

		fix := Fix{SIdx: sidx, From: oid, To: oid.WithNibble(want)}
		taken, err := tx.ObjectExists(ctx, sidx, fix.To)
		if err != nil {
			return nil, err
		}
		if taken {
			fix.To = c.newOID().WithNibble(want)
			fix.Collision = true
		}
		if _, err := c.RewriteOID(ctx, tx, sidx, fix.From, fix.To); err != nil {
			return nil, err
		}
		slog.Warn("anchor oid fixed", "sidx", sidx, "from", fix.From, "to", fix.To, "collision", fix.Collision)
		fixes = append(fixes, fix)
	}
	return fixes, nil
}

// FixAllAnchorOIDs runs FixAnchorOIDs over every store.
func (c *Coordinator) FixAllAnchorOIDs(ctx context.Context, tx *store.Tx) ([]Fix, error) {
	stores, err := tx.ListStores(ctx)
	if err != nil {
		return nil, err
	}
	all := []Fix{}
	for _, s := range stores {
		fixes, err := c.FixAnchorOIDs(ctx, tx, s.SIdx)
		if err != nil {
			return nil, err
		}
		all = append(all, fixes...)
	}
	return all, nil
}
