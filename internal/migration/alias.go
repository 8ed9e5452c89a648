package migration

import (
	"context"
	"log/slog"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/syncerr"
	"github.com/roach88/replica/internal/version"
	"github.com/roach88/replica/internal/vv"
)

// maxAliasHops bounds alias chains. Alias keeps chains flat, so a longer
// chain means a cycle.
const maxAliasHops = 32

// ResolveAlias follows the alias chain of oid and returns the object it
// finally names. An OID that is not aliased resolves to itself.
func ResolveAlias(ctx context.Context, tx *store.Tx, sidx ids.SIndex, oid ids.OID) (ids.OID, error) {
	cur := oid
	for range maxAliasHops {
		next, found, err := tx.AliasTarget(ctx, sidx, cur)
		if err != nil {
			return oid, err
		}
		if !found {
			return cur, nil
		}
		cur = next
	}
	return oid, syncerr.Invariant("alias chain of %s in store %d exceeds %d hops", oid, sidx, maxAliasHops)
}

// AliasResult summarizes one Alias call.
type AliasResult struct {
	Target ids.OID
	// AddedKML holds, per component, the source ticks the target did not
	// know and now records as KML.
	AddedKML map[ids.CID]int
	// Dropped counts the source rows removed per column.
	Dropped map[string]int64
}

// Source-keyed rows describing the source's own state. The target's rows
// stay authoritative, so these are dropped rather than carried over.
var sourceOwned = []store.OIDColumn{
	store.Column("object_attr", "oid"),
	store.Column("content_attr", "oid"),
	store.Column("prefix", "oid"),
	store.Column("backup_tick", "oid"),
	store.Column("expelled", "oid"),
	store.Column("collector_queue", "oid"),
	store.Column("version", "oid"),
	store.Column("max_tick", "oid"),
	store.Column("immigrant_version", "oid"),
}

// Source-keyed rows that describe history or relationships and follow the
// merged identity.
var sourceFollowing = []store.OIDColumn{
	store.Column("object_attr", "parent"),
	store.Column("activity_log", "oid"),
	store.Column("push_queue", "oid"),
}

// moveImmigrantLinks carries the immigrant linkage of the ticks in added
// from src to dst. Links of ticks the target already knew stay behind and
// are dropped with the source rows.
func moveImmigrantLinks(ctx context.Context, tx *store.Tx, src, dst ids.SOCID, added version.Version) error {
	for _, e := range added.Entries() {
		link, linked, err := tx.ImmigrantFor(ctx, src, e.DID, e.Tick)
		if err != nil {
			return err
		}
		if !linked {
			continue
		}
		// The immigrant pair is unique per store, so the source link goes first.
		if _, err := tx.DeleteImmigrant(ctx, src, e.DID, e.Tick); err != nil {
			return err
		}
		if _, exists, err := tx.ImmigrantFor(ctx, dst, e.DID, e.Tick); err != nil {
			return err
		} else if exists {
			continue
		}
		link.SOCID = dst
		if err := tx.PutImmigrant(ctx, link); err != nil {
			return err
		}
	}
	return nil
}

// Alias merges the identity of source into target. Source ticks the target
// does not know become target KML and keep their immigrant links. Other
// source-owned rows are dropped, history rows follow the target, aliases of
// source are flattened onto target and every filter that may contain source
// gains target.
func (c *Coordinator) Alias(ctx context.Context, tx *store.Tx, sidx ids.SIndex, source, target ids.OID) (AliasResult, error) {
	res := AliasResult{AddedKML: map[ids.CID]int{}}
	target, err := ResolveAlias(ctx, tx, sidx, target)
	if err != nil {
		return res, err
	}
	res.Target = target
	if target == source {
		return res, syncerr.Invariant("alias %s: target resolves back to the source", source)
	}
	if cur, found, err := tx.AliasTarget(ctx, sidx, source); err != nil {
		return res, err
	} else if found {
		if cur == target {
			return res, nil
		}
		return res, syncerr.Invariant("alias %s: already aliased to %s, not %s", source, cur, target)
	}

	for _, cid := range []ids.CID{ids.CIDMeta, ids.CIDContent} {
		src := ids.SOCID{SIdx: sidx, OID: source, CID: cid}
		dst := ids.SOCID{SIdx: sidx, OID: target, CID: cid}
		known, err := vv.GetKnown(ctx, tx, src)
		if err != nil {
			return res, err
		}
		if known.IsZero() {
			continue
		}
		added, err := vv.AddKML(ctx, tx, dst, known)
		if err != nil {
			return res, err
		}
		if !added.IsZero() {
			res.AddedKML[cid] = added.Len()
			if err := moveImmigrantLinks(ctx, tx, src, dst, added); err != nil {
				return res, err
			}
			if _, err := c.collector.Enqueue(ctx, tx, dst); err != nil {
				return res, err
			}
		}
	}

	if res.Dropped, err = tx.DeleteOIDRows(ctx, sidx, source, sourceOwned...); err != nil {
		return res, err
	}
	if _, err := tx.MergeOIDColumns(ctx, sidx, source, target, sourceFollowing...); err != nil {
		return res, err
	}
	if _, err := tx.RetargetAliases(ctx, sidx, source, target); err != nil {
		return res, err
	}
	if err := tx.PutAlias(ctx, sidx, source, target); err != nil {
		return res, err
	}
	if _, err := c.filters.PropagateIdentity(ctx, tx, sidx, source, target); err != nil {
		return res, err
	}
	slog.Info("object aliased", "sidx", sidx, "source", source, "target", target, "kml", res.AddedKML)
	return res, nil
}
