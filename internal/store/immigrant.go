package store

import (
	"context"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/syncerr"
)

// ImmigrantRow links a native (DID, Tick) of a component to the migration
// event (ImmDID, ImmTick) that introduced it.
type ImmigrantRow struct {
	SOCID   ids.SOCID
	DID     ids.DID
	Tick    ids.Tick
	ImmDID  ids.DID
	ImmTick ids.Tick
}

// PutImmigrant records an immigrant linkage. Both sides of the mapping are
// unique, so a second linkage for either the native or the immigrant pair
// fails.
func (t *Tx) PutImmigrant(ctx context.Context, r ImmigrantRow) error {
	if r.Tick == 0 || r.ImmTick == 0 {
		return syncerr.Invariant("put immigrant: zero tick in %+v", r)
	}
	_, err := t.exec(ctx, "put immigrant", `
		INSERT INTO immigrant_version (sidx, oid, cid, did, tick, imm_did, imm_tick)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.SOCID.SIdx, r.SOCID.OID, r.SOCID.CID, r.DID, r.Tick, r.ImmDID, r.ImmTick)
	return err
}

// ImmigrantFor returns the linkage of a native tick, if any.
func (t *Tx) ImmigrantFor(ctx context.Context, socid ids.SOCID, did ids.DID, tick ids.Tick) (ImmigrantRow, bool, error) {
	r := ImmigrantRow{SOCID: socid, DID: did, Tick: tick}
	found, err := t.queryRow(ctx, "get immigrant", `
		SELECT imm_did, imm_tick FROM immigrant_version
		WHERE sidx = ? AND oid = ? AND cid = ? AND did = ? AND tick = ?
	`, []any{socid.SIdx, socid.OID, socid.CID, did, tick}, &r.ImmDID, &r.ImmTick)
	return r, found, err
}

// DeleteImmigrant removes the linkage of a native tick and returns the
// number of rows removed (0 or 1).
func (t *Tx) DeleteImmigrant(ctx context.Context, socid ids.SOCID, did ids.DID, tick ids.Tick) (int64, error) {
	return t.exec(ctx, "delete immigrant", `
		DELETE FROM immigrant_version
		WHERE sidx = ? AND oid = ? AND cid = ? AND did = ? AND tick = ?
	`, socid.SIdx, socid.OID, socid.CID, did, tick)
}

// ImmigrantRows returns every linkage of a store ordered by immigrant key.
func (t *Tx) ImmigrantRows(ctx context.Context, sidx ids.SIndex) ([]ImmigrantRow, error) {
	rows, err := t.query(ctx, "list immigrants", `
		SELECT sidx, oid, cid, did, tick, imm_did, imm_tick FROM immigrant_version
		WHERE sidx = ?
		ORDER BY imm_did, imm_tick
	`, sidx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ImmigrantRow{}
	for rows.Next() {
		var r ImmigrantRow
		if err := rows.Scan(&r.SOCID.SIdx, &r.SOCID.OID, &r.SOCID.CID, &r.DID, &r.Tick, &r.ImmDID, &r.ImmTick); err != nil {
			return nil, syncerr.Corruption(err, "scan immigrant")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Corruption(err, "iterate immigrants")
	}
	return out, nil
}
