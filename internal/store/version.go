package store

import (
	"context"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/syncerr"
	"github.com/roach88/replica/internal/version"
)

// VersionRow is one (SOCID, KIndex, DID, Tick) row.
type VersionRow struct {
	SOCID ids.SOCID
	KIdx  ids.KIndex
	DID   ids.DID
	Tick  ids.Tick
}

// PutTick records that did's tick is held under kidx. An existing row for the
// same device only ever moves forward. max_tick is updated in the same
// transaction.
func (t *Tx) PutTick(ctx context.Context, socid ids.SOCID, kidx ids.KIndex, did ids.DID, tick ids.Tick) error {
	if tick == 0 {
		return syncerr.Invariant("put tick: zero tick for %s did %s", socid, did)
	}
	if _, err := t.exec(ctx, "put tick", `
		INSERT INTO version (sidx, oid, cid, kidx, did, tick)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(sidx, oid, cid, kidx, did) DO UPDATE SET tick = excluded.tick
		WHERE excluded.tick > version.tick
	`, socid.SIdx, socid.OID, socid.CID, kidx, did, tick); err != nil {
		return err
	}
	return t.bumpMaxTick(ctx, socid, did, tick)
}

// PutVersion records every entry of v under kidx.
func (t *Tx) PutVersion(ctx context.Context, socid ids.SOCID, kidx ids.KIndex, v version.Version) error {
	if err := v.Validate(); err != nil {
		return err
	}
	for _, e := range v.Entries() {
		if err := t.PutTick(ctx, socid, kidx, e.DID, e.Tick); err != nil {
			return err
		}
	}
	return nil
}

// GetVersion returns the ticks recorded under one branch. Devices without a
// row are absent from the result.
func (t *Tx) GetVersion(ctx context.Context, socid ids.SOCID, kidx ids.KIndex) (version.Version, error) {
	rows, err := t.query(ctx, "get version", `
		SELECT did, tick FROM version
		WHERE sidx = ? AND oid = ? AND cid = ? AND kidx = ?
		ORDER BY did
	`, socid.SIdx, socid.OID, socid.CID, kidx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	v := make(version.Version)
	for rows.Next() {
		var did ids.DID
		var tick ids.Tick
		if err := rows.Scan(&did, &tick); err != nil {
			return nil, syncerr.Corruption(err, "scan version")
		}
		v[did] = tick
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Corruption(err, "iterate version")
	}
	return v, nil
}

// GetLocalVersion returns the union of every materialized branch.
func (t *Tx) GetLocalVersion(ctx context.Context, socid ids.SOCID) (version.Version, error) {
	rows, err := t.query(ctx, "get local version", `
		SELECT did, MAX(tick) FROM version
		WHERE sidx = ? AND oid = ? AND cid = ? AND kidx >= 0
		GROUP BY did
		ORDER BY did
	`, socid.SIdx, socid.OID, socid.CID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	v := make(version.Version)
	for rows.Next() {
		var did ids.DID
		var tick ids.Tick
		if err := rows.Scan(&did, &tick); err != nil {
			return nil, syncerr.Corruption(err, "scan local version")
		}
		v[did] = tick
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Corruption(err, "iterate local version")
	}
	return v, nil
}

// DeleteVersion removes exactly the (DID, Tick) rows enumerated in v. Every
// row must exist; otherwise a ROW_COUNT error aborts the transaction so no
// partial tick set is left behind. max_tick is recomputed for the component.
func (t *Tx) DeleteVersion(ctx context.Context, socid ids.SOCID, kidx ids.KIndex, v version.Version) error {
	if err := v.Validate(); err != nil {
		return err
	}
	var deleted int64
	for _, e := range v.Entries() {
		n, err := t.exec(ctx, "delete version", `
			DELETE FROM version
			WHERE sidx = ? AND oid = ? AND cid = ? AND kidx = ? AND did = ? AND tick = ?
		`, socid.SIdx, socid.OID, socid.CID, kidx, e.DID, e.Tick)
		if err != nil {
			return err
		}
		deleted += n
	}
	if want := int64(v.Len()); deleted != want {
		return syncerr.RowCount("delete version "+socid.String(), want, deleted)
	}
	return t.RecomputeMaxTick(ctx, socid)
}

// DeleteTick removes one row if present and reports whether it existed.
// max_tick is recomputed for the component.
func (t *Tx) DeleteTick(ctx context.Context, socid ids.SOCID, kidx ids.KIndex, did ids.DID, tick ids.Tick) (bool, error) {
	n, err := t.exec(ctx, "delete tick", `
		DELETE FROM version
		WHERE sidx = ? AND oid = ? AND cid = ? AND kidx = ? AND did = ? AND tick = ?
	`, socid.SIdx, socid.OID, socid.CID, kidx, did, tick)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	return true, t.RecomputeMaxTick(ctx, socid)
}

// DeleteComponent removes every version and max_tick row of a component.
func (t *Tx) DeleteComponent(ctx context.Context, socid ids.SOCID) error {
	if _, err := t.exec(ctx, "delete component versions", `
		DELETE FROM version WHERE sidx = ? AND oid = ? AND cid = ?
	`, socid.SIdx, socid.OID, socid.CID); err != nil {
		return err
	}
	_, err := t.exec(ctx, "delete component max tick", `
		DELETE FROM max_tick WHERE sidx = ? AND oid = ? AND cid = ?
	`, socid.SIdx, socid.OID, socid.CID)
	return err
}

// VersionRows returns every version row of a store ordered by key.
func (t *Tx) VersionRows(ctx context.Context, sidx ids.SIndex) ([]VersionRow, error) {
	return t.scanVersionRows(ctx, "list versions", `
		SELECT sidx, oid, cid, kidx, did, tick FROM version
		WHERE sidx = ?
		ORDER BY oid, cid, kidx, did
	`, sidx)
}

// ObjectVersionRows returns every version row of one object.
func (t *Tx) ObjectVersionRows(ctx context.Context, soid ids.SOID) ([]VersionRow, error) {
	return t.scanVersionRows(ctx, "list object versions", `
		SELECT sidx, oid, cid, kidx, did, tick FROM version
		WHERE sidx = ? AND oid = ?
		ORDER BY cid, kidx, did
	`, soid.SIdx, soid.OID)
}

// KMLRows returns the KML rows of a store ordered by key.
func (t *Tx) KMLRows(ctx context.Context, sidx ids.SIndex) ([]VersionRow, error) {
	return t.scanVersionRows(ctx, "list kml", `
		SELECT sidx, oid, cid, kidx, did, tick FROM version
		WHERE sidx = ? AND kidx = ?
		ORDER BY oid, cid, did
	`, sidx, ids.KIndexKML)
}

// KMLRowsForDevice returns every KML row carrying a tick of did, across stores.
func (t *Tx) KMLRowsForDevice(ctx context.Context, did ids.DID) ([]VersionRow, error) {
	return t.scanVersionRows(ctx, "list device kml", `
		SELECT sidx, oid, cid, kidx, did, tick FROM version
		WHERE kidx = ? AND did = ?
		ORDER BY sidx, oid, cid
	`, ids.KIndexKML, did)
}

// MinKMLTick returns the lowest KML tick of did in the store.
func (t *Tx) MinKMLTick(ctx context.Context, sidx ids.SIndex, did ids.DID) (ids.Tick, bool, error) {
	var tick *ids.Tick
	_, err := t.queryRow(ctx, "min kml tick", `
		SELECT MIN(tick) FROM version WHERE sidx = ? AND kidx = ? AND did = ?
	`, []any{sidx, ids.KIndexKML, did}, &tick)
	if err != nil || tick == nil {
		return 0, false, err
	}
	return *tick, true, nil
}

func (t *Tx) scanVersionRows(ctx context.Context, op, query string, args ...any) ([]VersionRow, error) {
	rows, err := t.query(ctx, op, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []VersionRow{}
	for rows.Next() {
		var r VersionRow
		if err := rows.Scan(&r.SOCID.SIdx, &r.SOCID.OID, &r.SOCID.CID, &r.KIdx, &r.DID, &r.Tick); err != nil {
			return nil, syncerr.Corruption(err, op+": scan")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Corruption(err, op+": iterate")
	}
	return out, nil
}

// MaxTicks returns the denormalized upper bound of a component.
func (t *Tx) MaxTicks(ctx context.Context, socid ids.SOCID) (version.Version, error) {
	rows, err := t.query(ctx, "get max tick", `
		SELECT did, max_tick FROM max_tick
		WHERE sidx = ? AND oid = ? AND cid = ?
		ORDER BY did
	`, socid.SIdx, socid.OID, socid.CID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	v := make(version.Version)
	for rows.Next() {
		var did ids.DID
		var tick ids.Tick
		if err := rows.Scan(&did, &tick); err != nil {
			return nil, syncerr.Corruption(err, "scan max tick")
		}
		v[did] = tick
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Corruption(err, "iterate max tick")
	}
	return v, nil
}

func (t *Tx) bumpMaxTick(ctx context.Context, socid ids.SOCID, did ids.DID, tick ids.Tick) error {
	_, err := t.exec(ctx, "bump max tick", `
		INSERT INTO max_tick (sidx, oid, cid, did, max_tick)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(sidx, oid, cid, did) DO UPDATE SET max_tick = excluded.max_tick
		WHERE excluded.max_tick > max_tick.max_tick
	`, socid.SIdx, socid.OID, socid.CID, did, tick)
	return err
}

// RecomputeMaxTick rebuilds max_tick for one component from version rows,
// KML included.
func (t *Tx) RecomputeMaxTick(ctx context.Context, socid ids.SOCID) error {
	if _, err := t.exec(ctx, "clear max tick", `
		DELETE FROM max_tick WHERE sidx = ? AND oid = ? AND cid = ?
	`, socid.SIdx, socid.OID, socid.CID); err != nil {
		return err
	}
	_, err := t.exec(ctx, "recompute max tick", `
		INSERT INTO max_tick (sidx, oid, cid, did, max_tick)
		SELECT sidx, oid, cid, did, MAX(tick) FROM version
		WHERE sidx = ? AND oid = ? AND cid = ?
		GROUP BY sidx, oid, cid, did
	`, socid.SIdx, socid.OID, socid.CID)
	return err
}

// RebuildMaxTicks recomputes the whole max_tick table by scanning
// Version and KML and taking the max per key.
func (t *Tx) RebuildMaxTicks(ctx context.Context) error {
	if _, err := t.exec(ctx, "clear max ticks", `DELETE FROM max_tick`); err != nil {
		return err
	}
	_, err := t.exec(ctx, "rebuild max ticks", `
		INSERT INTO max_tick (sidx, oid, cid, did, max_tick)
		SELECT sidx, oid, cid, did, MAX(tick) FROM version
		GROUP BY sidx, oid, cid, did
	`)
	return err
}

// MaxTickMismatches returns the number of components whose max_tick
// disagrees with the version table. Zero means the table is consistent.
func (t *Tx) MaxTickMismatches(ctx context.Context) (int64, error) {
	var n int64
	_, err := t.queryRow(ctx, "check max ticks", `
		SELECT COUNT(*) FROM (
			SELECT sidx, oid, cid, did, MAX(tick) AS m FROM version
			GROUP BY sidx, oid, cid, did
		) v
		FULL OUTER JOIN max_tick mt
		  ON v.sidx = mt.sidx AND v.oid = mt.oid AND v.cid = mt.cid AND v.did = mt.did
		WHERE v.m IS NULL OR mt.max_tick IS NULL OR v.m != mt.max_tick
	`, nil, &n)
	return n, err
}
