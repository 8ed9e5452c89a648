package store

import (
	"context"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/syncerr"
)

// StoreEntry pairs a local store index with its SID.
type StoreEntry struct {
	SIdx ids.SIndex
	SID  ids.SID
}

// SIndexOf returns the local index of sid.
func (t *Tx) SIndexOf(ctx context.Context, sid ids.SID) (ids.SIndex, bool, error) {
	var sidx ids.SIndex
	found, err := t.queryRow(ctx, "lookup sidx", `SELECT sidx FROM store_index WHERE sid = ?`, []any{sid}, &sidx)
	return sidx, found, err
}

// EnsureSIndex returns the local index of sid, allocating one if needed.
// AUTOINCREMENT guarantees a deleted index is never handed to another SID.
func (t *Tx) EnsureSIndex(ctx context.Context, sid ids.SID) (ids.SIndex, error) {
	sidx, found, err := t.SIndexOf(ctx, sid)
	if err != nil || found {
		return sidx, err
	}
	if _, err := t.exec(ctx, "allocate sidx", `INSERT INTO store_index (sid) VALUES (?)`, sid); err != nil {
		return 0, err
	}
	sidx, _, err = t.SIndexOf(ctx, sid)
	return sidx, err
}

// SIDOf returns the SID behind a local index.
func (t *Tx) SIDOf(ctx context.Context, sidx ids.SIndex) (ids.SID, error) {
	var sid ids.SID
	found, err := t.queryRow(ctx, "lookup sid", `SELECT sid FROM store_index WHERE sidx = ?`, []any{sidx}, &sid)
	if err != nil {
		return sid, err
	}
	if !found {
		return sid, syncerr.New(syncerr.CodeNotFound, "no store with sidx %d", sidx)
	}
	return sid, nil
}

// SetSID points an existing index at a new SID. The index keeps its identity
// so every row keyed by sidx stays valid.
func (t *Tx) SetSID(ctx context.Context, sidx ids.SIndex, sid ids.SID) error {
	n, err := t.exec(ctx, "set sid", `UPDATE store_index SET sid = ? WHERE sidx = ?`, sid, sidx)
	if err != nil {
		return err
	}
	if n != 1 {
		return syncerr.RowCount("set sid", 1, n)
	}
	return nil
}

// ListStores returns every known store ordered by index.
func (t *Tx) ListStores(ctx context.Context) ([]StoreEntry, error) {
	rows, err := t.query(ctx, "list stores", `SELECT sidx, sid FROM store_index ORDER BY sidx`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []StoreEntry{}
	for rows.Next() {
		var e StoreEntry
		if err := rows.Scan(&e.SIdx, &e.SID); err != nil {
			return nil, syncerr.Corruption(err, "scan store")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Corruption(err, "iterate stores")
	}
	return out, nil
}
