package store

import (
	"context"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/syncerr"
)

// SenderFilterRow is one sender filter epoch of a store.
type SenderFilterRow struct {
	SIdx  ids.SIndex
	Index uint64
	Bytes []byte
}

// CollectorFilterRow is the collector filter of one (store, device).
type CollectorFilterRow struct {
	SIdx  ids.SIndex
	DID   ids.DID
	Bytes []byte
}

// SenderFilter returns the filter bytes of one epoch.
func (t *Tx) SenderFilter(ctx context.Context, sidx ids.SIndex, index uint64) ([]byte, bool, error) {
	var b []byte
	found, err := t.queryRow(ctx, "get sender filter", `
		SELECT filter_bytes FROM sender_filter WHERE sidx = ? AND sender_filter_index = ?
	`, []any{sidx, index}, &b)
	return b, found, err
}

// PutSenderFilter replaces the filter bytes of one epoch.
func (t *Tx) PutSenderFilter(ctx context.Context, sidx ids.SIndex, index uint64, b []byte) error {
	_, err := t.exec(ctx, "put sender filter", `
		INSERT INTO sender_filter (sidx, sender_filter_index, filter_bytes) VALUES (?, ?, ?)
		ON CONFLICT(sidx, sender_filter_index) DO UPDATE SET filter_bytes = excluded.filter_bytes
	`, sidx, index, b)
	return err
}

// SenderFilterBounds returns the oldest and newest retained epochs.
func (t *Tx) SenderFilterBounds(ctx context.Context, sidx ids.SIndex) (oldest, newest uint64, found bool, err error) {
	var lo, hi *uint64
	if _, err = t.queryRow(ctx, "sender filter bounds", `
		SELECT MIN(sender_filter_index), MAX(sender_filter_index) FROM sender_filter WHERE sidx = ?
	`, []any{sidx}, &lo, &hi); err != nil {
		return 0, 0, false, err
	}
	if lo == nil || hi == nil {
		return 0, 0, false, nil
	}
	return *lo, *hi, true, nil
}

// SenderFiltersFrom returns every retained epoch at or after from, ascending.
func (t *Tx) SenderFiltersFrom(ctx context.Context, sidx ids.SIndex, from uint64) ([]SenderFilterRow, error) {
	return t.scanSenderFilters(ctx, `
		SELECT sidx, sender_filter_index, filter_bytes FROM sender_filter
		WHERE sidx = ? AND sender_filter_index >= ?
		ORDER BY sender_filter_index
	`, sidx, from)
}

// AllSenderFilters returns every sender filter of every store.
func (t *Tx) AllSenderFilters(ctx context.Context) ([]SenderFilterRow, error) {
	return t.scanSenderFilters(ctx, `
		SELECT sidx, sender_filter_index, filter_bytes FROM sender_filter
		ORDER BY sidx, sender_filter_index
	`)
}

func (t *Tx) scanSenderFilters(ctx context.Context, query string, args ...any) ([]SenderFilterRow, error) {
	rows, err := t.query(ctx, "list sender filters", query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []SenderFilterRow{}
	for rows.Next() {
		var r SenderFilterRow
		if err := rows.Scan(&r.SIdx, &r.Index, &r.Bytes); err != nil {
			return nil, syncerr.Corruption(err, "scan sender filter")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Corruption(err, "iterate sender filters")
	}
	return out, nil
}

// DeleteSenderFiltersBelow retires every epoch older than index.
func (t *Tx) DeleteSenderFiltersBelow(ctx context.Context, sidx ids.SIndex, index uint64) (int64, error) {
	return t.exec(ctx, "retire sender filters", `
		DELETE FROM sender_filter WHERE sidx = ? AND sender_filter_index < ?
	`, sidx, index)
}

// SenderDeviceIndex returns the epoch a peer has already merged.
func (t *Tx) SenderDeviceIndex(ctx context.Context, sidx ids.SIndex, did ids.DID) (uint64, bool, error) {
	var idx uint64
	found, err := t.queryRow(ctx, "get sender device", `
		SELECT sender_filter_index FROM sender_device WHERE sidx = ? AND did = ?
	`, []any{sidx, did}, &idx)
	return idx, found, err
}

// SetSenderDeviceIndex records the epoch a peer has merged.
func (t *Tx) SetSenderDeviceIndex(ctx context.Context, sidx ids.SIndex, did ids.DID, index uint64) error {
	_, err := t.exec(ctx, "set sender device", `
		INSERT INTO sender_device (sidx, did, sender_filter_index) VALUES (?, ?, ?)
		ON CONFLICT(sidx, did) DO UPDATE SET sender_filter_index = excluded.sender_filter_index
	`, sidx, did, index)
	return err
}

// MinSenderDeviceIndex returns the oldest epoch any known peer still needs.
func (t *Tx) MinSenderDeviceIndex(ctx context.Context, sidx ids.SIndex) (uint64, bool, error) {
	var idx *uint64
	if _, err := t.queryRow(ctx, "min sender device", `
		SELECT MIN(sender_filter_index) FROM sender_device WHERE sidx = ?
	`, []any{sidx}, &idx); err != nil {
		return 0, false, err
	}
	if idx == nil {
		return 0, false, nil
	}
	return *idx, true, nil
}

// ReceivedFilterIndex returns the next epoch to request from a peer.
func (t *Tx) ReceivedFilterIndex(ctx context.Context, sidx ids.SIndex, did ids.DID) (uint64, bool, error) {
	var idx uint64
	found, err := t.queryRow(ctx, "get received filter index", `
		SELECT sender_filter_index FROM received_filter_index WHERE sidx = ? AND did = ?
	`, []any{sidx, did}, &idx)
	return idx, found, err
}

// SetReceivedFilterIndex records the next epoch to request from a peer.
func (t *Tx) SetReceivedFilterIndex(ctx context.Context, sidx ids.SIndex, did ids.DID, index uint64) error {
	_, err := t.exec(ctx, "set received filter index", `
		INSERT INTO received_filter_index (sidx, did, sender_filter_index) VALUES (?, ?, ?)
		ON CONFLICT(sidx, did) DO UPDATE SET sender_filter_index = excluded.sender_filter_index
	`, sidx, did, index)
	return err
}

// CollectorFilter returns the collector filter bytes of (sidx, did).
func (t *Tx) CollectorFilter(ctx context.Context, sidx ids.SIndex, did ids.DID) ([]byte, bool, error) {
	var b []byte
	found, err := t.queryRow(ctx, "get collector filter", `
		SELECT filter_bytes FROM collector_filter WHERE sidx = ? AND did = ?
	`, []any{sidx, did}, &b)
	return b, found, err
}

// PutCollectorFilter replaces the collector filter of (sidx, did).
func (t *Tx) PutCollectorFilter(ctx context.Context, sidx ids.SIndex, did ids.DID, b []byte) error {
	_, err := t.exec(ctx, "put collector filter", `
		INSERT INTO collector_filter (sidx, did, filter_bytes) VALUES (?, ?, ?)
		ON CONFLICT(sidx, did) DO UPDATE SET filter_bytes = excluded.filter_bytes
	`, sidx, did, b)
	return err
}

// DeleteCollectorFilter retires the collector filter of (sidx, did).
func (t *Tx) DeleteCollectorFilter(ctx context.Context, sidx ids.SIndex, did ids.DID) error {
	_, err := t.exec(ctx, "delete collector filter", `
		DELETE FROM collector_filter WHERE sidx = ? AND did = ?
	`, sidx, did)
	return err
}

// CollectorFilters returns the collector filters of a store ordered by device.
func (t *Tx) CollectorFilters(ctx context.Context, sidx ids.SIndex) ([]CollectorFilterRow, error) {
	return t.scanCollectorFilters(ctx, `
		SELECT sidx, did, filter_bytes FROM collector_filter WHERE sidx = ? ORDER BY did
	`, sidx)
}

// AllCollectorFilters returns every collector filter.
func (t *Tx) AllCollectorFilters(ctx context.Context) ([]CollectorFilterRow, error) {
	return t.scanCollectorFilters(ctx, `
		SELECT sidx, did, filter_bytes FROM collector_filter ORDER BY sidx, did
	`)
}

func (t *Tx) scanCollectorFilters(ctx context.Context, query string, args ...any) ([]CollectorFilterRow, error) {
	rows, err := t.query(ctx, "list collector filters", query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []CollectorFilterRow{}
	for rows.Next() {
		var r CollectorFilterRow
		if err := rows.Scan(&r.SIdx, &r.DID, &r.Bytes); err != nil {
			return nil, syncerr.Corruption(err, "scan collector filter")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Corruption(err, "iterate collector filters")
	}
	return out, nil
}
