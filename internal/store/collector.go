package store

import (
	"context"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/syncerr"
)

// QueueEntry is one pending component in the collector queue.
type QueueEntry struct {
	Seq   int64
	SOCID ids.SOCID
}

// Enqueue adds a component to the collector queue. A component already queued
// keeps its position. Returns true when a new entry was created.
func (t *Tx) Enqueue(ctx context.Context, socid ids.SOCID) (bool, error) {
	n, err := t.exec(ctx, "enqueue collector", `
		INSERT INTO collector_queue (sidx, oid, cid) VALUES (?, ?, ?)
		ON CONFLICT(sidx, oid, cid) DO NOTHING
	`, socid.SIdx, socid.OID, socid.CID)
	return n > 0, err
}

// QueueAfter returns up to limit entries of a store with seq > after, in
// enqueue order. A limit <= 0 returns every entry.
func (t *Tx) QueueAfter(ctx context.Context, sidx ids.SIndex, after int64, limit int) ([]QueueEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := t.query(ctx, "list collector queue", `
		SELECT seq, sidx, oid, cid FROM collector_queue
		WHERE sidx = ? AND seq > ?
		ORDER BY seq
		LIMIT ?
	`, sidx, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []QueueEntry{}
	for rows.Next() {
		var e QueueEntry
		if err := rows.Scan(&e.Seq, &e.SOCID.SIdx, &e.SOCID.OID, &e.SOCID.CID); err != nil {
			return nil, syncerr.Corruption(err, "scan collector queue")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Corruption(err, "iterate collector queue")
	}
	return out, nil
}

// Dequeue removes a component from the queue and reports whether it was queued.
func (t *Tx) Dequeue(ctx context.Context, socid ids.SOCID) (bool, error) {
	n, err := t.exec(ctx, "dequeue collector", `
		DELETE FROM collector_queue WHERE sidx = ? AND oid = ? AND cid = ?
	`, socid.SIdx, socid.OID, socid.CID)
	return n > 0, err
}

// ClearQueue empties the queue of every store and returns the rows removed.
func (t *Tx) ClearQueue(ctx context.Context) (int64, error) {
	return t.exec(ctx, "clear collector queue", `DELETE FROM collector_queue`)
}

// QueueLen returns the number of queued components of a store.
func (t *Tx) QueueLen(ctx context.Context, sidx ids.SIndex) (int64, error) {
	var n int64
	_, err := t.queryRow(ctx, "collector queue length", `
		SELECT COUNT(*) FROM collector_queue WHERE sidx = ?
	`, []any{sidx}, &n)
	return n, err
}

// ComponentsWithKML returns every component of a store with at least one KML
// row, in key order.
func (t *Tx) ComponentsWithKML(ctx context.Context, sidx ids.SIndex) ([]ids.SOCID, error) {
	rows, err := t.query(ctx, "list kml components", `
		SELECT DISTINCT sidx, oid, cid FROM version
		WHERE sidx = ? AND kidx = ?
		ORDER BY oid, cid
	`, sidx, ids.KIndexKML)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ids.SOCID{}
	for rows.Next() {
		var s ids.SOCID
		if err := rows.Scan(&s.SIdx, &s.OID, &s.CID); err != nil {
			return nil, syncerr.Corruption(err, "scan kml component")
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Corruption(err, "iterate kml components")
	}
	return out, nil
}
