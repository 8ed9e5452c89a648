package store

import (
	"context"
	"fmt"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/syncerr"
	"github.com/roach88/replica/internal/version"
)

// Watermark names one of the per (store, device) tick watermark tables.
type Watermark struct {
	table   string
	didCol  string
	tickCol string
}

// Watermark tables.
var (
	// Knowledge is the native knowledge vector.
	Knowledge = Watermark{table: "knowledge", didCol: "did", tickCol: "tick"}
	// ReceivedKnowledge is the watermark peers have vouched for.
	ReceivedKnowledge = Watermark{table: "received_knowledge", didCol: "did", tickCol: "tick"}
	// ImmigrantKnowledge is the immigrant knowledge vector, keyed by immigrant DID.
	ImmigrantKnowledge = Watermark{table: "immigrant_knowledge", didCol: "imm_did", tickCol: "imm_tick"}
)

func (w Watermark) String() string { return w.table }

// GetWatermark returns the tick for (sidx, did), or 0 when no row exists.
func (t *Tx) GetWatermark(ctx context.Context, w Watermark, sidx ids.SIndex, did ids.DID) (ids.Tick, error) {
	var tick ids.Tick
	_, err := t.queryRow(ctx, "get "+w.table,
		fmt.Sprintf(`SELECT %s FROM %s WHERE sidx = ? AND %s = ?`, w.tickCol, w.table, w.didCol),
		[]any{sidx, did}, &tick)
	return tick, err
}

// SetWatermark replaces the tick for (sidx, did). Persisting 0 is an
// invariant violation; callers delete the row instead.
func (t *Tx) SetWatermark(ctx context.Context, w Watermark, sidx ids.SIndex, did ids.DID, tick ids.Tick) error {
	if tick == 0 {
		return syncerr.Invariant("%s: refusing to persist zero for sidx %d did %s", w.table, sidx, did)
	}
	_, err := t.exec(ctx, "set "+w.table, fmt.Sprintf(`
		INSERT INTO %[1]s (sidx, %[2]s, %[3]s) VALUES (?, ?, ?)
		ON CONFLICT(sidx, %[2]s) DO UPDATE SET %[3]s = excluded.%[3]s
	`, w.table, w.didCol, w.tickCol), sidx, did, tick)
	return err
}

// DeleteWatermark removes the row for (sidx, did).
func (t *Tx) DeleteWatermark(ctx context.Context, w Watermark, sidx ids.SIndex, did ids.DID) error {
	_, err := t.exec(ctx, "delete "+w.table,
		fmt.Sprintf(`DELETE FROM %s WHERE sidx = ? AND %s = ?`, w.table, w.didCol), sidx, did)
	return err
}

// WatermarkVector returns every row of a store as a version vector.
func (t *Tx) WatermarkVector(ctx context.Context, w Watermark, sidx ids.SIndex) (version.Version, error) {
	rows, err := t.query(ctx, "list "+w.table,
		fmt.Sprintf(`SELECT %s, %s FROM %s WHERE sidx = ? ORDER BY %s`, w.didCol, w.tickCol, w.table, w.didCol), sidx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	v := make(version.Version)
	for rows.Next() {
		var did ids.DID
		var tick ids.Tick
		if err := rows.Scan(&did, &tick); err != nil {
			return nil, syncerr.Corruption(err, "scan "+w.table)
		}
		v[did] = tick
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Corruption(err, "iterate "+w.table)
	}
	return v, nil
}

// ClearWatermarks removes every row of a store.
func (t *Tx) ClearWatermarks(ctx context.Context, w Watermark, sidx ids.SIndex) error {
	_, err := t.exec(ctx, "clear "+w.table, fmt.Sprintf(`DELETE FROM %s WHERE sidx = ?`, w.table), sidx)
	return err
}
