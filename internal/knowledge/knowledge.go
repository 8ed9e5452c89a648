// Package knowledge maintains the per (store, device) knowledge watermarks
// that bound gossip, and rolls them back when ticks are retracted.
//
// Knowledge only moves forward, except through Rollback. A device's
// knowledge never exceeds the ticks that are available locally, either
// materialized or recorded as KML: a peer's claim is first recorded in the
// received watermark and Settle lifts knowledge to it once no lower KML tick
// of that device is still pending.
package knowledge

import (
	"context"
	"log/slog"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/version"
)

// Rollback returns the knowledge left after removed is retracted from a
// device whose knowledge was current: min(current, removed-1). Removing
// tick 0 is a no-op, and the result never exceeds current, so applying the
// same or a smaller removal again changes nothing.
func Rollback(current, removed ids.Tick) ids.Tick {
	if removed == 0 {
		return current
	}
	if bound := removed - 1; bound < current {
		return bound
	}
	return current
}

// Get returns the native knowledge of did in sidx, 0 when none.
func Get(ctx context.Context, tx *store.Tx, sidx ids.SIndex, did ids.DID) (ids.Tick, error) {
	return tx.GetWatermark(ctx, store.Knowledge, sidx, did)
}

// Vector returns the native knowledge vector of a store.
func Vector(ctx context.Context, tx *store.Tx, sidx ids.SIndex) (version.Version, error) {
	return tx.WatermarkVector(ctx, store.Knowledge, sidx)
}

// ImmigrantVector returns the immigrant knowledge vector of a store.
func ImmigrantVector(ctx context.Context, tx *store.Tx, sidx ids.SIndex) (version.Version, error) {
	return tx.WatermarkVector(ctx, store.ImmigrantKnowledge, sidx)
}

// Advance raises the native knowledge of did to tick. Lower values are
// ignored. Reports whether the row changed.
func Advance(ctx context.Context, tx *store.Tx, sidx ids.SIndex, did ids.DID, tick ids.Tick) (bool, error) {
	return advance(ctx, tx, store.Knowledge, sidx, did, tick)
}

// AdvanceImmigrant raises the immigrant knowledge of immDID to tick.
func AdvanceImmigrant(ctx context.Context, tx *store.Tx, sidx ids.SIndex, immDID ids.DID, tick ids.Tick) (bool, error) {
	return advance(ctx, tx, store.ImmigrantKnowledge, sidx, immDID, tick)
}

// NoteReceived records that a peer vouched for every tick of did up to tick.
func NoteReceived(ctx context.Context, tx *store.Tx, sidx ids.SIndex, did ids.DID, tick ids.Tick) (bool, error) {
	return advance(ctx, tx, store.ReceivedKnowledge, sidx, did, tick)
}

func advance(ctx context.Context, tx *store.Tx, w store.Watermark, sidx ids.SIndex, did ids.DID, tick ids.Tick) (bool, error) {
	if tick == 0 {
		return false, nil
	}
	cur, err := tx.GetWatermark(ctx, w, sidx, did)
	if err != nil {
		return false, err
	}
	if tick <= cur {
		return false, nil
	}
	return true, tx.SetWatermark(ctx, w, sidx, did, tick)
}

// set replaces a watermark, deleting the row for 0.
func set(ctx context.Context, tx *store.Tx, w store.Watermark, sidx ids.SIndex, did ids.DID, tick ids.Tick) error {
	if tick == 0 {
		return tx.DeleteWatermark(ctx, w, sidx, did)
	}
	return tx.SetWatermark(ctx, w, sidx, did, tick)
}

func rollback(ctx context.Context, tx *store.Tx, w store.Watermark, sidx ids.SIndex, did ids.DID, removed ids.Tick) (ids.Tick, error) {
	cur, err := tx.GetWatermark(ctx, w, sidx, did)
	if err != nil {
		return 0, err
	}
	next := Rollback(cur, removed)
	if next == cur {
		return cur, nil
	}
	if err := set(ctx, tx, w, sidx, did, next); err != nil {
		return 0, err
	}
	slog.Debug("knowledge rolled back", "table", w.String(), "sidx", sidx, "did", did, "from", cur, "to", next)
	return next, nil
}

// RollbackNative retracts removed from both the native knowledge and the
// received watermark of did. It must run in the transaction that deletes
// the tick. Returns the new knowledge.
func RollbackNative(ctx context.Context, tx *store.Tx, sidx ids.SIndex, did ids.DID, removed ids.Tick) (ids.Tick, error) {
	if _, err := rollback(ctx, tx, store.ReceivedKnowledge, sidx, did, removed); err != nil {
		return 0, err
	}
	return rollback(ctx, tx, store.Knowledge, sidx, did, removed)
}

// RollbackImmigrant retracts an immigrant tick of immDID.
func RollbackImmigrant(ctx context.Context, tx *store.Tx, sidx ids.SIndex, immDID ids.DID, removed ids.Tick) (ids.Tick, error) {
	return rollback(ctx, tx, store.ImmigrantKnowledge, sidx, immDID, removed)
}

// Settle lifts native knowledge toward the received watermark of every
// device of a store, stopping below the lowest KML tick still pending for
// that device. Returns the entries that advanced.
func Settle(ctx context.Context, tx *store.Tx, sidx ids.SIndex) (version.Version, error) {
	received, err := tx.WatermarkVector(ctx, store.ReceivedKnowledge, sidx)
	if err != nil {
		return nil, err
	}
	advanced := make(version.Version)
	for _, e := range received.Entries() {
		target := e.Tick
		pending, ok, err := tx.MinKMLTick(ctx, sidx, e.DID)
		if err != nil {
			return nil, err
		}
		if ok && pending <= target {
			target = pending - 1
		}
		changed, err := Advance(ctx, tx, sidx, e.DID, target)
		if err != nil {
			return nil, err
		}
		if changed {
			advanced[e.DID] = target
		}
	}
	return advanced, nil
}
