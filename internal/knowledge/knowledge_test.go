package knowledge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/testutil"
	"github.com/roach88/replica/internal/version"
)

func TestRollback(t *testing.T) {
	tests := []struct {
		name             string
		current, removed ids.Tick
		want             ids.Tick
	}{
		{"removed below knowledge", 9, 7, 6},
		{"removed at knowledge", 9, 9, 8},
		{"removed above knowledge", 4, 7, 4},
		{"removed first tick", 9, 1, 0},
		{"zero knowledge", 0, 3, 0},
		{"zero removal is a no-op", 5, 0, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Rollback(tt.current, tt.removed))
		})
	}
}

func TestRollback_Idempotent(t *testing.T) {
	for k := ids.Tick(0); k < 20; k++ {
		for r := ids.Tick(0); r < 20; r++ {
			once := Rollback(k, r)
			assert.Equal(t, once, Rollback(once, r), "k=%d r=%d", k, r)
			for smaller := ids.Tick(0); smaller <= r; smaller++ {
				if smaller == 0 {
					continue
				}
				assert.LessOrEqual(t, Rollback(once, smaller), once)
			}
			assert.LessOrEqual(t, once, k)
		}
	}
}

func TestRollbackNative_DeletesZeroRow(t *testing.T) {
	s := testutil.OpenStore(t)
	sidx := testutil.MustSIndex(t, s, testutil.SID(1))
	did := testutil.DID(1)

	testutil.Update(t, s, func(ctx context.Context, tx *store.Tx) error {
		if _, err := Advance(ctx, tx, sidx, did, 1); err != nil {
			return err
		}
		k, err := RollbackNative(ctx, tx, sidx, did, 1)
		assert.Equal(t, ids.Tick(0), k)
		return err
	})
	testutil.View(t, s, func(ctx context.Context, tx *store.Tx) error {
		n, err := tx.CountRows(ctx, "knowledge")
		require.NoError(t, err)
		assert.Zero(t, n, "zero knowledge is represented by row absence")
		return nil
	})
}

func TestRollbackNative_AlsoLowersReceived(t *testing.T) {
	s := testutil.OpenStore(t)
	sidx := testutil.MustSIndex(t, s, testutil.SID(1))
	did := testutil.DID(3)

	testutil.Update(t, s, func(ctx context.Context, tx *store.Tx) error {
		if _, err := NoteReceived(ctx, tx, sidx, did, 9); err != nil {
			return err
		}
		if _, err := Settle(ctx, tx, sidx); err != nil {
			return err
		}
		k, err := RollbackNative(ctx, tx, sidx, did, 7)
		require.NoError(t, err)
		assert.Equal(t, ids.Tick(6), k)

		// A later settle must not restore the retracted range.
		_, err = Settle(ctx, tx, sidx)
		require.NoError(t, err)
		k, err = Get(ctx, tx, sidx, did)
		assert.Equal(t, ids.Tick(6), k)
		return err
	})
}

func TestAdvance_ForwardOnly(t *testing.T) {
	s := testutil.OpenStore(t)
	sidx := testutil.MustSIndex(t, s, testutil.SID(1))
	did := testutil.DID(1)

	testutil.Update(t, s, func(ctx context.Context, tx *store.Tx) error {
		changed, err := Advance(ctx, tx, sidx, did, 5)
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = Advance(ctx, tx, sidx, did, 3)
		require.NoError(t, err)
		assert.False(t, changed)

		changed, err = Advance(ctx, tx, sidx, did, 0)
		require.NoError(t, err)
		assert.False(t, changed)

		k, err := Get(ctx, tx, sidx, did)
		assert.Equal(t, ids.Tick(5), k)
		return err
	})
}

func TestSettle_WaitsForPendingKML(t *testing.T) {
	s := testutil.OpenStore(t)
	sidx := testutil.MustSIndex(t, s, testutil.SID(1))
	a := testutil.DID(1)
	socid := ids.SOCID{SIdx: sidx, OID: testutil.OID(1), CID: ids.CIDContent}

	testutil.Update(t, s, func(ctx context.Context, tx *store.Tx) error {
		if err := tx.PutTick(ctx, socid, ids.KIndexKML, a, 5); err != nil {
			return err
		}
		if _, err := NoteReceived(ctx, tx, sidx, a, 5); err != nil {
			return err
		}
		advanced, err := Settle(ctx, tx, sidx)
		require.NoError(t, err)
		assert.Equal(t, version.Version{a: 4}, advanced)

		// Materialized: the KML row goes away and knowledge catches up.
		if _, err := tx.DeleteTick(ctx, socid, ids.KIndexKML, a, 5); err != nil {
			return err
		}
		if err := tx.PutTick(ctx, socid, ids.KIndexMaster, a, 5); err != nil {
			return err
		}
		advanced, err = Settle(ctx, tx, sidx)
		require.NoError(t, err)
		assert.Equal(t, version.Version{a: 5}, advanced)
		return nil
	})
}

func TestImmigrant_IndependentOfNative(t *testing.T) {
	s := testutil.OpenStore(t)
	sidx := testutil.MustSIndex(t, s, testutil.SID(1))
	did := testutil.DID(1)

	testutil.Update(t, s, func(ctx context.Context, tx *store.Tx) error {
		if _, err := Advance(ctx, tx, sidx, did, 10); err != nil {
			return err
		}
		if _, err := AdvanceImmigrant(ctx, tx, sidx, did, 10); err != nil {
			return err
		}
		k, err := RollbackImmigrant(ctx, tx, sidx, did, 4)
		require.NoError(t, err)
		assert.Equal(t, ids.Tick(3), k)

		native, err := Get(ctx, tx, sidx, did)
		assert.Equal(t, ids.Tick(10), native)
		return err
	})
	testutil.View(t, s, func(ctx context.Context, tx *store.Tx) error {
		v, err := ImmigrantVector(ctx, tx, sidx)
		require.NoError(t, err)
		assert.Equal(t, version.Version{did: 3}, v)
		return nil
	})
}
