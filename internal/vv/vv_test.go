package vv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/knowledge"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/syncerr"
	"github.com/roach88/replica/internal/testutil"
	"github.com/roach88/replica/internal/version"
)

func newComponent(t *testing.T) (*store.Store, ids.SOCID) {
	t.Helper()
	s := testutil.OpenStore(t)
	sidx := testutil.MustSIndex(t, s, testutil.SID(1))
	return s, ids.SOCID{SIdx: sidx, OID: testutil.OID(1), CID: ids.CIDContent}
}

func TestAllocateTick_Monotonic(t *testing.T) {
	s, _ := newComponent(t)

	var last ids.Tick
	for i := 0; i < 5; i++ {
		testutil.Update(t, s, func(ctx context.Context, tx *store.Tx) error {
			tick, err := AllocateTick(ctx, tx)
			require.NoError(t, err)
			assert.Greater(t, tick, last)
			last = tick
			return nil
		})
	}
	assert.Equal(t, ids.Tick(5), last)
}

func TestAllocateTick_RolledBackWithTransaction(t *testing.T) {
	s, _ := newComponent(t)
	ctx := context.Background()

	_ = s.Update(ctx, func(tx *store.Tx) error {
		if _, err := AllocateTick(ctx, tx); err != nil {
			return err
		}
		return syncerr.New(syncerr.CodeInvariant, "abort")
	})
	testutil.Update(t, s, func(ctx context.Context, tx *store.Tx) error {
		tick, err := AllocateTick(ctx, tx)
		assert.Equal(t, ids.Tick(1), tick)
		return err
	})
}

func TestAddKML_OnlyNewerTicks(t *testing.T) {
	s, socid := newComponent(t)
	a, b := testutil.DID(1), testutil.DID(2)

	testutil.Update(t, s, func(ctx context.Context, tx *store.Tx) error {
		if _, err := AddLocal(ctx, tx, socid, ids.KIndexMaster, version.Version{a: 3}); err != nil {
			return err
		}
		added, err := AddKML(ctx, tx, socid, version.Version{a: 2, b: 4})
		require.NoError(t, err)
		assert.Equal(t, version.Version{b: 4}, added)

		added, err = AddKML(ctx, tx, socid, version.Version{b: 4})
		require.NoError(t, err)
		assert.True(t, added.IsZero(), "already known")

		kml, err := GetKML(ctx, tx, socid)
		assert.Equal(t, version.Version{b: 4}, kml)
		return err
	})
}

func TestAddKML_RejectsZeroTick(t *testing.T) {
	s, socid := newComponent(t)
	ctx := context.Background()

	err := s.Update(ctx, func(tx *store.Tx) error {
		_, err := AddKML(ctx, tx, socid, version.Version{testutil.DID(1): 0})
		return err
	})
	assert.True(t, syncerr.IsInvariant(err))
}

func TestMaterialize_PrunesKMLAndDequeues(t *testing.T) {
	s, socid := newComponent(t)
	a := testutil.DID(1)

	testutil.Update(t, s, func(ctx context.Context, tx *store.Tx) error {
		if _, err := AddKML(ctx, tx, socid, version.Version{a: 5}); err != nil {
			return err
		}
		_, err := tx.Enqueue(ctx, socid)
		return err
	})
	testutil.Update(t, s, func(ctx context.Context, tx *store.Tx) error {
		pending, err := Materialize(ctx, tx, socid, ids.KIndexMaster, version.Version{a: 5})
		require.NoError(t, err)
		assert.True(t, pending.IsZero())

		n, err := tx.QueueLen(ctx, socid.SIdx)
		require.NoError(t, err)
		assert.Zero(t, n)

		kmlRows, err := tx.KMLRows(ctx, socid.SIdx)
		assert.Empty(t, kmlRows)
		return err
	})
}

func TestMaterialize_RejectsKMLBranch(t *testing.T) {
	s, socid := newComponent(t)
	ctx := context.Background()

	err := s.Update(ctx, func(tx *store.Tx) error {
		_, err := Materialize(ctx, tx, socid, ids.KIndexKML, version.Version{testutil.DID(1): 1})
		return err
	})
	assert.True(t, syncerr.IsInvariant(err))
}

// A ghost KML tick 7 of C is removed while knowledge of C is 9. Knowledge
// drops to 6 and max-tick falls back to the next highest tick.
func TestRemoveTick_GhostRollsBackKnowledgeAndMaxTick(t *testing.T) {
	s, socid := newComponent(t)
	c := testutil.DID(3)

	testutil.Update(t, s, func(ctx context.Context, tx *store.Tx) error {
		if _, err := AddLocal(ctx, tx, socid, ids.KIndexMaster, version.Version{c: 2}); err != nil {
			return err
		}
		if _, err := AddKML(ctx, tx, socid, version.Version{c: 7}); err != nil {
			return err
		}
		_, err := knowledge.Advance(ctx, tx, socid.SIdx, c, 9)
		return err
	})

	testutil.Update(t, s, func(ctx context.Context, tx *store.Tx) error {
		return RemoveTick(ctx, tx, socid, ids.KIndexKML, c, 7)
	})

	testutil.View(t, s, func(ctx context.Context, tx *store.Tx) error {
		k, err := knowledge.Get(ctx, tx, socid.SIdx, c)
		require.NoError(t, err)
		assert.Equal(t, ids.Tick(6), k)

		mt, err := tx.MaxTicks(ctx, socid)
		require.NoError(t, err)
		assert.Equal(t, ids.Tick(2), mt.Get(c))
		return nil
	})
}

func TestRemoveTick_MissingTickAborts(t *testing.T) {
	s, socid := newComponent(t)
	c := testutil.DID(3)
	ctx := context.Background()

	testutil.Update(t, s, func(ctx context.Context, tx *store.Tx) error {
		_, err := knowledge.Advance(ctx, tx, socid.SIdx, c, 9)
		return err
	})

	err := s.Update(ctx, func(tx *store.Tx) error {
		return RemoveTick(ctx, tx, socid, ids.KIndexKML, c, 7)
	})
	require.True(t, syncerr.IsRowCount(err))

	testutil.View(t, s, func(ctx context.Context, tx *store.Tx) error {
		k, err := knowledge.Get(ctx, tx, socid.SIdx, c)
		assert.Equal(t, ids.Tick(9), k, "knowledge untouched when the delete fails")
		return err
	})
}

func TestRemoveTick_RemovesExactlyOneImmigrantRecord(t *testing.T) {
	s, socid := newComponent(t)
	a, imm := testutil.DID(1), testutil.DID(9)
	other := ids.SOCID{SIdx: socid.SIdx, OID: testutil.OID(2), CID: ids.CIDContent}

	testutil.Update(t, s, func(ctx context.Context, tx *store.Tx) error {
		for i, sc := range []ids.SOCID{socid, other} {
			tick := ids.Tick(4 + i)
			if _, err := AddLocal(ctx, tx, sc, ids.KIndexMaster, version.Version{a: tick}); err != nil {
				return err
			}
			if err := tx.PutImmigrant(ctx, store.ImmigrantRow{SOCID: sc, DID: a, Tick: tick, ImmDID: imm, ImmTick: ids.Tick(10 + i)}); err != nil {
				return err
			}
		}
		_, err := knowledge.AdvanceImmigrant(ctx, tx, socid.SIdx, imm, 11)
		return err
	})

	testutil.Update(t, s, func(ctx context.Context, tx *store.Tx) error {
		return RemoveTick(ctx, tx, socid, ids.KIndexMaster, a, 4)
	})

	testutil.View(t, s, func(ctx context.Context, tx *store.Tx) error {
		rows, err := tx.ImmigrantRows(ctx, socid.SIdx)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, other, rows[0].SOCID)

		iv, err := knowledge.ImmigrantVector(ctx, tx, socid.SIdx)
		require.NoError(t, err)
		assert.Equal(t, version.Version{imm: 9}, iv)
		return nil
	})
}
