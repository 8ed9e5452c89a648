package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/syncerr"
)

func TestWatermark_ZeroNeverPersisted(t *testing.T) {
	s := createTestStore(t)
	sidx := newTestSIndex(t, s, 1)
	ctx := context.Background()

	for _, w := range []Watermark{Knowledge, ReceivedKnowledge, ImmigrantKnowledge} {
		err := s.Update(ctx, func(tx *Tx) error {
			return tx.SetWatermark(ctx, w, sidx, testDID(1), 0)
		})
		assert.True(t, syncerr.IsInvariant(err), w.String())
	}

	update(t, s, func(ctx context.Context, tx *Tx) error {
		return tx.SetWatermark(ctx, Knowledge, sidx, testDID(1), 9)
	})
	view(t, s, func(ctx context.Context, tx *Tx) error {
		k, err := tx.GetWatermark(ctx, Knowledge, sidx, testDID(1))
		require.NoError(t, err)
		assert.Equal(t, ids.Tick(9), k)

		k, err = tx.GetWatermark(ctx, Knowledge, sidx, testDID(2))
		require.NoError(t, err)
		assert.Zero(t, k, "missing row reads as zero")
		return nil
	})
}

func TestImmigrant_Bijective(t *testing.T) {
	s := createTestStore(t)
	sidx := newTestSIndex(t, s, 1)
	socid := ids.SOCID{SIdx: sidx, OID: testOID(1)}
	ctx := context.Background()

	update(t, s, func(ctx context.Context, tx *Tx) error {
		return tx.PutImmigrant(ctx, ImmigrantRow{SOCID: socid, DID: testDID(1), Tick: 3, ImmDID: testDID(9), ImmTick: 1})
	})

	err := s.Update(ctx, func(tx *Tx) error {
		return tx.PutImmigrant(ctx, ImmigrantRow{SOCID: socid, DID: testDID(1), Tick: 4, ImmDID: testDID(9), ImmTick: 1})
	})
	assert.True(t, syncerr.IsCorruption(err), "immigrant tick already mapped")

	update(t, s, func(ctx context.Context, tx *Tx) error {
		r, found, err := tx.ImmigrantFor(ctx, socid, testDID(1), 3)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, ids.Tick(1), r.ImmTick)

		n, err := tx.DeleteImmigrant(ctx, socid, testDID(1), 3)
		assert.Equal(t, int64(1), n)
		return err
	})
}

func TestSenderFilters(t *testing.T) {
	s := createTestStore(t)
	sidx := newTestSIndex(t, s, 1)

	update(t, s, func(ctx context.Context, tx *Tx) error {
		for i := uint64(1); i <= 3; i++ {
			if err := tx.PutSenderFilter(ctx, sidx, i, []byte{byte(i)}); err != nil {
				return err
			}
		}
		if err := tx.SetSenderDeviceIndex(ctx, sidx, testDID(1), 3); err != nil {
			return err
		}
		return tx.SetSenderDeviceIndex(ctx, sidx, testDID(2), 2)
	})

	update(t, s, func(ctx context.Context, tx *Tx) error {
		lo, hi, found, err := tx.SenderFilterBounds(ctx, sidx)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, uint64(1), lo)
		assert.Equal(t, uint64(3), hi)

		from, err := tx.SenderFiltersFrom(ctx, sidx, 2)
		require.NoError(t, err)
		require.Len(t, from, 2)
		assert.Equal(t, uint64(2), from[0].Index)

		lowest, ok, err := tx.MinSenderDeviceIndex(ctx, sidx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint64(2), lowest)

		n, err := tx.DeleteSenderFiltersBelow(ctx, sidx, lowest)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		return nil
	})
}

func TestCollectorQueue_Order(t *testing.T) {
	s := createTestStore(t)
	sidx := newTestSIndex(t, s, 1)
	a := ids.SOCID{SIdx: sidx, OID: testOID(2)}
	b := ids.SOCID{SIdx: sidx, OID: testOID(1)}

	update(t, s, func(ctx context.Context, tx *Tx) error {
		for _, socid := range []ids.SOCID{a, b, a} {
			if _, err := tx.Enqueue(ctx, socid); err != nil {
				return err
			}
		}
		return nil
	})
	view(t, s, func(ctx context.Context, tx *Tx) error {
		q, err := tx.QueueAfter(ctx, sidx, 0, 0)
		require.NoError(t, err)
		require.Len(t, q, 2)
		assert.Equal(t, a, q[0].SOCID, "re-enqueue keeps position")
		assert.Equal(t, b, q[1].SOCID)

		q, err = tx.QueueAfter(ctx, sidx, q[0].Seq, 10)
		require.NoError(t, err)
		assert.Len(t, q, 1)
		return nil
	})
}

func TestRewriteOID_CoversEveryColumn(t *testing.T) {
	s := createTestStore(t)
	sidx := newTestSIndex(t, s, 1)
	from, to, parent := testOID(1), testOID(2), testOID(3)
	socid := ids.SOCID{SIdx: sidx, OID: from, CID: ids.CIDContent}
	soid := socid.SOID()

	update(t, s, func(ctx context.Context, tx *Tx) error {
		steps := []func() error{
			func() error {
				return tx.PutObjectAttr(ctx, ObjectAttr{SOID: soid, Type: ObjectFile, Parent: parent, Name: "a"})
			},
			func() error {
				return tx.PutObjectAttr(ctx, ObjectAttr{SOID: ids.SOID{SIdx: sidx, OID: testOID(4)}, Type: ObjectFile, Parent: from, Name: "child"})
			},
			func() error { return tx.PutContentAttr(ctx, ContentAttr{SOID: soid, Length: 3, MTime: 1}) },
			func() error { return tx.PutPrefix(ctx, soid, 1, 2) },
			func() error { return tx.PutBackupTick(ctx, socid, 4) },
			func() error { return tx.PutTick(ctx, socid, ids.KIndexMaster, testDID(1), 4) },
			func() error {
				return tx.PutImmigrant(ctx, ImmigrantRow{SOCID: socid, DID: testDID(1), Tick: 4, ImmDID: testDID(2), ImmTick: 1})
			},
			func() error { _, err := tx.Enqueue(ctx, socid); return err },
			func() error { return tx.PutAlias(ctx, sidx, from, testOID(5)) },
			func() error { return tx.PutAlias(ctx, sidx, testOID(6), from) },
			func() error { return tx.SetExpelled(ctx, soid, true) },
			func() error {
				return tx.AppendActivity(ctx, ActivityEntry{SOID: soid, Path: "a", DID: testDID(1), Time: time.Unix(1, 0)})
			},
			func() error { return tx.EnqueuePush(ctx, socid) },
		}
		for _, step := range steps {
			if err := step(); err != nil {
				return err
			}
		}
		return nil
	})

	update(t, s, func(ctx context.Context, tx *Tx) error {
		before, err := tx.CountOIDReferences(ctx, sidx, from)
		require.NoError(t, err)
		assert.Len(t, before, len(OIDColumns))

		counts, err := tx.RewriteOID(ctx, sidx, from, to)
		require.NoError(t, err)
		for _, c := range OIDColumns {
			assert.Equal(t, int64(1), counts[c.String()], c.String())
		}
		return nil
	})

	view(t, s, func(ctx context.Context, tx *Tx) error {
		after, err := tx.CountOIDReferences(ctx, sidx, from)
		require.NoError(t, err)
		assert.Empty(t, after)

		exp, err := tx.IsExpelled(ctx, ids.SOID{SIdx: sidx, OID: to})
		require.NoError(t, err)
		assert.True(t, exp)
		return nil
	})
}

func TestPushQueue_DeleteIsStrict(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.Update(ctx, func(tx *Tx) error { return tx.DeletePush(ctx, 42) })
	assert.True(t, syncerr.IsRowCount(err))
}

func TestEnsureDeviceID_Persists(t *testing.T) {
	s := createTestStore(t)

	var first ids.DID
	update(t, s, func(ctx context.Context, tx *Tx) error {
		var err error
		first, err = tx.EnsureDeviceID(ctx, ids.DID{})
		return err
	})
	assert.False(t, first.IsZero())

	update(t, s, func(ctx context.Context, tx *Tx) error {
		again, err := tx.EnsureDeviceID(ctx, ids.DID{})
		require.NoError(t, err)
		assert.Equal(t, first, again)

		_, err = tx.EnsureDeviceID(ctx, testDID(9))
		assert.True(t, syncerr.IsInvariant(err))
		return nil
	})
}
