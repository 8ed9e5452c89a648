package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/syncerr"
)

var (
	didA = ids.DID{0: 0xa}
	didB = ids.DID{0: 0xb}
	didC = ids.DID{0: 0xc}
)

func TestOf_DropsZeroAndKeepsMax(t *testing.T) {
	v := Of(Entry{didA, 3}, Entry{didA, 7}, Entry{didB, 0})
	assert.Equal(t, 1, v.Len())
	assert.Equal(t, ids.Tick(7), v.Get(didA))
	assert.Equal(t, ids.Tick(0), v.Get(didB))
}

func TestMerge(t *testing.T) {
	a := Of(Entry{didA, 5}, Entry{didB, 2})
	b := Of(Entry{didA, 3}, Entry{didC, 9})

	m := a.Merge(b)
	assert.Equal(t, Of(Entry{didA, 5}, Entry{didB, 2}, Entry{didC, 9}), m)
	// Inputs unchanged.
	assert.Equal(t, 2, a.Len())
	assert.Equal(t, 2, b.Len())
}

func TestSub_IsKnownMinusLocal(t *testing.T) {
	known := Of(Entry{didA, 5}, Entry{didB, 2}, Entry{didC, 4})
	local := Of(Entry{didA, 5}, Entry{didB, 1})

	kml := known.Sub(local)
	assert.Equal(t, Of(Entry{didB, 2}, Entry{didC, 4}), kml)
}

func TestDominates(t *testing.T) {
	big := Of(Entry{didA, 5}, Entry{didB, 2})
	small := Of(Entry{didA, 4})

	assert.True(t, big.Dominates(small))
	assert.False(t, small.Dominates(big))
	assert.True(t, big.Dominates(nil))
	assert.True(t, Version(nil).Dominates(Version{}))
}

func TestWith_ZeroRemoves(t *testing.T) {
	v := Of(Entry{didA, 5})
	w := v.With(didA, 0)
	assert.True(t, w.IsZero())
	assert.Equal(t, ids.Tick(5), v.Get(didA))
}

func TestMax(t *testing.T) {
	_, _, ok := Version{}.Max()
	assert.False(t, ok)

	did, tick, ok := Of(Entry{didA, 5}, Entry{didC, 8}).Max()
	require.True(t, ok)
	assert.Equal(t, didC, did)
	assert.Equal(t, ids.Tick(8), tick)
}

func TestDIDs_Sorted(t *testing.T) {
	v := Of(Entry{didC, 1}, Entry{didA, 1}, Entry{didB, 1})
	assert.Equal(t, []ids.DID{didA, didB, didC}, v.DIDs())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Of(Entry{didA, 1}).Validate())

	bad := Version{didA: 0}
	err := bad.Validate()
	require.Error(t, err)
	assert.True(t, syncerr.IsInvariant(err))
}

func TestEqual(t *testing.T) {
	assert.True(t, Of(Entry{didA, 1}).Equal(Of(Entry{didA, 1})))
	assert.False(t, Of(Entry{didA, 1}).Equal(Of(Entry{didA, 2})))
	assert.False(t, Of(Entry{didA, 1}).Equal(Of(Entry{didA, 1}, Entry{didB, 1})))
}
