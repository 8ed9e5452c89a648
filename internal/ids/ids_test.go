package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOID_IsRegular(t *testing.T) {
	for i := 0; i < 32; i++ {
		o := NewOID()
		assert.True(t, o.IsRegular(), "generated oid %s", o)
		assert.True(t, o.IsCanonical())
	}
}

func TestNewSID_IsSharedStore(t *testing.T) {
	s := NewSID()
	assert.Equal(t, NibbleRegular, s.Nibble())
	assert.False(t, s.IsRootStore())
}

func TestRootSID_Deterministic(t *testing.T) {
	a := RootSID("alice@example.com")
	b := RootSID("alice@example.com")
	c := RootSID("bob@example.com")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, a.IsRootStore())
}

func TestWithNibble_IsPure(t *testing.T) {
	o := MustParseOID("00112233445566778899aabbccddeeff")
	fixed := o.WithNibble(NibbleRegular)

	assert.Equal(t, byte(0x6), o.Nibble(), "original must be untouched")
	assert.Equal(t, NibbleRegular, fixed.Nibble())
	// Low nibble of the version byte is preserved.
	assert.Equal(t, o[6]&0x0f, fixed[6]&0x0f)
	assert.Equal(t, o[:6], fixed[:6])
	assert.Equal(t, o[7:], fixed[7:])
}

func TestIsCanonical(t *testing.T) {
	base := NewOID()
	assert.True(t, base.WithNibble(NibbleRegular).IsCanonical())
	assert.True(t, base.WithNibble(NibbleSpecial).IsCanonical())
	assert.True(t, base.WithNibble(NibbleAnchor).IsCanonical())
	assert.False(t, base.WithNibble(0x7).IsCanonical())
	assert.False(t, base.WithNibble(0x1).IsCanonical())
}

func TestAnchorConversion_RoundTrip(t *testing.T) {
	sid := NewSID()

	anchor, err := StoreSID2AnchorOID(sid)
	require.NoError(t, err)
	assert.True(t, anchor.IsAnchor())

	back, err := AnchorOID2StoreSID(anchor)
	require.NoError(t, err)
	assert.Equal(t, sid, back)
}

func TestAnchorConversion_Rejects(t *testing.T) {
	_, err := StoreSID2AnchorOID(RootSID("carol"))
	assert.Error(t, err, "root stores have no anchor")

	_, err = AnchorOID2StoreSID(NewOID())
	assert.Error(t, err, "regular oid is not an anchor")
}

func TestParse_RoundTrip(t *testing.T) {
	d := NewDID()
	parsed, err := ParseDID(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)

	_, err = ParseOID("abcd")
	assert.Error(t, err)

	_, err = ParseSID("zz112233445566778899aabbccddeeff")
	assert.Error(t, err)
}

func TestFromBytes_Length(t *testing.T) {
	_, err := OIDFromBytes(make([]byte, 15))
	assert.Error(t, err)

	b := NewOID().Bytes()
	o, err := OIDFromBytes(b)
	require.NoError(t, err)
	b[0] ^= 0xff
	assert.NotEqual(t, b[0], o[0], "OIDFromBytes must copy")
}

func TestSpecialOIDs(t *testing.T) {
	assert.True(t, OIDRoot.IsSpecial())
	assert.True(t, OIDTrash.IsSpecial())
	assert.NotEqual(t, OIDRoot, OIDTrash)
}

func TestCID_String(t *testing.T) {
	assert.Equal(t, "META", CIDMeta.String())
	assert.Equal(t, "CONTENT", CIDContent.String())
	assert.False(t, CID(5).Valid())
}
