package ids

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Len is the byte length of every DID, OID and SID.
const Len = 16

// nibbleByte is the byte holding the version nibble (the UUID version field).
const nibbleByte = 6

// Version nibble values.
const (
	// NibbleRegular marks a plain object OID or a shared store SID.
	NibbleRegular byte = 0x0
	// NibbleRootStore marks a user's private root store SID.
	NibbleRootStore byte = 0x3
	// NibbleSpecial marks non-anchor special objects such as ROOT and TRASH.
	NibbleSpecial byte = 0x4
	// NibbleAnchor marks the OID of a store mount point.
	NibbleAnchor byte = 0xA
)

// DID identifies a device (replica).
type DID [Len]byte

// OID identifies a logical object within a store.
type OID [Len]byte

// SID identifies a store.
type SID [Len]byte

// Distinguished object identifiers present in every store.
var (
	OIDRoot  = OID{}.WithNibble(NibbleSpecial)
	OIDTrash = OID{15: 1}.WithNibble(NibbleSpecial)
)

// NewDID returns a random device ID.
func NewDID() DID {
	return DID(uuid.New())
}

// NewOID returns a random regular object ID.
func NewOID() OID {
	return OID(uuid.New()).WithNibble(NibbleRegular)
}

// NewSID returns a random shared store ID.
func NewSID() SID {
	return SID(uuid.New()).WithNibble(NibbleRegular)
}

// RootSID derives the private root store ID of a user.
// The same user always gets the same SID on every device.
func RootSID(user string) SID {
	return SID(uuid.NewSHA1(uuid.NameSpaceURL, []byte("replica:root:"+user))).WithNibble(NibbleRootStore)
}

func fromBytes(b []byte) ([Len]byte, error) {
	var out [Len]byte
	if len(b) != Len {
		return out, fmt.Errorf("identifier must be %d bytes, got %d", Len, len(b))
	}
	copy(out[:], b)
	return out, nil
}

func parseHex(s string) ([Len]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return [Len]byte{}, fmt.Errorf("decode identifier %q: %w", s, err)
	}
	return fromBytes(b)
}

// DIDFromBytes validates and copies a 16-byte device ID.
func DIDFromBytes(b []byte) (DID, error) {
	v, err := fromBytes(b)
	return DID(v), err
}

// OIDFromBytes validates and copies a 16-byte object ID.
func OIDFromBytes(b []byte) (OID, error) {
	v, err := fromBytes(b)
	return OID(v), err
}

// SIDFromBytes validates and copies a 16-byte store ID.
func SIDFromBytes(b []byte) (SID, error) {
	v, err := fromBytes(b)
	return SID(v), err
}

// ParseDID decodes a hex device ID.
func ParseDID(s string) (DID, error) {
	v, err := parseHex(s)
	return DID(v), err
}

// ParseOID decodes a hex object ID.
func ParseOID(s string) (OID, error) {
	v, err := parseHex(s)
	return OID(v), err
}

// ParseSID decodes a hex store ID.
func ParseSID(s string) (SID, error) {
	v, err := parseHex(s)
	return SID(v), err
}

// MustParseDID is like ParseDID but panics on error.
// Use only in tests or for constants known to be valid.
func MustParseDID(s string) DID {
	d, err := ParseDID(s)
	if err != nil {
		panic(err)
	}
	return d
}

// MustParseOID is like ParseOID but panics on error.
func MustParseOID(s string) OID {
	o, err := ParseOID(s)
	if err != nil {
		panic(err)
	}
	return o
}

// MustParseSID is like ParseSID but panics on error.
func MustParseSID(s string) SID {
	o, err := ParseSID(s)
	if err != nil {
		panic(err)
	}
	return o
}

func (d DID) String() string { return hex.EncodeToString(d[:]) }
func (o OID) String() string { return hex.EncodeToString(o[:]) }
func (s SID) String() string { return hex.EncodeToString(s[:]) }

// Bytes returns a copy of the identifier bytes.
func (d DID) Bytes() []byte { return append([]byte(nil), d[:]...) }

// Bytes returns a copy of the identifier bytes.
func (o OID) Bytes() []byte { return append([]byte(nil), o[:]...) }

// Bytes returns a copy of the identifier bytes.
func (s SID) Bytes() []byte { return append([]byte(nil), s[:]...) }

// IsZero reports whether the device ID is unset.
func (d DID) IsZero() bool { return d == DID{} }

// Compare orders device IDs bytewise.
func (d DID) Compare(other DID) int { return bytes.Compare(d[:], other[:]) }

// Compare orders object IDs bytewise.
func (o OID) Compare(other OID) int { return bytes.Compare(o[:], other[:]) }

// Nibble returns the version nibble.
func (o OID) Nibble() byte { return o[nibbleByte] >> 4 }

// Nibble returns the version nibble.
func (s SID) Nibble() byte { return s[nibbleByte] >> 4 }

// WithNibble returns a copy of o with its version nibble replaced.
func (o OID) WithNibble(n byte) OID {
	o[nibbleByte] = (o[nibbleByte] & 0x0f) | (n&0x0f)<<4
	return o
}

// WithNibble returns a copy of s with its version nibble replaced.
func (s SID) WithNibble(n byte) SID {
	s[nibbleByte] = (s[nibbleByte] & 0x0f) | (n&0x0f)<<4
	return s
}

// IsAnchor reports whether the OID carries the anchor nibble.
func (o OID) IsAnchor() bool { return o.Nibble() == NibbleAnchor }

// IsRegular reports whether the OID carries the regular object nibble.
func (o OID) IsRegular() bool { return o.Nibble() == NibbleRegular }

// IsSpecial reports whether the OID is a non-anchor special object.
func (o OID) IsSpecial() bool { return o.Nibble() == NibbleSpecial }

// IsCanonical reports whether the nibble is one the current generator emits.
// Any other value is residue of a legacy generator and must be repaired.
func (o OID) IsCanonical() bool {
	switch o.Nibble() {
	case NibbleRegular, NibbleSpecial, NibbleAnchor:
		return true
	}
	return false
}

// IsRootStore reports whether the SID names a user's private root store.
func (s SID) IsRootStore() bool { return s.Nibble() == NibbleRootStore }

// AnchorOID2StoreSID converts the anchor of a mounted store to that store's SID.
func AnchorOID2StoreSID(anchor OID) (SID, error) {
	if !anchor.IsAnchor() {
		return SID{}, fmt.Errorf("oid %s is not an anchor (nibble %#x)", anchor, anchor.Nibble())
	}
	return SID(anchor.WithNibble(NibbleRegular)), nil
}

// StoreSID2AnchorOID converts a shared store SID to the OID of its anchor.
// Root stores are never mounted and have no anchor.
func StoreSID2AnchorOID(sid SID) (OID, error) {
	if sid.Nibble() != NibbleRegular {
		return OID{}, fmt.Errorf("sid %s has no anchor (nibble %#x)", sid, sid.Nibble())
	}
	return OID(sid).WithNibble(NibbleAnchor), nil
}
