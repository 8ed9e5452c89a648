package ids

import "fmt"

// SIndex is the locally scoped surrogate of a SID.
// Valid values are strictly positive and never reused for another SID.
type SIndex int32

// Valid reports whether the index can name a store.
func (s SIndex) Valid() bool { return s > 0 }

// CID distinguishes the independently versioned facets of an object.
type CID int8

const (
	// CIDMeta versions the name and attributes of an object.
	CIDMeta CID = 0
	// CIDContent versions the bytes of a file.
	CIDContent CID = 1
)

func (c CID) String() string {
	switch c {
	case CIDMeta:
		return "META"
	case CIDContent:
		return "CONTENT"
	}
	return fmt.Sprintf("CID(%d)", int8(c))
}

// Valid reports whether c is a known component.
func (c CID) Valid() bool { return c == CIDMeta || c == CIDContent }

// KIndex keys the branch a version row belongs to.
type KIndex int32

const (
	// KIndexMaster is the materialized branch of a component.
	KIndexMaster KIndex = 0
	// KIndexKML holds ticks known to exist but not held locally.
	KIndexKML KIndex = -1
)

// Tick is a per-device version counter. Zero means absent.
type Tick uint64

// SOID names an object within a local store.
type SOID struct {
	SIdx SIndex
	OID  OID
}

func (s SOID) String() string { return fmt.Sprintf("%d:%s", s.SIdx, s.OID) }

// SOCID is the versioning unit: one component of one object in one store.
type SOCID struct {
	SIdx SIndex
	OID  OID
	CID  CID
}

// SOID drops the component.
func (s SOCID) SOID() SOID { return SOID{SIdx: s.SIdx, OID: s.OID} }

func (s SOCID) String() string { return fmt.Sprintf("%d:%s:%d", s.SIdx, s.OID, s.CID) }
