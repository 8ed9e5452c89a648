package testutil

import (
	"encoding/binary"
	"sync"

	"github.com/roach88/replica/internal/ids"
)

// IDGen hands out deterministic identifiers for tests.
//
// Every kind draws from one shared sequence, so two generators created the
// same way produce the same IDs in the same order. This keeps golden
// snapshots byte-identical across runs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type IDGen struct {
	mu   sync.Mutex
	tag  byte
	next uint64
}

// NewIDGen creates a generator. tag is written into the first byte of every
// ID so that generators for different tests never collide.
func NewIDGen(tag byte) *IDGen {
	return &IDGen{tag: tag}
}

func (g *IDGen) raw() [ids.Len]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	var b [ids.Len]byte
	b[0] = g.tag
	binary.BigEndian.PutUint64(b[8:], g.next)
	return b
}

// DID returns the next device ID.
func (g *IDGen) DID() ids.DID { return ids.DID(g.raw()) }

// OID returns the next regular object ID.
func (g *IDGen) OID() ids.OID { return ids.OID(g.raw()).WithNibble(ids.NibbleRegular) }

// SID returns the next shared store ID.
func (g *IDGen) SID() ids.SID { return ids.SID(g.raw()).WithNibble(ids.NibbleRegular) }

// Current returns how many IDs have been handed out.
func (g *IDGen) Current() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next
}

// Reset restarts the sequence.
func (g *IDGen) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next = 0
}

// DID builds a device ID whose last byte is n.
func DID(n byte) ids.DID { return ids.DID{15: n} }

// OID builds a regular object ID whose last byte is n.
func OID(n byte) ids.OID { return ids.OID{15: n} }

// SID builds a shared store ID whose last byte is n.
func SID(n byte) ids.SID { return ids.SID{0: 0x5, 15: n} }
