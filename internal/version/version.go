// Package version implements the version-vector algebra used for every
// component of every object.
//
// A Version maps device IDs to the highest tick observed from that device.
// Absent devices have tick 0, and a Version never stores a zero tick.
// All operations return new values; receivers are never modified.
package version

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/syncerr"
)

// Version is a DID -> Tick mapping. The zero value (nil) is the empty version.
type Version map[ids.DID]ids.Tick

// Entry is one (DID, Tick) pair.
type Entry struct {
	DID  ids.DID
	Tick ids.Tick
}

// Of builds a Version from entries. Zero ticks are dropped and duplicate
// DIDs keep their highest tick.
func Of(entries ...Entry) Version {
	v := make(Version, len(entries))
	for _, e := range entries {
		if e.Tick == 0 {
			continue
		}
		if e.Tick > v[e.DID] {
			v[e.DID] = e.Tick
		}
	}
	return v
}

// Get returns the tick for did, or 0.
func (v Version) Get(did ids.DID) ids.Tick { return v[did] }

// Len returns the number of devices with a non-zero tick.
func (v Version) Len() int { return len(v) }

// IsZero reports whether the version has no ticks.
func (v Version) IsZero() bool { return len(v) == 0 }

// Clone returns an independent copy.
func (v Version) Clone() Version {
	out := make(Version, len(v))
	for d, t := range v {
		out[d] = t
	}
	return out
}

// With returns a copy with did set to tick. A zero tick removes did.
func (v Version) With(did ids.DID, tick ids.Tick) Version {
	out := v.Clone()
	if tick == 0 {
		delete(out, did)
	} else {
		out[did] = tick
	}
	return out
}

// Without returns a copy with did removed.
func (v Version) Without(did ids.DID) Version { return v.With(did, 0) }

// Merge returns the elementwise maximum of v and other.
func (v Version) Merge(other Version) Version {
	out := v.Clone()
	for d, t := range other {
		if t > out[d] {
			out[d] = t
		}
	}
	return out
}

// Sub returns the entries of v whose tick exceeds other's tick for the same
// device. Known.Sub(Local) is the KML of a component.
func (v Version) Sub(other Version) Version {
	out := make(Version)
	for d, t := range v {
		if t > other[d] {
			out[d] = t
		}
	}
	return out
}

// Above returns the entries of v strictly newer than the knowledge bound.
func (v Version) Above(knowledge Version) Version { return v.Sub(knowledge) }

// Dominates reports whether every tick in other is covered by v.
func (v Version) Dominates(other Version) bool {
	for d, t := range other {
		if v[d] < t {
			return false
		}
	}
	return true
}

// Equal reports whether both versions hold the same ticks.
func (v Version) Equal(other Version) bool {
	if len(v) != len(other) {
		return false
	}
	for d, t := range v {
		if other[d] != t {
			return false
		}
	}
	return true
}

// Max returns the largest tick and its device. ok is false for an empty version.
func (v Version) Max() (did ids.DID, tick ids.Tick, ok bool) {
	for _, d := range v.DIDs() {
		if t := v[d]; t > tick {
			did, tick, ok = d, t, true
		}
	}
	return did, tick, ok
}

// DIDs returns the devices in ascending byte order.
func (v Version) DIDs() []ids.DID {
	out := make([]ids.DID, 0, len(v))
	for d := range v {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b ids.DID) int { return a.Compare(b) })
	return out
}

// Entries returns the pairs ordered by device.
func (v Version) Entries() []Entry {
	dids := v.DIDs()
	out := make([]Entry, len(dids))
	for i, d := range dids {
		out[i] = Entry{DID: d, Tick: v[d]}
	}
	return out
}

// Validate rejects zero ticks, which must never reach storage.
func (v Version) Validate() error {
	for d, t := range v {
		if t == 0 {
			return syncerr.Invariant("zero tick for device %s", d)
		}
	}
	return nil
}

func (v Version) String() string {
	if len(v) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(v))
	for _, e := range v.Entries() {
		parts = append(parts, fmt.Sprintf("%s:%d", e.DID.String()[:8], e.Tick))
	}
	return "{" + strings.Join(parts, " ") + "}"
}
