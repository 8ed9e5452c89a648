package wire

import (
	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/syncerr"
	"github.com/roach88/replica/internal/version"
)

// ProtocolVersion is bumped on incompatible message changes.
const ProtocolVersion = 1

// DefaultMaxDeltas bounds the deltas of one response when the request does
// not ask for less.
const DefaultMaxDeltas = 256

// Handshake opens every message. Devices on different epochs are on
// opposite sides of a remediation barrier and must not gossip.
type Handshake struct {
	Protocol int     `json:"protocol"`
	Epoch    uint64  `json:"epoch"`
	DID      ids.DID `json:"did"`
}

// CheckPeer rejects a peer that speaks another protocol or lives in
// another epoch.
func (h Handshake) CheckPeer(peer Handshake) error {
	if peer.Protocol != h.Protocol {
		return syncerr.New(syncerr.CodeProtocol, "peer %s speaks protocol %d, want %d", peer.DID, peer.Protocol, h.Protocol)
	}
	if peer.Epoch != h.Epoch {
		return syncerr.New(syncerr.CodeEpochMismatch, "peer %s is at epoch %d, local epoch is %d", peer.DID, peer.Epoch, h.Epoch)
	}
	return nil
}

// Cursor is the position after the last delta of a batch. It also carries
// the responder's knowledge as of the first batch: only ticks that existed
// then are certain to be paged over, so that snapshot is what the last
// batch reports.
type Cursor struct {
	OID                ids.OID         `json:"oid"`
	CID                ids.CID         `json:"cid"`
	Knowledge          version.Version `json:"knowledge,omitempty"`
	ImmigrantKnowledge version.Version `json:"immigrant_knowledge,omitempty"`
}

// VersionRequest asks a peer for the deltas of one store above what the
// requester already knows.
type VersionRequest struct {
	Handshake          Handshake       `json:"handshake"`
	Store              ids.SID         `json:"store"`
	Knowledge          version.Version `json:"knowledge"`
	ImmigrantKnowledge version.Version `json:"immigrant_knowledge"`
	// FilterFrom is the first sender filter epoch the requester has not
	// merged yet, 0 on first contact.
	FilterFrom uint64  `json:"filter_from"`
	After      *Cursor `json:"after,omitempty"`
	MaxDeltas  int     `json:"max_deltas"`
}

// ImmigrantRef links a tick to the migration event that introduced it.
type ImmigrantRef struct {
	DID  ids.DID  `json:"did"`
	Tick ids.Tick `json:"tick"`
}

// TickEntry is one (device, tick) pair of a delta.
type TickEntry struct {
	DID       ids.DID       `json:"did"`
	Tick      ids.Tick      `json:"tick"`
	Immigrant *ImmigrantRef `json:"immigrant,omitempty"`
}

// Delta carries the ticks of one component the requester lacks.
type Delta struct {
	OID   ids.OID     `json:"oid"`
	CID   ids.CID     `json:"cid"`
	Ticks []TickEntry `json:"ticks"`
}

// SOCID places the delta in a local store.
func (d Delta) SOCID(sidx ids.SIndex) ids.SOCID {
	return ids.SOCID{SIdx: sidx, OID: d.OID, CID: d.CID}
}

// Version returns the ticks of the delta as a version vector.
func (d Delta) Version() version.Version {
	v := make(version.Version, len(d.Ticks))
	for _, t := range d.Ticks {
		v[t.DID] = t.Tick
	}
	return v
}

// VersionResponse answers a VersionRequest.
type VersionResponse struct {
	Handshake  Handshake `json:"handshake"`
	Store      ids.SID   `json:"store"`
	Filter     Filter    `json:"filter"`
	FilterNext uint64    `json:"filter_next"`
	Deltas     []Delta   `json:"deltas"`
	Next       *Cursor   `json:"next,omitempty"`
	Complete   bool      `json:"complete"`
	// Knowledge vectors are only sent with the last batch: the requester
	// may only adopt them once it holds every delta below them. They are
	// the vectors of the first batch of the pull.
	Knowledge          version.Version `json:"knowledge,omitempty"`
	ImmigrantKnowledge version.Version `json:"immigrant_knowledge,omitempty"`
}

// Validate rejects responses that would break local invariants if applied.
func (r *VersionResponse) Validate(req VersionRequest) error {
	protocol := func(format string, args ...any) error {
		return syncerr.New(syncerr.CodeProtocol, "response from %s: "+format, append([]any{r.Handshake.DID}, args...)...)
	}
	if r.Store != req.Store {
		return protocol("store %s, asked for %s", r.Store, req.Store)
	}
	if r.Filter.Filter == nil {
		return protocol("missing filter")
	}
	if limit := req.MaxDeltas; limit > 0 && len(r.Deltas) > limit {
		return protocol("%d deltas, asked for at most %d", len(r.Deltas), limit)
	}
	if r.Complete == (r.Next != nil) {
		return protocol("complete=%t with next=%v", r.Complete, r.Next)
	}
	if r.Next != nil {
		if err := r.Next.Knowledge.Validate(); err != nil {
			return protocol("cursor knowledge: %v", err)
		}
		if err := r.Next.ImmigrantKnowledge.Validate(); err != nil {
			return protocol("cursor immigrant knowledge: %v", err)
		}
	}
	if !r.Complete && (r.Knowledge != nil || r.ImmigrantKnowledge != nil) {
		return protocol("knowledge sent before the last batch")
	}
	for _, d := range r.Deltas {
		if !d.CID.Valid() {
			return protocol("delta %s has cid %d", d.OID, d.CID)
		}
		if len(d.Ticks) == 0 {
			return protocol("delta %s/%d has no ticks", d.OID, d.CID)
		}
		for _, t := range d.Ticks {
			if t.Tick == 0 || (t.Immigrant != nil && t.Immigrant.Tick == 0) {
				return protocol("delta %s/%d carries a zero tick for %s", d.OID, d.CID, t.DID)
			}
		}
	}
	if err := r.Knowledge.Validate(); err != nil {
		return protocol("knowledge: %v", err)
	}
	if err := r.ImmigrantKnowledge.Validate(); err != nil {
		return protocol("immigrant knowledge: %v", err)
	}
	return nil
}
