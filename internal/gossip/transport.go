package gossip

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/wire"
)

// ErrUnreachable reports a peer the transport cannot reach. It is
// retryable.
var ErrUnreachable = errors.New("peer unreachable")

// Transport carries version requests to peers. Implementations own the
// encoding on the wire.
type Transport interface {
	RequestVersions(ctx context.Context, peer ids.DID, req wire.VersionRequest) (wire.VersionResponse, error)
}

// Responder answers version requests; *engine.Engine implements it.
type Responder interface {
	ServeVersions(ctx context.Context, req wire.VersionRequest) (wire.VersionResponse, error)
}

// MemTransport connects responders in one process. Every message goes
// through the wire encoding, so it exercises the same decoding and
// validation as a network transport would.
type MemTransport struct {
	mu     sync.Mutex
	peers  map[ids.DID]Responder
	down   map[ids.DID]bool
	faults map[ids.DID][]error
	bytes  int64
}

// NewMemTransport returns a transport with no peers.
func NewMemTransport() *MemTransport {
	return &MemTransport{
		peers:  map[ids.DID]Responder{},
		down:   map[ids.DID]bool{},
		faults: map[ids.DID][]error{},
	}
}

// Register makes r reachable as did.
func (t *MemTransport) Register(did ids.DID, r Responder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[did] = r
}

// SetDown makes did unreachable until it is set up again.
func (t *MemTransport) SetDown(did ids.DID, down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down[did] = down
}

// FailNext makes the next len(errs) requests to did fail with errs, in
// order.
func (t *MemTransport) FailNext(did ids.DID, errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults[did] = append(t.faults[did], errs...)
}

// BytesSent returns the encoded size of every request and response so far.
func (t *MemTransport) BytesSent() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytes
}

func (t *MemTransport) route(peer ids.DID) (Responder, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f := t.faults[peer]; len(f) > 0 {
		t.faults[peer] = f[1:]
		return nil, f[0]
	}
	r, ok := t.peers[peer]
	if !ok || t.down[peer] {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, peer)
	}
	return r, nil
}

func (t *MemTransport) count(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bytes += int64(n)
}

// RequestVersions implements Transport.
func (t *MemTransport) RequestVersions(ctx context.Context, peer ids.DID, req wire.VersionRequest) (wire.VersionResponse, error) {
	r, err := t.route(peer)
	if err != nil {
		return wire.VersionResponse{}, err
	}
	out, err := wire.Encode(req)
	if err != nil {
		return wire.VersionResponse{}, fmt.Errorf("encode request: %w", err)
	}
	t.count(len(out))
	decoded, err := wire.DecodeRequest(out)
	if err != nil {
		return wire.VersionResponse{}, err
	}

	resp, err := r.ServeVersions(ctx, decoded)
	if err != nil {
		return wire.VersionResponse{}, err
	}
	in, err := wire.Encode(resp)
	if err != nil {
		return wire.VersionResponse{}, fmt.Errorf("encode response: %w", err)
	}
	t.count(len(in))
	return wire.DecodeResponse(in)
}
