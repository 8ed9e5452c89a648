// Package filter manages the Bloom filters that bound gossip volume.
//
// Sender filters summarize, per store, the objects updated on this device.
// They are partitioned into epochs: the newest epoch absorbs updates until
// its false positive estimate crosses the configured bound, then a fresh,
// empty epoch starts. Each peer's position is tracked so epochs every peer
// has merged can be retired.
//
// Collector filters live on the receiving side, one per (store, peer). They
// accumulate the sender filters received from that peer and answer "may this
// peer have something for this object". A positive answer is advisory: a
// false positive costs an extra fetch attempt, never a missed object.
package filter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/replica/internal/bloom"
	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/metrics"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/syncerr"
)

// BaseIndex is the first sender filter epoch of every store.
const BaseIndex uint64 = 1

// DefaultMaxFalsePositiveRate is the estimate above which an epoch rotates.
const DefaultMaxFalsePositiveRate = 0.01

// Manager owns sender and collector filters. It holds no filter state of
// its own; every filter is read from and written back to the store inside
// the caller's transaction.
type Manager struct {
	maxFPR  float64
	metrics *metrics.Metrics
}

// NewManager creates a manager that rotates epochs above maxFPR.
func NewManager(maxFPR float64, m *metrics.Metrics) *Manager {
	if maxFPR <= 0 || maxFPR >= 1 {
		maxFPR = DefaultMaxFalsePositiveRate
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Manager{maxFPR: maxFPR, metrics: m}
}

func decode(b []byte, what string) (*bloom.Filter, error) {
	f, err := bloom.FromBytes(b)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeCorruption, err, "decode %s", what)
	}
	return f, nil
}

// CurrentIndex returns the epoch that absorbs new updates.
func (m *Manager) CurrentIndex(ctx context.Context, tx *store.Tx, sidx ids.SIndex) (uint64, error) {
	_, newest, found, err := tx.SenderFilterBounds(ctx, sidx)
	if err != nil {
		return 0, err
	}
	if !found {
		return BaseIndex, nil
	}
	return newest, nil
}

func (m *Manager) current(ctx context.Context, tx *store.Tx, sidx ids.SIndex) (uint64, *bloom.Filter, error) {
	idx, err := m.CurrentIndex(ctx, tx, sidx)
	if err != nil {
		return 0, nil, err
	}
	b, found, err := tx.SenderFilter(ctx, sidx, idx)
	if err != nil {
		return 0, nil, err
	}
	if !found {
		return idx, bloom.New(), nil
	}
	f, err := decode(b, fmt.Sprintf("sender filter %d/%d", sidx, idx))
	return idx, f, err
}

// NoteUpdate adds oid to the current sender epoch of sidx. When the epoch
// is saturated afterwards a new empty epoch is started. It must run in the
// transaction that changed the object's version.
func (m *Manager) NoteUpdate(ctx context.Context, tx *store.Tx, sidx ids.SIndex, oid ids.OID) error {
	idx, f, err := m.current(ctx, tx, sidx)
	if err != nil {
		return err
	}
	f.Add(oid)
	if err := tx.PutSenderFilter(ctx, sidx, idx, f.Bytes()); err != nil {
		return err
	}
	if f.Saturated(m.maxFPR) {
		if err := tx.PutSenderFilter(ctx, sidx, idx+1, bloom.New().Bytes()); err != nil {
			return err
		}
		m.metrics.FilterRotations.Inc()
		slog.Info("sender filter rotated", "sidx", sidx, "retired", idx, "fpr", f.FalsePositiveRate())
	}
	return nil
}

// ForPeer returns the union of every epoch at or after from, and the index
// the peer should ask from next time. from == 0 means the peer has never
// pulled. When an epoch the peer still needs has been retired the result
// is a full filter.
func (m *Manager) ForPeer(ctx context.Context, tx *store.Tx, sidx ids.SIndex, from uint64) (*bloom.Filter, uint64, error) {
	oldest, newest, found, err := tx.SenderFilterBounds(ctx, sidx)
	if err != nil {
		return nil, 0, err
	}
	if !found {
		return bloom.New(), BaseIndex, nil
	}
	if from == 0 {
		from = BaseIndex
	}
	if from < oldest {
		return bloom.Full(), newest, nil
	}
	rows, err := tx.SenderFiltersFrom(ctx, sidx, from)
	if err != nil {
		return nil, 0, err
	}
	out := bloom.New()
	for _, r := range rows {
		f, err := decode(r.Bytes, fmt.Sprintf("sender filter %d/%d", sidx, r.Index))
		if err != nil {
			return nil, 0, err
		}
		out.UnionWith(f)
	}
	return out, newest, nil
}

// Acknowledge records that peer did has merged every epoch below index.
// The position never moves backward.
func (m *Manager) Acknowledge(ctx context.Context, tx *store.Tx, sidx ids.SIndex, did ids.DID, index uint64) error {
	cur, found, err := tx.SenderDeviceIndex(ctx, sidx, did)
	if err != nil {
		return err
	}
	if found && cur >= index {
		return nil
	}
	return tx.SetSenderDeviceIndex(ctx, sidx, did, index)
}

// Cleanup retires every epoch that all known peers have moved past. The
// current epoch is never retired. Returns the number of epochs removed.
func (m *Manager) Cleanup(ctx context.Context, tx *store.Tx, sidx ids.SIndex) (int64, error) {
	lowest, ok, err := tx.MinSenderDeviceIndex(ctx, sidx)
	if err != nil || !ok {
		return 0, err
	}
	cur, err := m.CurrentIndex(ctx, tx, sidx)
	if err != nil {
		return 0, err
	}
	if lowest > cur {
		lowest = cur
	}
	n, err := tx.DeleteSenderFiltersBelow(ctx, sidx, lowest)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Debug("sender filters retired", "sidx", sidx, "below", lowest, "count", n)
	}
	return n, nil
}

// ReceivedIndex returns the epoch to ask peer did for next, 0 when the
// peer has never been pulled.
func (m *Manager) ReceivedIndex(ctx context.Context, tx *store.Tx, sidx ids.SIndex, did ids.DID) (uint64, error) {
	idx, _, err := tx.ReceivedFilterIndex(ctx, sidx, did)
	return idx, err
}

// MergeCollector folds a sender filter received from did into the
// collector filter of (sidx, did) and records the peer's next index.
func (m *Manager) MergeCollector(ctx context.Context, tx *store.Tx, sidx ids.SIndex, did ids.DID, f *bloom.Filter, next uint64) error {
	cur, _, err := m.CollectorFilter(ctx, tx, sidx, did)
	if err != nil {
		return err
	}
	cur.UnionWith(f)
	if err := tx.PutCollectorFilter(ctx, sidx, did, cur.Bytes()); err != nil {
		return err
	}
	return tx.SetReceivedFilterIndex(ctx, sidx, did, next)
}

// CollectorFilter returns the collector filter of (sidx, did). A missing
// filter is returned empty with found false.
func (m *Manager) CollectorFilter(ctx context.Context, tx *store.Tx, sidx ids.SIndex, did ids.DID) (*bloom.Filter, bool, error) {
	b, found, err := tx.CollectorFilter(ctx, sidx, did)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return bloom.New(), false, nil
	}
	f, err := decode(b, fmt.Sprintf("collector filter %d/%s", sidx, did))
	return f, true, err
}

// ResetCollector drops every collector filter of a store once its
// collector queue has drained.
func (m *Manager) ResetCollector(ctx context.Context, tx *store.Tx, sidx ids.SIndex) error {
	rows, err := tx.CollectorFilters(ctx, sidx)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := tx.DeleteCollectorFilter(ctx, sidx, r.DID); err != nil {
			return err
		}
	}
	return nil
}

// SetAllFull forces every filter to all ones. The current sender epoch of
// every store, including stores that never had one, becomes full, so every
// peer's next pull sees every object, and every collector filter becomes
// full, so every peer is a fetch candidate for every object.
func (m *Manager) SetAllFull(ctx context.Context, tx *store.Tx) error {
	full := bloom.Full().Bytes()
	stores, err := tx.ListStores(ctx)
	if err != nil {
		return err
	}
	var n int
	for _, s := range stores {
		idx, err := m.CurrentIndex(ctx, tx, s.SIdx)
		if err != nil {
			return err
		}
		if err := tx.PutSenderFilter(ctx, s.SIdx, idx, full); err != nil {
			return err
		}
		n++
	}
	collectors, err := tx.AllCollectorFilters(ctx)
	if err != nil {
		return err
	}
	for _, c := range collectors {
		if err := tx.PutCollectorFilter(ctx, c.SIdx, c.DID, full); err != nil {
			return err
		}
		n++
	}
	m.metrics.FiltersForcedFull.Add(float64(n))
	slog.Info("filters forced full", "count", n)
	return nil
}

// PropagateIdentity makes every filter of sidx that may contain from also
// contain to. Filters only gain bits, so this is safe to repeat.
func (m *Manager) PropagateIdentity(ctx context.Context, tx *store.Tx, sidx ids.SIndex, from, to ids.OID) (int, error) {
	var touched int
	senders, err := tx.SenderFiltersFrom(ctx, sidx, 0)
	if err != nil {
		return 0, err
	}
	for _, r := range senders {
		f, err := decode(r.Bytes, fmt.Sprintf("sender filter %d/%d", sidx, r.Index))
		if err != nil {
			return 0, err
		}
		if !f.Contains(from) || f.Contains(to) {
			continue
		}
		f.Add(to)
		if err := tx.PutSenderFilter(ctx, sidx, r.Index, f.Bytes()); err != nil {
			return 0, err
		}
		touched++
	}

	collectors, err := tx.CollectorFilters(ctx, sidx)
	if err != nil {
		return 0, err
	}
	for _, r := range collectors {
		f, err := decode(r.Bytes, fmt.Sprintf("collector filter %d/%s", sidx, r.DID))
		if err != nil {
			return 0, err
		}
		if !f.Contains(from) || f.Contains(to) {
			continue
		}
		f.Add(to)
		if err := tx.PutCollectorFilter(ctx, sidx, r.DID, f.Bytes()); err != nil {
			return 0, err
		}
		touched++
	}
	return touched, nil
}
