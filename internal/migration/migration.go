// Package migration keeps version history valid when identifiers change.
//
// Every operation runs inside the caller's transaction. An identifier
// rewrite touches every table that references the identifier and every
// Bloom filter that may contain it, or nothing at all.
package migration

import (
	"context"
	"log/slog"

	"github.com/roach88/replica/internal/collector"
	"github.com/roach88/replica/internal/filter"
	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/metrics"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/syncerr"
)

// Coordinator rewrites identifiers and the state that hangs off them.
type Coordinator struct {
	local     ids.DID
	filters   *filter.Manager
	collector *collector.Collector
	metrics   *metrics.Metrics
	newOID    func() ids.OID
	ghosts    []GhostSpec
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithOIDSource replaces the generator used when a rewrite target collides
// with an existing object.
func WithOIDSource(fn func() ids.OID) Option {
	return func(c *Coordinator) { c.newOID = fn }
}

// WithGhosts adds explicitly known ghost ticks to the ghost heuristic.
func WithGhosts(g ...GhostSpec) Option {
	return func(c *Coordinator) { c.ghosts = append(c.ghosts, g...) }
}

// New creates a coordinator for the device local.
func New(local ids.DID, filters *filter.Manager, coll *collector.Collector, opts ...Option) *Coordinator {
	c := &Coordinator{
		local:     local,
		filters:   filters,
		collector: coll,
		metrics:   metrics.Nop(),
		newOID:    ids.NewOID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RewriteOID renames from to to within one store. Every referencing column
// is rewritten and every filter that may contain from gains to. The target
// must not be in use. Returns the rows touched per column.
func (c *Coordinator) RewriteOID(ctx context.Context, tx *store.Tx, sidx ids.SIndex, from, to ids.OID) (map[string]int64, error) {
	if from == to {
		return nil, syncerr.Invariant("rewrite oid %s onto itself", from)
	}
	if !to.IsCanonical() {
		return nil, syncerr.Invariant("rewrite oid %s: target %s has nibble %#x", from, to, to.Nibble())
	}
	taken, err := tx.ObjectExists(ctx, sidx, to)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, syncerr.Invariant("rewrite oid %s: target %s already in use in store %d", from, to, sidx)
	}

	counts, err := tx.RewriteOID(ctx, sidx, from, to)
	if err != nil {
		return nil, err
	}
	if _, err := c.filters.PropagateIdentity(ctx, tx, sidx, from, to); err != nil {
		return nil, err
	}
	c.metrics.OIDsRewritten.Inc()
	slog.Info("object renamed", "sidx", sidx, "from", from, "to", to)
	return counts, nil
}

// RewriteSID points the store behind from at to. The local index is kept,
// so rows keyed by it stay valid. When both SIDs have anchors, the mount
// point of the store is renamed in every store that holds it.
func (c *Coordinator) RewriteSID(ctx context.Context, tx *store.Tx, from, to ids.SID) error {
	sidx, found, err := tx.SIndexOf(ctx, from)
	if err != nil {
		return err
	}
	if !found {
		return syncerr.New(syncerr.CodeNotFound, "rewrite sid: no store %s", from)
	}
	if _, taken, err := tx.SIndexOf(ctx, to); err != nil {
		return err
	} else if taken {
		return syncerr.Invariant("rewrite sid %s: target %s already registered", from, to)
	}
	if err := tx.SetSID(ctx, sidx, to); err != nil {
		return err
	}

	oldAnchor, oldErr := ids.StoreSID2AnchorOID(from)
	newAnchor, newErr := ids.StoreSID2AnchorOID(to)
	if oldErr != nil {
		return nil
	}
	stores, err := tx.ListStores(ctx)
	if err != nil {
		return err
	}
	for _, s := range stores {
		mounted, err := tx.ObjectExists(ctx, s.SIdx, oldAnchor)
		if err != nil {
			return err
		}
		if !mounted {
			continue
		}
		if newErr != nil {
			return syncerr.Invariant("rewrite sid %s: store mounted in %d but %s cannot be mounted", from, s.SIdx, to)
		}
		if _, err := c.RewriteOID(ctx, tx, s.SIdx, oldAnchor, newAnchor); err != nil {
			return err
		}
	}
	slog.Info("store renamed", "sidx", sidx, "from", from, "to", to)
	return nil
}
