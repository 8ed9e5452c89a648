// Package collector maintains the backlog of components whose KML says a
// newer version exists elsewhere. The queue is derived state: KML is the
// durable record of what is pending, so the queue can always be cleared
// and rebuilt from it.
package collector

import (
	"context"
	"log/slog"

	"github.com/roach88/replica/internal/filter"
	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/metrics"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/vv"
)

// Collector schedules fetches of pending components.
type Collector struct {
	filters *filter.Manager
	metrics *metrics.Metrics
}

// New creates a collector that consults filters for fetch candidates.
func New(filters *filter.Manager, m *metrics.Metrics) *Collector {
	if m == nil {
		m = metrics.Nop()
	}
	return &Collector{filters: filters, metrics: m}
}

// Enqueue adds a component when it has pending KML. Returns true when the
// component was newly queued.
func (c *Collector) Enqueue(ctx context.Context, tx *store.Tx, socid ids.SOCID) (bool, error) {
	kml, err := vv.GetKML(ctx, tx, socid)
	if err != nil || kml.IsZero() {
		return false, err
	}
	added, err := tx.Enqueue(ctx, socid)
	if added {
		c.metrics.CollectorQueued.Inc()
	}
	return added, err
}

// Next returns up to limit queued components of a store after seq.
func (c *Collector) Next(ctx context.Context, tx *store.Tx, sidx ids.SIndex, after int64, limit int) ([]store.QueueEntry, error) {
	return tx.QueueAfter(ctx, sidx, after, limit)
}

// Remove drops a component from the queue.
func (c *Collector) Remove(ctx context.Context, tx *store.Tx, socid ids.SOCID) error {
	removed, err := tx.Dequeue(ctx, socid)
	if removed {
		c.metrics.CollectorQueued.Dec()
	}
	return err
}

// Clear empties the queue of every store. Nothing is lost: Rebuild
// repopulates it from KML.
func (c *Collector) Clear(ctx context.Context, tx *store.Tx) (int64, error) {
	n, err := tx.ClearQueue(ctx)
	if err != nil {
		return 0, err
	}
	c.metrics.CollectorQueued.Set(0)
	return n, nil
}

// Rebuild clears the queue and enqueues every component with pending KML.
// Returns the number of queued components.
func (c *Collector) Rebuild(ctx context.Context, tx *store.Tx) (int, error) {
	if _, err := c.Clear(ctx, tx); err != nil {
		return 0, err
	}
	stores, err := tx.ListStores(ctx)
	if err != nil {
		return 0, err
	}
	var total int
	for _, s := range stores {
		components, err := tx.ComponentsWithKML(ctx, s.SIdx)
		if err != nil {
			return 0, err
		}
		for _, socid := range components {
			added, err := c.Enqueue(ctx, tx, socid)
			if err != nil {
				return 0, err
			}
			if added {
				total++
			}
		}
	}
	slog.Info("collector queue rebuilt", "queued", total)
	return total, nil
}

// Candidates returns the peers whose collector filter may cover the
// component's object, in device order.
func (c *Collector) Candidates(ctx context.Context, tx *store.Tx, socid ids.SOCID) ([]ids.DID, error) {
	rows, err := tx.CollectorFilters(ctx, socid.SIdx)
	if err != nil {
		return nil, err
	}
	out := []ids.DID{}
	for _, r := range rows {
		f, _, err := c.filters.CollectorFilter(ctx, tx, socid.SIdx, r.DID)
		if err != nil {
			return nil, err
		}
		if f.Contains(socid.OID) {
			out = append(out, r.DID)
		}
	}
	return out, nil
}

// Drained resets the collector filters of a store once its queue is empty,
// so the next filters received start from a clean slate. Reports whether
// the store was drained.
func (c *Collector) Drained(ctx context.Context, tx *store.Tx, sidx ids.SIndex) (bool, error) {
	n, err := tx.QueueLen(ctx, sidx)
	if err != nil || n > 0 {
		return false, err
	}
	return true, c.filters.ResetCollector(ctx, tx, sidx)
}
