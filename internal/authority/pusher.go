package authority

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/version"
	"github.com/roach88/replica/internal/vv"
)

// Report summarizes one Drain.
type Report struct {
	Submitted int    `json:"submitted"`
	Accepted  int    `json:"accepted"`
	Rejected  int    `json:"rejected"`
	// Skipped counts queued components with no master version left.
	Skipped   int    `json:"skipped"`
	HighWater uint64 `json:"high_water"`
}

// Pusher drains the push queue into the authority.
//
// Submission happens outside any transaction. Once the authority accepts
// an operation, the submitted version rows, the queue entry and the new
// high-water mark are written in one transaction, so a crash never records
// a high-water mark ahead of the rows it covers.
type Pusher struct {
	store  *store.Store
	client *Client
	batch  int
}

// NewPusher creates a pusher submitting batch operations per request.
// batch is clamped to [1, MaxBatch].
func NewPusher(s *store.Store, c *Client, batch int) *Pusher {
	if batch <= 0 || batch > MaxBatch {
		batch = MaxBatch
	}
	return &Pusher{store: s, client: c, batch: batch}
}

type pending struct {
	entry   store.PushEntry
	version version.Version
	op      Operation
}

// Drain submits queued components until the queue is empty or a whole
// batch is rejected. Rejected components stay queued.
func (p *Pusher) Drain(ctx context.Context) (Report, error) {
	var rep Report
	for {
		batch, skipped, err := p.load(ctx)
		if err != nil {
			return rep, err
		}
		rep.Skipped += skipped
		if len(batch) == 0 {
			if skipped > 0 {
				continue
			}
			return rep, nil
		}

		ops := make([]Operation, len(batch))
		for i, b := range batch {
			ops[i] = b.op
		}
		results, hwm, err := p.client.Submit(ctx, ops)
		if err != nil {
			return rep, fmt.Errorf("drain push queue: %w", err)
		}
		rep.Submitted += len(ops)

		accepted, err := p.commit(ctx, batch, results, hwm)
		if err != nil {
			return rep, err
		}
		rep.Accepted += accepted
		rep.Rejected += len(ops) - accepted
		if hwm > rep.HighWater {
			rep.HighWater = hwm
		}
		slog.Info("authority batch submitted", "operations", len(ops), "accepted", accepted, "high_water", hwm)
		if accepted == 0 {
			return rep, nil
		}
	}
}

// load reads the next batch of queued components. Entries whose master
// branch is already empty are dropped from the queue and counted.
func (p *Pusher) load(ctx context.Context) ([]pending, int, error) {
	var (
		out     []pending
		skipped int
	)
	err := p.store.Update(ctx, func(tx *store.Tx) error {
		entries, err := tx.PushBatch(ctx, p.batch)
		if err != nil {
			return err
		}
		for _, e := range entries {
			v, err := vv.GetVersion(ctx, tx, e.SOCID, ids.KIndexMaster)
			if err != nil {
				return err
			}
			if v.IsZero() {
				if err := tx.DeletePush(ctx, e.Idx); err != nil {
					return err
				}
				skipped++
				continue
			}
			sid, err := tx.SIDOf(ctx, e.SOCID.SIdx)
			if err != nil {
				return err
			}
			aliases, err := tx.AliasSources(ctx, e.SOCID.SIdx, e.SOCID.OID)
			if err != nil {
				return err
			}
			out = append(out, pending{
				entry:   e,
				version: v,
				op: Operation{
					Store:     sid,
					OID:       e.SOCID.OID,
					Component: e.SOCID.CID,
					Version:   encodeVersion(v),
					Aliases:   aliases,
				},
			})
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("load push batch: %w", err)
	}
	return out, skipped, nil
}

// commit removes what the authority accepted. A component updated locally
// since it was loaded keeps the rows the authority has not seen and stays
// queued.
func (p *Pusher) commit(ctx context.Context, batch []pending, results []Result, hwm uint64) (int, error) {
	accepted := 0
	err := p.store.Update(ctx, func(tx *store.Tx) error {
		accepted = 0
		for i, b := range batch {
			r := results[i]
			if !r.Success {
				slog.Warn("authority rejected operation", "socid", b.entry.SOCID, "error", r.Error)
				continue
			}
			accepted++

			cur, err := vv.GetVersion(ctx, tx, b.entry.SOCID, ids.KIndexMaster)
			if err != nil {
				return err
			}
			submitted := version.Version{}
			for _, e := range b.version.Entries() {
				if cur.Get(e.DID) == e.Tick {
					submitted[e.DID] = e.Tick
				}
			}
			if !submitted.IsZero() {
				if err := vv.DeleteVersion(ctx, tx, b.entry.SOCID, ids.KIndexMaster, submitted); err != nil {
					return err
				}
			}
			if submitted.Len() == cur.Len() {
				if err := tx.DeletePush(ctx, b.entry.Idx); err != nil {
					return err
				}
			}
		}
		if accepted == 0 {
			return nil
		}
		prev, err := tx.GetMetaUint(ctx, store.MetaAuthorityHWM)
		if err != nil {
			return err
		}
		if hwm > prev {
			return tx.SetMetaUint(ctx, store.MetaAuthorityHWM, hwm)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("commit authority batch: %w", err)
	}
	return accepted, nil
}

// HighWater returns the persisted authority high-water mark.
func (p *Pusher) HighWater(ctx context.Context) (uint64, error) {
	var hwm uint64
	err := p.store.View(ctx, func(tx *store.Tx) error {
		var err error
		hwm, err = tx.GetMetaUint(ctx, store.MetaAuthorityHWM)
		return err
	})
	return hwm, err
}

func encodeVersion(v version.Version) map[string]string {
	out := make(map[string]string, v.Len())
	for _, e := range v.Entries() {
		out[e.DID.String()] = strconv.FormatUint(uint64(e.Tick), 10)
	}
	return out
}
