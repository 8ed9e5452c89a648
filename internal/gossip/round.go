package gossip

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/roach88/replica/internal/ids"
)

// Target is one (peer, store) pair to pull.
type Target struct {
	Peer  ids.DID
	Store ids.SID
}

// Targets pairs every peer with every store.
func Targets(peers []ids.DID, stores []ids.SID) []Target {
	out := make([]Target, 0, len(peers)*len(stores))
	for _, p := range peers {
		for _, s := range stores {
			out = append(out, Target{Peer: p, Store: s})
		}
	}
	return out
}

// Round runs pulls concurrently. The limiter paces how fast pulls start;
// concurrency bounds how many are in flight.
type Round struct {
	session     *Session
	limiter     *rate.Limiter
	concurrency int
}

// NewRound creates a round driver. A non-positive perSecond disables
// pacing.
func NewRound(s *Session, perSecond float64, burst, concurrency int) *Round {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Round{
		session:     s,
		limiter:     rate.NewLimiter(limit, burst),
		concurrency: concurrency,
	}
}

// Run pulls every target once. A failed pull does not stop the others;
// results are returned in target order and the failures joined. Only
// cancellation of ctx aborts the round.
func (r *Round) Run(ctx context.Context, targets []Target) ([]PullResult, error) {
	results := make([]PullResult, len(targets))
	errs := make([]error, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, t := range targets {
		g.Go(func() error {
			if err := r.limiter.Wait(gctx); err != nil {
				return err
			}
			results[i], errs[i] = r.session.Pull(gctx, t.Peer, t.Store)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	err := errors.Join(errs...)
	if err != nil {
		slog.Warn("gossip round had failures", "targets", len(targets), "error", err)
	}
	return results, err
}

// Loop runs a round every interval until ctx is done. targets is consulted
// before each round so peers and stores may come and go.
func (r *Round) Loop(ctx context.Context, interval time.Duration, targets func() []Target) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Run(ctx, targets()); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
