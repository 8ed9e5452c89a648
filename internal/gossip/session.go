package gossip

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/replica/internal/engine"
	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/metrics"
	"github.com/roach88/replica/internal/retry"
	"github.com/roach88/replica/internal/syncerr"
	"github.com/roach88/replica/internal/version"
	"github.com/roach88/replica/internal/wire"
)

// maxBatches bounds one pull. A responder that keeps answering with
// incomplete batches past this is misbehaving.
const maxBatches = 1 << 16

// PullResult summarizes one Session.Pull.
type PullResult struct {
	Peer     ids.DID
	Store    ids.SID
	Batches  int
	Deltas   int
	KMLAdded int
	Queued   int
	Settled  version.Version
}

// Session pulls stores from peers on behalf of one engine.
type Session struct {
	engine     *engine.Engine
	transport  Transport
	backoff    retry.Backoff
	serialized bool
	metrics    *metrics.Metrics
}

// Option configures a Session.
type Option func(*Session)

// WithBackoff replaces the retry policy of requests.
func WithBackoff(b retry.Backoff) Option {
	return func(s *Session) { s.backoff = b }
}

// WithSerializedApply hands responses to the engine's Run loop instead of
// applying them directly. The engine must be running.
func WithSerializedApply() Option {
	return func(s *Session) { s.serialized = true }
}

// NewSession creates a session for e over t.
func NewSession(e *engine.Engine, t Transport, opts ...Option) *Session {
	s := &Session{
		engine:    e,
		transport: t,
		backoff:   retry.DefaultBackoff("gossip.request"),
		metrics:   e.Metrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.backoff.Metrics == nil {
		s.backoff.Metrics = s.metrics
	}
	return s
}

// Pull brings store sid up to date with peer. It requests batches until
// the peer reports completion, applying each one as it arrives.
func (s *Session) Pull(ctx context.Context, peer ids.DID, sid ids.SID) (PullResult, error) {
	res, err := s.pull(ctx, peer, sid)
	s.metrics.GossipRounds.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		return res, fmt.Errorf("pull %s from %s: %w", sid, peer, err)
	}
	slog.Info("pull complete",
		"peer", peer,
		"store", sid,
		"batches", res.Batches,
		"deltas", res.Deltas,
		"kml", res.KMLAdded,
	)
	return res, nil
}

func (s *Session) pull(ctx context.Context, peer ids.DID, sid ids.SID) (PullResult, error) {
	res := PullResult{Peer: peer, Store: sid}
	var after *wire.Cursor
	for res.Batches < maxBatches {
		req, err := s.engine.NewRequest(ctx, peer, sid, after)
		if err != nil {
			return res, err
		}
		resp, err := retry.Do(ctx, s.backoff, func(ctx context.Context, attempt int) retry.Result[wire.VersionResponse] {
			resp, err := s.transport.RequestVersions(ctx, peer, req)
			if err == nil {
				err = resp.Validate(req)
			}
			return retry.Classify(resp, err)
		})
		if err != nil {
			return res, err
		}

		applied, err := s.apply(ctx, req, resp)
		if err != nil {
			return res, err
		}
		res.Batches++
		res.Deltas += applied.Deltas
		res.KMLAdded += applied.KMLAdded
		res.Queued += applied.Queued
		if applied.Complete {
			res.Settled = applied.Settled
			return res, nil
		}
		after = applied.Next
	}
	return res, syncerr.New(syncerr.CodeProtocol, "peer %s sent %d batches without completing", peer, res.Batches)
}

func (s *Session) apply(ctx context.Context, req wire.VersionRequest, resp wire.VersionResponse) (engine.ApplyResult, error) {
	if !s.serialized {
		return s.engine.ApplyVersions(ctx, req, resp)
	}
	out, err := s.engine.Submit(ctx, engine.ApplyEvent(req, resp))
	return out.Apply, err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case syncerr.IsEpochMismatch(err):
		return "epoch_mismatch"
	case syncerr.IsPermission(err):
		return "permission"
	default:
		return "error"
	}
}
