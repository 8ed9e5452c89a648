package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/replica/internal/collector"
	"github.com/roach88/replica/internal/filter"
	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/metrics"
	"github.com/roach88/replica/internal/migration"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/wire"
)

// ErrStopped is returned by Submit once the engine no longer accepts events.
var ErrStopped = errors.New("engine stopped")

// Engine applies version, knowledge and filter mutations for one device.
//
// Every mutation runs in one store transaction. The store serializes
// transactions, so the direct methods are safe from any goroutine; the Run
// loop additionally orders concurrent callers FIFO through Submit.
//
// Thread-safety model:
//   - Enqueue(), Submit(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
type Engine struct {
	store     *store.Store
	local     ids.DID
	clock     *Clock
	queue     *eventQueue
	filters   *filter.Manager
	collector *collector.Collector
	metrics   *metrics.Metrics

	maxDeltas int
	push      bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics sets the metrics sink shared with the default filter manager
// and collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithFilters replaces the filter manager.
func WithFilters(f *filter.Manager) Option {
	return func(e *Engine) { e.filters = f }
}

// WithCollector replaces the collector.
func WithCollector(c *collector.Collector) Option {
	return func(e *Engine) { e.collector = c }
}

// WithMaxDeltas caps the deltas served per response.
//
// Default: wire.DefaultMaxDeltas
func WithMaxDeltas(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxDeltas = n
		}
	}
}

// WithPushQueue makes local updates enqueue their component for submission
// to the authority.
func WithPushQueue(enabled bool) Option {
	return func(e *Engine) { e.push = enabled }
}

// WithClock sets the clock stamping events.
func WithClock(c *Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New creates an engine for device local over s.
func New(s *store.Store, local ids.DID, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		local:     local,
		clock:     NewClock(),
		queue:     newEventQueue(),
		maxDeltas: wire.DefaultMaxDeltas,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.Nop()
	}
	if e.filters == nil {
		e.filters = filter.NewManager(filter.DefaultMaxFalsePositiveRate, e.metrics)
	}
	if e.collector == nil {
		e.collector = collector.New(e.filters, e.metrics)
	}
	return e
}

// Open creates an engine for the device persisted in s, assigning want (or a
// fresh identity when want is zero) on first use.
func Open(ctx context.Context, s *store.Store, want ids.DID, opts ...Option) (*Engine, error) {
	var did ids.DID
	err := s.Update(ctx, func(tx *store.Tx) error {
		var err error
		did, err = tx.EnsureDeviceID(ctx, want)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}
	return New(s, did, opts...), nil
}

// DID returns the local device.
func (e *Engine) DID() ids.DID { return e.local }

// Store returns the durable store.
func (e *Engine) Store() *store.Store { return e.store }

// Filters returns the filter manager.
func (e *Engine) Filters() *filter.Manager { return e.filters }

// Collector returns the collector.
func (e *Engine) Collector() *collector.Collector { return e.collector }

// Metrics returns the metrics sink.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Handshake returns the greeting that opens every message of this device.
func (e *Engine) Handshake(ctx context.Context) (wire.Handshake, error) {
	var hs wire.Handshake
	err := e.store.View(ctx, func(tx *store.Tx) error {
		var err error
		hs, err = e.handshake(ctx, tx)
		return err
	})
	return hs, err
}

func (e *Engine) handshake(ctx context.Context, tx *store.Tx) (wire.Handshake, error) {
	epoch, err := migration.CurrentEpoch(ctx, tx)
	if err != nil {
		return wire.Handshake{}, err
	}
	return wire.Handshake{Protocol: wire.ProtocolVersion, Epoch: epoch, DID: e.local}, nil
}

// Enqueue submits an event without waiting for it. Returns false once the
// engine has stopped.
func (e *Engine) Enqueue(ev Event) bool {
	ev.Seq = e.clock.Next()
	return e.queue.Enqueue(ev)
}

// QueueLen returns the number of events waiting for the Run loop.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// Submit enqueues ev and waits until the Run loop has processed it.
func (e *Engine) Submit(ctx context.Context, ev Event) (Outcome, error) {
	ev.reply = make(chan Outcome, 1)
	if !e.Enqueue(ev) {
		return Outcome{}, ErrStopped
	}
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case out := <-ev.reply:
		return out, out.Err
	}
}

// Run is the single-writer event loop. It blocks until ctx is cancelled or
// Stop is called.
//
// A failed event is logged and answered with its error; the loop continues.
// Events still queued when the loop exits are answered with ErrStopped.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting", "did", e.local)
	defer e.rejectPending()

	for {
		if ev, ok := e.queue.TryDequeue(); ok {
			out := e.processEvent(ctx, ev)
			if out.Err != nil {
				logEventError(ev, out.Err)
			}
			if ev.reply != nil {
				ev.reply <- out
			}
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()
		case <-e.queue.Wait():
			if e.queue.Len() == 0 && e.queue.Closed() {
				slog.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue; Run returns once the queued events are processed.
func (e *Engine) Stop() {
	e.queue.Close()
}

func (e *Engine) rejectPending() {
	e.queue.Close()
	for _, ev := range e.queue.Drain() {
		if ev.reply != nil {
			ev.reply <- Outcome{Err: ErrStopped}
		}
	}
}

// processEvent routes an event to its handler. Called only from Run.
func (e *Engine) processEvent(ctx context.Context, ev Event) Outcome {
	var out Outcome
	switch ev.Type {
	case EventLocalUpdate:
		out.Tick, out.Err = e.LocalUpdate(ctx, ev.SOCID)
	case EventApply:
		if ev.Response == nil {
			out.Err = fmt.Errorf("apply event missing response")
			break
		}
		out.Apply, out.Err = e.ApplyVersions(ctx, ev.Request, *ev.Response)
	case EventMaterialize:
		out.Materialize, out.Err = e.Materialize(ctx, ev.SOCID, ev.Version)
	default:
		out.Err = fmt.Errorf("unknown event type: %s", ev.Type)
	}
	return out
}

func logEventError(ev Event, err error) {
	switch ev.Type {
	case EventApply:
		peer := ids.DID{}
		if ev.Response != nil {
			peer = ev.Response.Handshake.DID
		}
		slog.Error("apply versions failed",
			"error", err,
			"seq", ev.Seq,
			"peer", peer,
			"store", ev.Request.Store,
		)
	default:
		slog.Error("event processing failed",
			"error", err,
			"seq", ev.Seq,
			"event", ev.Type,
			"socid", ev.SOCID,
		)
	}
}
