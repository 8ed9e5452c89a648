package engine

import (
	"fmt"
	"sync"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/version"
	"github.com/roach88/replica/internal/wire"
)

// EventType distinguishes the mutations the Run loop applies.
type EventType int

const (
	// EventLocalUpdate allocates a tick for a local change of SOCID.
	EventLocalUpdate EventType = iota + 1
	// EventApply folds a peer's version response into local state.
	EventApply
	// EventMaterialize records that the content of SOCID was fetched.
	EventMaterialize
)

func (t EventType) String() string {
	switch t {
	case EventLocalUpdate:
		return "local_update"
	case EventApply:
		return "apply"
	case EventMaterialize:
		return "materialize"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is one unit of work for the single writer. Seq is stamped on
// Enqueue.
type Event struct {
	Type     EventType
	Seq      int64
	SOCID    ids.SOCID
	Version  version.Version
	Request  wire.VersionRequest
	Response *wire.VersionResponse

	reply chan Outcome
}

// Outcome is the result of one processed event. Only the field matching the
// event type is set.
type Outcome struct {
	Tick        ids.Tick
	Apply       ApplyResult
	Materialize MaterializeResult
	Err         error
}

// LocalUpdateEvent returns the event form of Engine.LocalUpdate.
func LocalUpdateEvent(socid ids.SOCID) Event {
	return Event{Type: EventLocalUpdate, SOCID: socid}
}

// ApplyEvent returns the event form of Engine.ApplyVersions.
func ApplyEvent(req wire.VersionRequest, resp wire.VersionResponse) Event {
	return Event{Type: EventApply, Request: req, Response: &resp}
}

// MaterializeEvent returns the event form of Engine.Materialize.
func MaterializeEvent(socid ids.SOCID, v version.Version) Event {
	return Event{Type: EventMaterialize, SOCID: socid, Version: v}
}

// eventQueue is an unbounded, thread-safe FIFO. Gossip sessions enqueue
// from their own goroutines while the Run loop dequeues.
//
// A buffered signal channel of size 1 lets the Run loop wait on the queue
// and on context cancellation in one select.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends e. Returns false once the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, e)

	// Coalesce: one pending signal is enough to wake the loop.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the front event without blocking.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}
	e := q.events[0]
	// Release the response and reply channel held by the slot.
	q.events[0] = Event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Drain removes and returns every queued event.
func (q *eventQueue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.events
	q.events = nil
	return out
}

// Wait returns a channel that fires when events may be available. It is
// closed by Close.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued events.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close rejects further events and wakes the Run loop.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Closed reports whether Close was called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
