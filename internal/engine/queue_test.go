package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/ids"
	tu "github.com/roach88/replica/internal/testutil"
)

func updateOf(n byte) Event {
	return LocalUpdateEvent(ids.SOCID{SIdx: 1, OID: tu.OID(n), CID: ids.CIDMeta})
}

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()
	for n := byte(1); n <= 3; n++ {
		require.True(t, q.Enqueue(updateOf(n)))
	}

	for n := byte(1); n <= 3; n++ {
		e, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, EventLocalUpdate, e.Type)
		assert.Equal(t, tu.OID(n), e.SOCID.OID)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestEventQueue_WaitSignals(t *testing.T) {
	q := newEventQueue()

	got := make(chan Event, 1)
	go func() {
		<-q.Wait()
		if e, ok := q.TryDequeue(); ok {
			got <- e
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Enqueue(updateOf(7))

	select {
	case e := <-got:
		assert.Equal(t, tu.OID(7), e.SOCID.OID)
	case <-time.After(time.Second):
		t.Fatal("waiter was not signalled")
	}
}

func TestEventQueue_CloseWakesWaiters(t *testing.T) {
	q := newEventQueue()

	woke := make(chan struct{})
	go func() {
		<-q.Wait()
		close(woke)
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()
	q.Close()

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("close did not wake the waiter")
	}
	assert.True(t, q.Closed())
	assert.False(t, q.Enqueue(updateOf(1)), "enqueue after close should return false")
}

func TestEventQueue_Drain(t *testing.T) {
	q := newEventQueue()
	q.Enqueue(updateOf(1))
	q.Enqueue(updateOf(2))

	assert.Len(t, q.Drain(), 2)
	assert.Equal(t, 0, q.Len())
}

func TestEventQueue_ThreadSafe(t *testing.T) {
	q := newEventQueue()
	const producers = 10
	const perProducer = 100

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := range perProducer {
				q.Enqueue(updateOf(byte(p*perProducer + i)))
			}
		}(p)
	}
	wg.Wait()

	received := 0
	for {
		if _, ok := q.TryDequeue(); !ok {
			break
		}
		received++
	}
	assert.Equal(t, producers*perProducer, received)
}

func TestEventType_String(t *testing.T) {
	assert.Equal(t, "local_update", EventLocalUpdate.String())
	assert.Equal(t, "apply", EventApply.String())
	assert.Equal(t, "materialize", EventMaterialize.String())
	assert.Equal(t, "event(9)", EventType(9).String())
}
