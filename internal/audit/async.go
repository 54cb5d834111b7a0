package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Async decouples event delivery from the identity operation that produced
// it. Record enqueues without blocking; when the buffer is full the event is
// dropped and counted rather than stalling issuance.
type Async struct {
	next Sink
	ch   chan Event

	dropped atomic.Uint64
	once    sync.Once
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewAsync wraps next with a buffered, non-blocking delivery queue.
func NewAsync(next Sink, buffer int) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		next: next,
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
	a.wg.Add(1)
	go a.drain()
	return a
}

func (a *Async) Record(_ context.Context, ev Event) {
	select {
	case a.ch <- ev:
	default:
		// Audit is observational; shed load instead of blocking issuance.
		a.dropped.Add(1)
	}
}

// Dropped returns the number of events shed due to a full buffer.
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Close stops the delivery goroutine after flushing queued events.
func (a *Async) Close() {
	a.once.Do(func() {
		close(a.done)
		a.wg.Wait()
	})
}

func (a *Async) drain() {
	defer a.wg.Done()
	for {
		select {
		case ev := <-a.ch:
			a.next.Record(context.Background(), ev)
		case <-a.done:
			// Flush whatever is queued, then stop.
			for {
				select {
				case ev := <-a.ch:
					a.next.Record(context.Background(), ev)
				default:
					return
				}
			}
		}
	}
}

var _ Sink = (*Async)(nil)
