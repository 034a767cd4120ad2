package stream

import (
	"sync"
	"sync/atomic"
)

// liveBufferCapacity bounds each receiver's channel. Slow consumers lose
// events instead of blocking the publisher.
const liveBufferCapacity = 256

// Broadcaster fans published events out to every attached receiver.
// Delivery is non-blocking: a full receiver buffer counts the event as
// dropped instead of stalling the bus.
type Broadcaster struct {
	mu        sync.Mutex
	receivers map[*Receiver]struct{}
}

// Receiver is one consumer attached to the broadcaster. Events arrive on
// Events(); TakeDropped reports and resets how many were lost to a full
// buffer since the last call.
type Receiver struct {
	broadcaster *Broadcaster
	events      chan Event
	dropped     atomic.Uint64
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{receivers: make(map[*Receiver]struct{})}
}

// Attach registers a new receiver. The caller must Close it when done.
func (b *Broadcaster) Attach() *Receiver {
	receiver := &Receiver{
		broadcaster: b,
		events:      make(chan Event, liveBufferCapacity),
	}
	b.mu.Lock()
	b.receivers[receiver] = struct{}{}
	b.mu.Unlock()
	return receiver
}

// Send delivers the event to every receiver without blocking.
func (b *Broadcaster) Send(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for receiver := range b.receivers {
		select {
		case receiver.events <- event:
		default:
			receiver.dropped.Add(1)
		}
	}
}

// Events is the receiver's delivery channel.
func (r *Receiver) Events() <-chan Event {
	return r.events
}

// TakeDropped returns the number of events lost since the last call and
// resets the counter.
func (r *Receiver) TakeDropped() uint64 {
	return r.dropped.Swap(0)
}

// Close detaches the receiver from the broadcaster.
func (r *Receiver) Close() {
	r.broadcaster.mu.Lock()
	delete(r.broadcaster.receivers, r)
	r.broadcaster.mu.Unlock()
}
