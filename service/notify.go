package service

import (
	"sync"

	"github.com/openstim/stimflow/stim"
)

// EventKind discriminates the notifications the manager publishes.
type EventKind string

const (
	// EventPulse reports the effective pulse handed to the worker.
	EventPulse EventKind = "pulse"
	// EventRampCompleted reports a ramp that ran to completion.
	EventRampCompleted EventKind = "ramp_completed"
)

// Event is one notification delivered to subscribers.
type Event struct {
	Kind  EventKind
	Pulse stim.Pulse
	Ramp  *RampResult
}

// RampResult describes the outcome of a completed ramp.
type RampResult struct {
	Parameter Parameter
	Direction Direction
	Value     float64
}

// Subscription is one listener attached to the manager's event stream.
// Events are delivered on a buffered channel; when a subscriber falls behind,
// newer events are dropped for that subscriber rather than stalling the pulse
// loop.
type Subscription struct {
	events chan Event
	cancel func()
}

// Events returns the channel notifications are delivered on. The channel is
// closed when the subscription is cancelled.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.cancel()
}

type broadcaster struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan Event
	buffer int
}

func newBroadcaster(buffer int) *broadcaster {
	if buffer <= 0 {
		buffer = 16
	}
	return &broadcaster{subs: make(map[int]chan Event), buffer: buffer}
}

func (b *broadcaster) subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch
	return &Subscription{
		events: ch,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if existing, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(existing)
			}
		},
	}
}

// publish fans the event out without blocking; sends happen under the lock so
// a concurrent cancel cannot close a channel mid-send.
func (b *broadcaster) publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
