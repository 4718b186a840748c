// Package train models timed stimulation programs: ordered events that each
// hold one parameter set for a fixed duration, played back to back.
package train

import (
	"fmt"
	"time"
)

// Event is one segment of a stimulation train. Start is derived from the
// order and durations of the preceding events, never set by callers.
type Event struct {
	Channel   int
	Frequency float64
	Amplitude float64
	Duration  time.Duration
	Start     time.Duration
}

// Timeline is an editable, ordered list of events. Every edit reflows the
// start offsets so the events always abut seamlessly.
type Timeline struct {
	events []Event
}

func NewTimeline() *Timeline {
	return &Timeline{}
}

// Add appends an event to the end of the train.
func (t *Timeline) Add(event Event) error {
	if event.Duration <= 0 {
		return fmt.Errorf("event duration must be positive, got %s", event.Duration)
	}
	t.events = append(t.events, event)
	t.recalculate()
	return nil
}

// Insert places an event before index i, shifting later events backwards in
// time.
func (t *Timeline) Insert(i int, event Event) error {
	if event.Duration <= 0 {
		return fmt.Errorf("event duration must be positive, got %s", event.Duration)
	}
	if i < 0 || i > len(t.events) {
		return fmt.Errorf("insert index %d out of range [0,%d]", i, len(t.events))
	}
	t.events = append(t.events, Event{})
	copy(t.events[i+1:], t.events[i:])
	t.events[i] = event
	t.recalculate()
	return nil
}

// Remove deletes the event at index i, pulling later events forward.
func (t *Timeline) Remove(i int) error {
	if i < 0 || i >= len(t.events) {
		return fmt.Errorf("remove index %d out of range [0,%d)", i, len(t.events))
	}
	t.events = append(t.events[:i], t.events[i+1:]...)
	t.recalculate()
	return nil
}

// Update replaces the event at index i in place.
func (t *Timeline) Update(i int, event Event) error {
	if event.Duration <= 0 {
		return fmt.Errorf("event duration must be positive, got %s", event.Duration)
	}
	if i < 0 || i >= len(t.events) {
		return fmt.Errorf("update index %d out of range [0,%d)", i, len(t.events))
	}
	t.events[i] = event
	t.recalculate()
	return nil
}

// recalculate reflows the start offsets sequentially from zero.
func (t *Timeline) recalculate() {
	var at time.Duration
	for i := range t.events {
		t.events[i].Start = at
		at += t.events[i].Duration
	}
}

// Len reports the number of events.
func (t *Timeline) Len() int {
	return len(t.events)
}

// Events returns a copy of the train in playback order.
func (t *Timeline) Events() []Event {
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// EventsForChannel returns the events targeting the given channel, in order.
func (t *Timeline) EventsForChannel(channel int) []Event {
	var out []Event
	for _, event := range t.events {
		if event.Channel == channel {
			out = append(out, event)
		}
	}
	return out
}

// EventsInRange returns the events active at any point of [from, to), in
// playback order.
func (t *Timeline) EventsInRange(from, to time.Duration) []Event {
	var out []Event
	for _, event := range t.events {
		if event.Start < to && from < event.Start+event.Duration {
			out = append(out, event)
		}
	}
	return out
}

// TotalDuration is the end time of the last event.
func (t *Timeline) TotalDuration() time.Duration {
	if len(t.events) == 0 {
		return 0
	}
	last := t.events[len(t.events)-1]
	return last.Start + last.Duration
}
