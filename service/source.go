package service

import (
	"github.com/openstim/stimflow/stim"
)

type sourceMode int

const (
	// modeSteady repeats a single pulse indefinitely, representing
	// constant-parameter continuous stimulation.
	modeSteady sourceMode = iota
	// modeSequence consumes a finite precomputed pulse list, one per cycle.
	modeSequence
)

// pulseSource is the active pulse stream as an explicit tagged variant rather
// than a bare list whose length implies behavior. It is only ever replaced
// wholesale, never mutated in place, so the worker observes transitions as
// all-old or all-new.
type pulseSource struct {
	mode   sourceMode
	steady stim.Pulse
	queue  []stim.Pulse
}

func steadySource(pulse stim.Pulse) pulseSource {
	return pulseSource{mode: modeSteady, steady: pulse}
}

func sequenceSource(pulses []stim.Pulse) pulseSource {
	return pulseSource{mode: modeSequence, queue: pulses}
}

// remaining reports how many distinct pulses are still queued; steady state
// reports one, since the stream never runs dry.
func (s pulseSource) remaining() int {
	if s.mode == modeSteady {
		return 1
	}
	return len(s.queue)
}
