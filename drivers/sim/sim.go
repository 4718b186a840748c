// Package sim provides an in-memory stimulator used for development and
// tests. It records every command it receives and can inject latency and
// faults to exercise the failure paths of the execution loop.
package sim

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrInjectedFault is returned by Trigger once the configured fault point is
// reached.
var ErrInjectedFault = errors.New("sim: injected hardware fault")

// Options tunes the simulated device.
type Options struct {
	// Latency is added to every device call, emulating bus round trips.
	Latency time.Duration
	// FailAfterTriggers makes Trigger fail once that many triggers have
	// succeeded. Zero disables fault injection.
	FailAfterTriggers int
}

// Firing is one recorded trigger with the settings active at that moment.
type Firing struct {
	Channel   int
	Amplitude float64
	At        time.Time
}

// Device is a stimulator backed by nothing but memory.
type Device struct {
	logger  zerolog.Logger
	latency time.Duration
	failAt  int

	mu        sync.Mutex
	channel   int
	amplitude float64
	triggers  int
	zeroed    int
	firings   []Firing
}

func New(logger zerolog.Logger, opts Options) *Device {
	return &Device{
		logger:  logger.With().Str("driver", "sim").Logger(),
		latency: opts.Latency,
		failAt:  opts.FailAfterTriggers,
	}
}

func (d *Device) SetChannel(channel int) error {
	d.delay()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channel = channel
	return nil
}

func (d *Device) SetAmplitude(amplitude float64) error {
	d.delay()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.amplitude = amplitude
	return nil
}

func (d *Device) Trigger() error {
	d.delay()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAt > 0 && d.triggers >= d.failAt {
		return ErrInjectedFault
	}
	d.triggers++
	d.firings = append(d.firings, Firing{Channel: d.channel, Amplitude: d.amplitude, At: time.Now()})
	return nil
}

func (d *Device) ZeroAll() error {
	d.delay()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.amplitude = 0
	d.zeroed++
	d.logger.Debug().Msg("outputs zeroed")
	return nil
}

func (d *Device) delay() {
	if d.latency > 0 {
		time.Sleep(d.latency)
	}
}

// Triggers reports how many pulses were fired.
func (d *Device) Triggers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.triggers
}

// Zeroed reports how many times all outputs were zeroed.
func (d *Device) Zeroed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.zeroed
}

// Firings returns a copy of the recorded trigger history.
func (d *Device) Firings() []Firing {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Firing, len(d.firings))
	copy(out, d.firings)
	return out
}
