package service

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/openstim/stimflow/stim"
	"github.com/openstim/stimflow/telemetry"
)

const (
	// coarseSleep is the chunk size for the coarse phase of inter-pulse
	// waiting. Small enough to keep stop latency well under one period.
	coarseSleep = 500 * time.Microsecond
	// spinThreshold is the remaining-time cutoff below which the worker
	// stops sleeping and busy-waits for the deadline.
	spinThreshold = time.Millisecond
	// pauseIdle is how long the worker dozes between pause checks.
	pauseIdle = 10 * time.Millisecond
)

// worker is the dedicated execution loop that consumes pulses from the
// manager and drives the device at the requested rate. It owns all hardware
// access while running.
type worker struct {
	logger    zerolog.Logger
	collector telemetry.Collector
	manager   *Manager
	device    Stimulator
}

func newWorker(manager *Manager, device Stimulator, logger zerolog.Logger, collector telemetry.Collector) *worker {
	if collector == nil {
		collector = telemetry.Noop()
	}
	return &worker{
		logger:    logger.With().Str("component", "worker").Logger(),
		collector: collector,
		manager:   manager,
		device:    device,
	}
}

// run executes the pulse loop until stop is closed or the hardware faults.
// The device is zeroed exactly once on the way out, on every exit path.
func (w *worker) run(stop <-chan struct{}) error {
	defer w.zeroAll()
	w.logger.Info().Msg("pulse loop started")
	for {
		select {
		case <-stop:
			w.logger.Info().Msg("pulse loop stopped")
			return nil
		default:
		}

		if w.manager.Paused() {
			select {
			case <-stop:
				w.logger.Info().Msg("pulse loop stopped")
				return nil
			case <-time.After(pauseIdle):
			}
			continue
		}

		cycleStart := time.Now()
		pulse := w.manager.NextPulse()
		if err := w.fire(pulse); err != nil {
			w.collector.IncHardwareFault()
			w.logger.Error().Err(err).
				Int("channel", pulse.Channel).
				Msg("hardware fault, terminating pulse loop")
			return err
		}
		w.collector.IncPulse(pulse.Channel)

		if !w.sleepUntil(cycleStart.Add(pulse.Period()), stop) {
			w.logger.Info().Msg("pulse loop stopped")
			return nil
		}
		w.collector.ObservePeriodError(math.Abs(time.Since(cycleStart).Seconds() - pulse.PeriodSeconds()))
	}
}

func (w *worker) fire(pulse stim.Pulse) error {
	if err := w.device.SetChannel(pulse.Channel); err != nil {
		return fmt.Errorf("set channel %d: %w", pulse.Channel, err)
	}
	if err := w.device.SetAmplitude(pulse.Amplitude); err != nil {
		return fmt.Errorf("set amplitude %g: %w", pulse.Amplitude, err)
	}
	if err := w.device.Trigger(); err != nil {
		return fmt.Errorf("trigger: %w", err)
	}
	return nil
}

// sleepUntil waits out the remainder of the pulse period. The bulk of the
// wait is spent in short interruptible sleeps; the final sub-millisecond
// stretch is busy-waited because timer wakeups at that scale are too coarse
// to hold the period steady. Returns false when stop fired during the wait.
func (w *worker) sleepUntil(deadline time.Time, stop <-chan struct{}) bool {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		if remaining > spinThreshold {
			select {
			case <-stop:
				return false
			case <-time.After(coarseSleep):
			}
			continue
		}
		for time.Now().Before(deadline) {
		}
		return true
	}
}

func (w *worker) zeroAll() {
	if err := w.device.ZeroAll(); err != nil {
		w.logger.Error().Err(err).Msg("zeroing outputs failed")
		return
	}
	w.logger.Info().Msg("all outputs zeroed")
}
