package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openstim/stimflow/config"
	"github.com/openstim/stimflow/ramp"
	"github.com/openstim/stimflow/stim"
	"github.com/openstim/stimflow/telemetry"
)

// Parameter names a rampable stimulation parameter.
type Parameter string

const (
	ParameterFrequency Parameter = "frequency"
	ParameterAmplitude Parameter = "amplitude"
	// ParameterUpdate marks a ramp that carries staged settings into effect.
	ParameterUpdate Parameter = "update"
)

// Direction names a ramp destination.
type Direction string

const (
	DirectionMax  Direction = "max"
	DirectionRest Direction = "rest"
	DirectionMin  Direction = "min"
	// DirectionStaged is the destination of a ramped settings update.
	DirectionStaged Direction = "staged"
)

// ErrRampNotConfigured is returned when a ramp is requested towards a target
// that has no configured value.
var ErrRampNotConfigured = fmt.Errorf("ramp target not configured")

type scalars struct {
	channel   int
	frequency float64
	amplitude float64
}

type rampState struct {
	parameter Parameter
	direction Direction
	target    float64
	baseline  stim.Pulse
}

// Manager is the thread-safe parameter store mediating between the control
// side and the worker. All state transitions happen under a single mutex; the
// lock is only ever held for assignments and copies, never across a sleep or
// a hardware call.
type Manager struct {
	logger    zerolog.Logger
	collector telemetry.Collector
	limits    config.DeviceConfig
	safety    *interlocks
	generator *ramp.Generator

	mu          sync.Mutex
	channel     int
	frequency   float64
	amplitude   float64
	dirty       bool
	active      pulseSource
	live        bool
	running     bool
	paused      bool
	ramp        *rampState
	freqTargets ramp.Targets
	ampTargets  ramp.Targets
	freqPlan    ramp.Plan
	ampPlan     ramp.Plan

	events *broadcaster
}

// NewManager builds a manager seeded with the configured defaults.
func NewManager(cfg *config.Config, logger zerolog.Logger, collector telemetry.Collector) (*Manager, error) {
	if collector == nil {
		collector = telemetry.Noop()
	}
	safety, err := newInterlocks(cfg.Safety.Rules)
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("component", "manager").Logger()
	initial, err := stim.NewPulse(
		cfg.Defaults.Channel,
		cfg.Defaults.Frequency,
		stim.QuantizeAmplitude(cfg.Defaults.Amplitude, cfg.Device.AmplitudeStep),
	)
	if err != nil {
		return nil, fmt.Errorf("default parameters: %w", err)
	}
	m := &Manager{
		logger:      logger,
		collector:   collector,
		limits:      cfg.Device,
		safety:      safety,
		generator:   ramp.NewGenerator(logger),
		channel:     initial.Channel,
		frequency:   initial.Frequency,
		amplitude:   initial.Amplitude,
		active:      steadySource(initial),
		live:        cfg.Stimulation.LiveUpdates,
		freqTargets: cfg.Ramps.Frequency.Targets(),
		ampTargets:  cfg.Ramps.Amplitude.Targets(),
		events:      newBroadcaster(64),
	}
	m.recomputePlansLocked()
	return m, nil
}

// Subscribe attaches a listener to the manager's event stream.
func (m *Manager) Subscribe() *Subscription {
	return m.events.subscribe()
}

// Current returns the desired parameter values. With pending staged changes
// these may run ahead of what the stream is playing.
func (m *Manager) Current() stim.Pulse {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pulseLocked()
}

// pulseLocked materializes the desired scalars as a pulse.
func (m *Manager) pulseLocked() stim.Pulse {
	return stim.Pulse{Channel: m.channel, Frequency: m.frequency, Amplitude: m.amplitude}
}

// SetChannel stages a channel change.
func (m *Manager) SetChannel(channel int) error {
	if channel < 0 || channel >= m.limits.Channels {
		return &stim.InvalidParameterError{
			Parameter: "channel",
			Value:     float64(channel),
			Reason:    fmt.Sprintf("outside device range [0,%d)", m.limits.Channels),
		}
	}
	return m.stage(func(s *scalars) {
		s.channel = channel
	})
}

// SetFrequency stages a frequency change and refreshes the ramp plans that
// depend on the frequency baseline.
func (m *Manager) SetFrequency(hz float64) error {
	if hz < m.limits.MinFrequency || hz > m.limits.MaxFrequency {
		return &stim.InvalidParameterError{
			Parameter: "frequency",
			Value:     hz,
			Reason:    fmt.Sprintf("outside device range [%g,%g]", m.limits.MinFrequency, m.limits.MaxFrequency),
		}
	}
	return m.stage(func(s *scalars) {
		s.frequency = hz
	})
}

// SetAmplitude stages an amplitude change, quantized to the device step.
func (m *Manager) SetAmplitude(ma float64) error {
	ma = stim.QuantizeAmplitude(ma, m.limits.AmplitudeStep)
	if ma < 0 || ma > m.limits.MaxAmplitude {
		return &stim.InvalidParameterError{
			Parameter: "amplitude",
			Value:     ma,
			Reason:    fmt.Sprintf("outside device range [0,%g]", m.limits.MaxAmplitude),
		}
	}
	return m.stage(func(s *scalars) {
		s.amplitude = ma
	})
}

// stage commits a scalar mutation to the desired values and, in live mode,
// makes them active immediately. While a ramp owns the active sequence the
// change stays pending; it is flushed automatically when the ramp completes.
// The mutation is committed only after the candidate passed validation and
// the safety interlocks, so a rejection retains the prior valid state.
func (m *Manager) stage(mutate func(*scalars)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := scalars{channel: m.channel, frequency: m.frequency, amplitude: m.amplitude}
	mutate(&next)
	pulse, err := stim.NewPulse(next.channel, next.frequency, next.amplitude)
	if err != nil {
		return err
	}
	if err := m.safety.check(pulse); err != nil {
		return err
	}

	m.channel, m.frequency, m.amplitude = next.channel, next.frequency, next.amplitude
	m.dirty = true
	m.recomputePlansLocked()
	if m.live && m.ramp == nil {
		m.applyLocked()
	}
	return nil
}

// SetUpdateMode switches between live and batched updates. Flipping to live
// flushes a pending staged change immediately.
func (m *Manager) SetUpdateMode(live bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live = live
	if live && m.dirty && m.ramp == nil {
		m.applyLocked()
	}
}

// ApplyChanges makes the pending desired values the active source. This is
// the sole linearization point the worker relies on: it observes the stream
// as all-old or all-new, never partially applied.
func (m *Manager) ApplyChanges() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyLocked()
}

func (m *Manager) applyLocked() {
	if !m.dirty {
		return
	}
	pulse := m.pulseLocked()
	m.active = steadySource(pulse)
	m.dirty = false
	m.logger.Debug().
		Int("channel", pulse.Channel).
		Float64("frequency", pulse.Frequency).
		Float64("amplitude", pulse.Amplitude).
		Msg("staged parameters applied")
}

// ApplyChangesRamped carries the pending desired values into effect as a
// smooth coupled transition: the frequency walks from the playing value to
// the desired one and the amplitude is filled linearly alongside it. A zero
// duration degenerates to an immediate apply. The pending flag stays set so
// ramp completion lands exactly on the desired values.
func (m *Manager) ApplyChangesRamped(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirty {
		return
	}
	if duration <= 0 {
		m.applyLocked()
		return
	}
	target := m.pulseLocked()
	from := m.active.steady
	if m.active.mode == modeSequence {
		from = m.active.queue[0]
	}
	frequencies := m.generator.Frequency(from.Frequency, target.Frequency, duration)
	amplitudes := ramp.Fill(from.Amplitude, target.Amplitude, len(frequencies))
	if len(frequencies) <= 1 {
		m.applyLocked()
		return
	}
	pulses := make([]stim.Pulse, len(frequencies))
	for i := range frequencies {
		pulses[i] = stim.Pulse{Channel: target.Channel, Frequency: frequencies[i], Amplitude: amplitudes[i]}
	}
	m.ramp = &rampState{
		parameter: ParameterUpdate,
		direction: DirectionStaged,
		target:    target.Frequency,
		baseline:  from,
	}
	m.active = sequenceSource(pulses)
	m.logger.Info().
		Dur("duration", duration).
		Int("steps", len(pulses)).
		Msg("ramping staged parameters into effect")
}

// RequestRamp replaces the active source with the precomputed transition of
// the given parameter towards the named target. The ramp owns the active
// sequence until it is exhausted; parameter changes staged meanwhile apply
// automatically on completion.
func (m *Manager) RequestRamp(parameter Parameter, direction Direction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var values []float64
	switch parameter {
	case ParameterFrequency:
		values = pick(m.freqPlan, direction)
	case ParameterAmplitude:
		values = pick(m.ampPlan, direction)
	default:
		return fmt.Errorf("unknown ramp parameter %q", parameter)
	}
	if values == nil {
		return fmt.Errorf("unknown ramp direction %q", direction)
	}
	target := values[len(values)-1]
	if parameter == ParameterFrequency && target <= 0 {
		return fmt.Errorf("%w: frequency %s", ErrRampNotConfigured, direction)
	}

	baseline := m.pulseLocked()
	pulses := make([]stim.Pulse, len(values))
	for i, value := range values {
		switch parameter {
		case ParameterFrequency:
			pulses[i] = stim.Pulse{Channel: m.channel, Frequency: value, Amplitude: m.amplitude}
		case ParameterAmplitude:
			pulses[i] = stim.Pulse{Channel: m.channel, Frequency: m.frequency, Amplitude: value}
		}
	}

	if len(pulses) == 1 {
		// Ramp degenerated to a jump; settle immediately.
		m.logger.Warn().
			Str("parameter", string(parameter)).
			Str("direction", string(direction)).
			Msg("ramp too short for intermediate steps, jumping to target")
		m.active = steadySource(pulses[0])
		m.syncScalarsLocked(pulses[0])
		m.finishRampLocked(&rampState{parameter: parameter, direction: direction, target: target})
		return nil
	}

	m.ramp = &rampState{parameter: parameter, direction: direction, target: target, baseline: baseline}
	m.active = sequenceSource(pulses)
	m.logger.Info().
		Str("parameter", string(parameter)).
		Str("direction", string(direction)).
		Float64("target", target).
		Int("steps", len(pulses)).
		Msg("ramp started")
	return nil
}

// ResetRamp aborts an in-flight ramp and restores the pre-ramp baseline.
// Without an active ramp it is a no-op.
func (m *Manager) ResetRamp() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ramp == nil {
		return
	}
	baseline := m.ramp.baseline
	m.active = steadySource(baseline)
	m.syncScalarsLocked(baseline)
	m.ramp = nil
	m.dirty = false
	m.recomputePlansLocked()
	m.logger.Info().
		Float64("frequency", baseline.Frequency).
		Float64("amplitude", baseline.Amplitude).
		Msg("ramp reset to baseline")
}

// UpdateRampSettings replaces the ramp destinations and recomputes the plans
// against the current baselines. Used by configuration hot reloads.
func (m *Manager) UpdateRampSettings(frequency, amplitude ramp.Targets) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freqTargets = frequency
	m.ampTargets = amplitude
	m.recomputePlansLocked()
	m.logger.Info().Msg("ramp settings updated")
}

// NextPulse hands the worker the next pulse to fire. In steady state the same
// pulse is returned as a fresh copy without consuming anything; a sequence is
// consumed from the head. When exactly one element remains the ramp has
// settled: the completion notification fires and changes staged mid-ramp are
// applied automatically. Every call publishes the effective pulse.
func (m *Manager) NextPulse() stim.Pulse {
	m.mu.Lock()
	var pulse stim.Pulse
	var completed *RampResult

	switch m.active.mode {
	case modeSteady:
		pulse = m.active.steady
	case modeSequence:
		pulse = m.active.queue[0]
		m.active.queue = m.active.queue[1:]
		if len(m.active.queue) == 1 {
			last := m.active.queue[0]
			m.active = steadySource(last)
			m.settleScalarsLocked(m.ramp, last)
			completed = m.finishRampLocked(m.ramp)
		}
	}
	m.mu.Unlock()

	m.collector.SetEffective(pulse.Frequency, pulse.Amplitude)
	m.events.publish(Event{Kind: EventPulse, Pulse: pulse})
	if completed != nil {
		m.events.publish(Event{Kind: EventRampCompleted, Pulse: pulse, Ramp: completed})
	}
	return pulse
}

// finishRampLocked clears the ramp state, flushes pending changes and reports
// the completion. It tolerates a nil state so sequence exhaustion outside a
// ramp (which does not happen in practice) stays harmless.
func (m *Manager) finishRampLocked(state *rampState) *RampResult {
	m.ramp = nil
	m.applyLocked()
	m.recomputePlansLocked()
	if state == nil {
		return nil
	}
	m.collector.IncRampCompleted(string(state.parameter), string(state.direction))
	m.logger.Info().
		Str("parameter", string(state.parameter)).
		Str("direction", string(state.direction)).
		Float64("value", state.target).
		Msg("ramp completed")
	return &RampResult{Parameter: state.parameter, Direction: state.direction, Value: state.target}
}

func (m *Manager) syncScalarsLocked(pulse stim.Pulse) {
	m.channel = pulse.Channel
	m.frequency = pulse.Frequency
	m.amplitude = pulse.Amplitude
}

// settleScalarsLocked folds a finished ramp's landing point into the desired
// values. Only the ramped parameter settles; values the operator changed
// mid-ramp stay pending and flush right after.
func (m *Manager) settleScalarsLocked(state *rampState, last stim.Pulse) {
	if state == nil {
		m.syncScalarsLocked(last)
		return
	}
	switch state.parameter {
	case ParameterFrequency:
		m.frequency = last.Frequency
	case ParameterAmplitude:
		m.amplitude = last.Amplitude
	default:
		m.syncScalarsLocked(last)
	}
}

func (m *Manager) recomputePlansLocked() {
	m.freqPlan = m.generator.FrequencyPlan(m.frequency, m.freqTargets)
	m.ampPlan = m.generator.AmplitudePlan(m.amplitude, m.ampTargets, m.frequency)
}

func pick(plan ramp.Plan, direction Direction) []float64 {
	switch direction {
	case DirectionMax:
		return plan.ToMax
	case DirectionRest:
		return plan.ToRest
	case DirectionMin:
		return plan.ToMin
	default:
		return nil
	}
}

// SetPaused freezes or resumes pulse consumption without discarding the
// active source.
func (m *Manager) SetPaused(paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = paused
}

// Paused reports whether consumption is currently frozen.
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Running reports whether a worker is consuming the stream.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = running
}
