package service

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openstim/stimflow/config"
	"github.com/openstim/stimflow/stim"
	"github.com/openstim/stimflow/telemetry"
)

func testConfig() *config.Config {
	return &config.Config{
		Device: config.DeviceConfig{
			Channels:      8,
			MaxAmplitude:  100,
			AmplitudeStep: 0.5,
			MinFrequency:  1,
			MaxFrequency:  500,
		},
		Defaults: config.DefaultsConfig{
			Channel:   0,
			Frequency: 30,
			Amplitude: 5,
		},
		Stimulation: config.StimulationConfig{LiveUpdates: true},
		Ramps: config.RampsConfig{
			Frequency: config.TargetsConfig{
				Max:  config.TargetConfig{Value: 100, Duration: config.Duration{Duration: time.Second}},
				Rest: config.TargetConfig{Value: 30, Duration: config.Duration{Duration: 500 * time.Millisecond}},
				Min:  config.TargetConfig{Value: 10, Duration: config.Duration{Duration: time.Second}},
			},
			Amplitude: config.TargetsConfig{
				Max:  config.TargetConfig{Value: 20, Duration: config.Duration{Duration: 2 * time.Second}},
				Rest: config.TargetConfig{Value: 5, Duration: config.Duration{Duration: time.Second}},
				Min:  config.TargetConfig{Value: 0, Duration: config.Duration{Duration: time.Second}},
			},
		},
	}
}

func newTestManager(t *testing.T, cfg *config.Config) *Manager {
	t.Helper()
	m, err := NewManager(cfg, zerolog.Nop(), telemetry.Noop())
	require.NoError(t, err)
	return m
}

// consumeUntilSteady pops pulses until the active ramp has settled, guarding
// against runaway loops with a generous bound.
func consumeUntilSteady(t *testing.T, m *Manager, target float64, read func(stim.Pulse) float64) []stim.Pulse {
	t.Helper()
	var seen []stim.Pulse
	for i := 0; i < 10000; i++ {
		pulse := m.NextPulse()
		seen = append(seen, pulse)
		if read(pulse) == target && read(m.Current()) == target {
			return seen
		}
	}
	t.Fatalf("ramp never settled at %g", target)
	return nil
}

func TestManagerDefaultsSeedTheStream(t *testing.T) {
	m := newTestManager(t, testConfig())

	pulse := m.NextPulse()
	assert.Equal(t, 0, pulse.Channel)
	assert.Equal(t, 30.0, pulse.Frequency)
	assert.Equal(t, 5.0, pulse.Amplitude)

	// Steady state never drains.
	for i := 0; i < 5; i++ {
		assert.Equal(t, pulse, m.NextPulse())
	}
}

func TestManagerLiveUpdateReachesStreamImmediately(t *testing.T) {
	m := newTestManager(t, testConfig())

	require.NoError(t, m.SetFrequency(50))
	assert.Equal(t, 50.0, m.NextPulse().Frequency)

	require.NoError(t, m.SetChannel(3))
	assert.Equal(t, 3, m.NextPulse().Channel)
}

func TestManagerBatchedUpdatesApplyAtomically(t *testing.T) {
	m := newTestManager(t, testConfig())
	m.SetUpdateMode(false)

	require.NoError(t, m.SetFrequency(80))
	require.NoError(t, m.SetAmplitude(12))
	assert.Equal(t, 30.0, m.NextPulse().Frequency, "stream must stay on old values until applied")
	assert.Equal(t, 5.0, m.NextPulse().Amplitude)

	m.ApplyChanges()
	pulse := m.NextPulse()
	assert.Equal(t, 80.0, pulse.Frequency)
	assert.Equal(t, 12.0, pulse.Amplitude)
}

func TestManagerSwitchToLiveFlushesStaged(t *testing.T) {
	m := newTestManager(t, testConfig())
	m.SetUpdateMode(false)

	require.NoError(t, m.SetFrequency(64))
	assert.Equal(t, 30.0, m.NextPulse().Frequency)

	m.SetUpdateMode(true)
	assert.Equal(t, 64.0, m.NextPulse().Frequency)
}

func TestManagerRejectsOutOfRangeParameters(t *testing.T) {
	m := newTestManager(t, testConfig())

	var paramErr *stim.InvalidParameterError
	require.ErrorAs(t, m.SetFrequency(0.5), &paramErr)
	require.ErrorAs(t, m.SetFrequency(501), &paramErr)
	require.ErrorAs(t, m.SetAmplitude(101), &paramErr)
	require.ErrorAs(t, m.SetAmplitude(-1), &paramErr)
	require.ErrorAs(t, m.SetChannel(8), &paramErr)
	require.ErrorAs(t, m.SetChannel(-1), &paramErr)

	// A rejected change must not leak into the stream.
	pulse := m.NextPulse()
	assert.Equal(t, 30.0, pulse.Frequency)
	assert.Equal(t, 5.0, pulse.Amplitude)
	assert.Equal(t, 0, pulse.Channel)
}

func TestManagerQuantizesAmplitudeToDeviceStep(t *testing.T) {
	m := newTestManager(t, testConfig())

	require.NoError(t, m.SetAmplitude(5.24))
	assert.Equal(t, 5.0, m.NextPulse().Amplitude)

	require.NoError(t, m.SetAmplitude(5.26))
	assert.Equal(t, 5.5, m.NextPulse().Amplitude)
}

func TestManagerSafetyInterlockVetoesStagedChange(t *testing.T) {
	cfg := testConfig()
	cfg.Safety.Rules = []string{"amplitude <= 10.0", "frequency * amplitude <= 2000.0"}
	m := newTestManager(t, cfg)

	var violation *SafetyViolationError
	require.ErrorAs(t, m.SetAmplitude(20), &violation)
	assert.Equal(t, "amplitude <= 10.0", violation.Rule)

	require.NoError(t, m.SetAmplitude(8))
	require.NoError(t, m.SetFrequency(200))
	require.ErrorAs(t, m.SetFrequency(300), &violation)

	pulse := m.NextPulse()
	assert.Equal(t, 200.0, pulse.Frequency)
	assert.Equal(t, 8.0, pulse.Amplitude)
}

func TestManagerFrequencyRampWalksToTarget(t *testing.T) {
	m := newTestManager(t, testConfig())
	require.NoError(t, m.RequestRamp(ParameterFrequency, DirectionMax))

	seen := consumeUntilSteady(t, m, 100.0, func(p stim.Pulse) float64 { return p.Frequency })
	require.Greater(t, len(seen), 2)
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i].Frequency, seen[i-1].Frequency, "ascending ramp must be monotonic")
		assert.Equal(t, 5.0, seen[i].Amplitude, "frequency ramp must not move amplitude")
	}
	assert.Equal(t, 100.0, m.Current().Frequency)

	// Settled state keeps streaming the target.
	assert.Equal(t, 100.0, m.NextPulse().Frequency)
}

func TestManagerAmplitudeRampStepsAtPulseRate(t *testing.T) {
	m := newTestManager(t, testConfig())
	require.NoError(t, m.RequestRamp(ParameterAmplitude, DirectionMax))

	seen := consumeUntilSteady(t, m, 20.0, func(p stim.Pulse) float64 { return p.Amplitude })
	// 2 s at 30 Hz gives 60 steps.
	assert.InDelta(t, 60, len(seen), 2)
	for _, p := range seen {
		assert.Equal(t, 30.0, p.Frequency, "amplitude ramp must not move frequency")
	}
}

func TestManagerRampCompletionNotifiesAndFlushesStaged(t *testing.T) {
	m := newTestManager(t, testConfig())
	sub := m.Subscribe()
	defer sub.Cancel()

	require.NoError(t, m.RequestRamp(ParameterFrequency, DirectionMax))
	// A live change arriving mid-ramp must stage, not disturb the ramp.
	require.NoError(t, m.SetAmplitude(9))

	seen := consumeUntilSteady(t, m, 100.0, func(p stim.Pulse) float64 { return p.Frequency })
	// The final pulse already carries the flushed amplitude; everything
	// before it must still play the pre-ramp value.
	for _, p := range seen[:len(seen)-1] {
		assert.Equal(t, 5.0, p.Amplitude, "staged amplitude must not apply mid-ramp")
	}

	var completed *RampResult
	for completed == nil {
		select {
		case event := <-sub.Events():
			if event.Kind == EventRampCompleted {
				completed = event.Ramp
			}
		default:
			t.Fatal("no ramp completion event published")
		}
	}
	assert.Equal(t, ParameterFrequency, completed.Parameter)
	assert.Equal(t, DirectionMax, completed.Direction)
	assert.Equal(t, 100.0, completed.Value)

	// The staged amplitude flushes automatically once the ramp settles.
	assert.Equal(t, 9.0, m.NextPulse().Amplitude)
}

func TestManagerResetRampRestoresBaseline(t *testing.T) {
	m := newTestManager(t, testConfig())
	require.NoError(t, m.RequestRamp(ParameterFrequency, DirectionMax))

	for i := 0; i < 5; i++ {
		m.NextPulse()
	}
	m.ResetRamp()

	pulse := m.NextPulse()
	assert.Equal(t, 30.0, pulse.Frequency)
	assert.Equal(t, 5.0, pulse.Amplitude)
	assert.Equal(t, 30.0, m.Current().Frequency)
}

func TestManagerRampToUnconfiguredTargetFails(t *testing.T) {
	cfg := testConfig()
	cfg.Ramps.Frequency.Min = config.TargetConfig{}
	m := newTestManager(t, cfg)

	err := m.RequestRamp(ParameterFrequency, DirectionMin)
	require.ErrorIs(t, err, ErrRampNotConfigured)

	assert.Equal(t, 30.0, m.NextPulse().Frequency, "failed ramp request must leave the stream untouched")
}

func TestManagerRejectsUnknownRampSelectors(t *testing.T) {
	m := newTestManager(t, testConfig())
	require.Error(t, m.RequestRamp(Parameter("impedance"), DirectionMax))
	require.Error(t, m.RequestRamp(ParameterFrequency, Direction("sideways")))
}

func TestManagerApplyChangesRampedCarriesStagedIn(t *testing.T) {
	m := newTestManager(t, testConfig())
	m.SetUpdateMode(false)

	require.NoError(t, m.SetFrequency(60))
	require.NoError(t, m.SetAmplitude(10))
	m.ApplyChangesRamped(time.Second)

	seen := consumeUntilSteady(t, m, 60.0, func(p stim.Pulse) float64 { return p.Frequency })
	require.Greater(t, len(seen), 2)
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i].Frequency, seen[i-1].Frequency)
		assert.GreaterOrEqual(t, seen[i].Amplitude, seen[i-1].Amplitude)
	}
	last := m.NextPulse()
	assert.Equal(t, 60.0, last.Frequency)
	assert.Equal(t, 10.0, last.Amplitude)
}

func TestManagerApplyChangesRampedZeroDurationAppliesImmediately(t *testing.T) {
	m := newTestManager(t, testConfig())
	m.SetUpdateMode(false)

	require.NoError(t, m.SetFrequency(42))
	m.ApplyChangesRamped(0)
	assert.Equal(t, 42.0, m.NextPulse().Frequency)
}

func TestManagerUpdateRampSettingsTakesEffect(t *testing.T) {
	m := newTestManager(t, testConfig())

	freq := m.freqTargets
	freq.Max.Value = 50
	m.UpdateRampSettings(freq, m.ampTargets)

	require.NoError(t, m.RequestRamp(ParameterFrequency, DirectionMax))
	seen := consumeUntilSteady(t, m, 50.0, func(p stim.Pulse) float64 { return p.Frequency })
	assert.Equal(t, 50.0, seen[len(seen)-1].Frequency)
}

func TestManagerPulseEventsPublished(t *testing.T) {
	m := newTestManager(t, testConfig())
	sub := m.Subscribe()
	defer sub.Cancel()

	fired := m.NextPulse()
	select {
	case event := <-sub.Events():
		assert.Equal(t, EventPulse, event.Kind)
		assert.Equal(t, fired, event.Pulse)
	default:
		t.Fatal("no pulse event published")
	}

	sub.Cancel()
	_, open := <-sub.Events()
	assert.False(t, open, "cancelled subscription channel must be closed")
}
