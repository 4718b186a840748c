package ramp

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestGenerator() *Generator {
	return NewGenerator(zerolog.Nop())
}

func TestFrequencyZeroDurationReturnsEnd(t *testing.T) {
	g := newTestGenerator()
	require.Equal(t, []float64{60}, g.Frequency(30, 60, 0))
	require.Equal(t, []float64{20}, g.Frequency(30, 20, 0))
}

func TestFrequencyAscendingRamp(t *testing.T) {
	g := newTestGenerator()
	values := g.Frequency(30, 60, 2*time.Second)

	require.NotEmpty(t, values)
	require.Equal(t, 60.0, values[len(values)-1])
	requireMonotonic(t, values, false)
	for _, v := range values {
		require.GreaterOrEqual(t, v, 30.0)
		require.LessOrEqual(t, v, 60.0)
	}
	requirePeriodSumNearDuration(t, values, 2.0)
}

func TestFrequencyDescendingRamp(t *testing.T) {
	g := newTestGenerator()
	values := g.Frequency(60, 30, 2*time.Second)

	require.NotEmpty(t, values)
	require.Equal(t, 30.0, values[len(values)-1])
	requireMonotonic(t, values, true)
	requirePeriodSumNearDuration(t, values, 2.0)
}

func TestFrequencyBoundaryCandidateIsRankCorrect(t *testing.T) {
	g := newTestGenerator()
	// 940ms leaves a gap behind the walked steps whose correcting frequency
	// (~48Hz) lies strictly inside [30, 60] and therefore gets spliced in.
	values := g.Frequency(60, 30, 940*time.Millisecond)

	// With the boundary-correcting step spliced in, the implied pulse train
	// (excluding the forced terminal value) fills the duration exactly.
	sum := 0.0
	for _, v := range values[:len(values)-1] {
		sum += 1.0 / v
	}
	require.InDelta(t, 0.94, sum, 1e-9)
	requireMonotonic(t, values, true)
}

func TestFrequencyTooShortForAnyStep(t *testing.T) {
	g := newTestGenerator()
	// 10ms cannot contain a 30Hz period and the boundary candidate (100Hz)
	// lies outside [30, 60], so only the target remains.
	values := g.Frequency(30, 60, 10*time.Millisecond)
	require.Equal(t, []float64{60}, values)
}

func TestFrequencyStartEqualsEnd(t *testing.T) {
	g := newTestGenerator()
	values := g.Frequency(30, 30, time.Second)
	require.Equal(t, 30.0, values[len(values)-1])
	for _, v := range values {
		require.Equal(t, 30.0, v)
	}
}

func TestInsertOrdered(t *testing.T) {
	require.Equal(t, []float64{1, 2, 3}, insertOrdered([]float64{1, 3}, 2, false))
	require.Equal(t, []float64{3, 2, 1}, insertOrdered([]float64{3, 1}, 2, true))
	require.Equal(t, []float64{5}, insertOrdered(nil, 5, false))
}

func TestScalarRamp(t *testing.T) {
	g := newTestGenerator()
	period := time.Second / 30

	values := g.Scalar(0, 10, 2*time.Second, period)
	require.Len(t, values, 60)
	require.Equal(t, 0.0, values[0])
	require.Equal(t, 10.0, values[len(values)-1])
	requireMonotonic(t, values, false)

	// Not even two steps fit: jump straight to the target.
	require.Equal(t, []float64{10}, g.Scalar(0, 10, 20*time.Millisecond, period))
	require.Equal(t, []float64{10}, g.Scalar(0, 10, 0, period))

	// Exactly two slots use the midpoint so the first fired value moves.
	require.Equal(t, []float64{5, 10}, g.Scalar(0, 10, 2*period+period/2, period))
}

func TestFill(t *testing.T) {
	require.Nil(t, Fill(0, 5, 0))
	require.Equal(t, []float64{5}, Fill(0, 5, 1))

	values := Fill(0, 5, 6)
	require.Len(t, values, 6)
	require.Equal(t, 0.0, values[0])
	require.Equal(t, 5.0, values[5])
	requireMonotonic(t, values, false)
}

func TestFrequencyPlan(t *testing.T) {
	g := newTestGenerator()
	targets := Targets{
		Max:  Target{Value: 60, Duration: time.Second},
		Rest: Target{Value: 30, Duration: time.Second},
		Min:  Target{Value: 10, Duration: time.Second},
	}
	plan := g.FrequencyPlan(30, targets)
	require.Equal(t, 60.0, plan.ToMax[len(plan.ToMax)-1])
	require.Equal(t, 30.0, plan.ToRest[len(plan.ToRest)-1])
	require.Equal(t, 10.0, plan.ToMin[len(plan.ToMin)-1])
	requireMonotonic(t, plan.ToMax, false)
	requireMonotonic(t, plan.ToMin, true)
}

func TestAmplitudePlan(t *testing.T) {
	g := newTestGenerator()
	targets := Targets{
		Max:  Target{Value: 20, Duration: 2 * time.Second},
		Rest: Target{Value: 5, Duration: 2 * time.Second},
		Min:  Target{Value: 0, Duration: 2 * time.Second},
	}
	plan := g.AmplitudePlan(5, targets, 30)
	require.Len(t, plan.ToMax, 60)
	require.Equal(t, 20.0, plan.ToMax[len(plan.ToMax)-1])
	require.Equal(t, 0.0, plan.ToMin[len(plan.ToMin)-1])
}

func requireMonotonic(t *testing.T, values []float64, descending bool) {
	t.Helper()
	for i := 1; i < len(values); i++ {
		if descending {
			require.LessOrEqual(t, values[i], values[i-1], "index %d", i)
		} else {
			require.GreaterOrEqual(t, values[i], values[i-1], "index %d", i)
		}
	}
}

// requirePeriodSumNearDuration checks that the implied pulse train spans the
// requested duration to within one pulse period.
func requirePeriodSumNearDuration(t *testing.T, values []float64, duration float64) {
	t.Helper()
	sum := 0.0
	longest := 0.0
	for _, v := range values {
		period := 1.0 / v
		sum += period
		longest = math.Max(longest, period)
	}
	require.InDelta(t, duration, sum, longest+1e-9)
}
