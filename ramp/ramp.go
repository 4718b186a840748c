package ramp

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Plan holds the precomputed transition sequences from a current parameter
// value to the three named targets. A plan is recomputed whenever its driving
// baseline value or the ramp settings change and is discarded once superseded.
type Plan struct {
	ToMax  []float64
	ToRest []float64
	ToMin  []float64
}

// Target describes one named ramp destination.
type Target struct {
	Value    float64
	Duration time.Duration
}

// Targets groups the three destinations a parameter can ramp towards.
type Targets struct {
	Max  Target
	Rest Target
	Min  Target
}

// Generator computes ramp sequences. It carries a logger so infeasible ramps
// can be reported without turning them into errors.
type Generator struct {
	logger zerolog.Logger
}

// NewGenerator returns a generator reporting degraded ramps to the given logger.
func NewGenerator(logger zerolog.Logger) *Generator {
	return &Generator{logger: logger}
}

// Frequency generates the ordered frequency values of a ramp from start to end
// over the given duration.
//
// The spacing between two returned values is the period of the earlier value,
// so the time axis cannot be sampled at fixed steps: each value is evaluated
// on the linear interpolation f(t), then t advances by 1/f(t). The walk stops
// once the next period no longer fits inside the duration. The remaining gap
// is closed by the one frequency whose period lands a pulse exactly on the
// duration boundary; that candidate is spliced in at its rank-correct position
// (the sequence is monotonic by construction) and discarded when it falls
// outside [min(start,end), max(start,end)], which means the ramp was too short
// to fit another step. The final element always equals end exactly.
//
// A zero duration returns [end].
func (g *Generator) Frequency(start, end float64, duration time.Duration) []float64 {
	if duration <= 0 {
		return []float64{end}
	}
	total := duration.Seconds()
	descending := end < start

	values := make([]float64, 0, int(total*math.Max(start, end))+2)
	t := 0.0
	frequency := start
	period := 1.0 / frequency
	for t+period <= total {
		values = append(values, frequency)
		t += period
		frequency = start + (end-start)*(t/total)
		period = 1.0 / frequency
	}

	if t < total {
		candidate := 1.0 / (total - t)
		low := math.Min(start, end)
		high := math.Max(start, end)
		if candidate > low && candidate < high {
			values = insertOrdered(values, candidate, descending)
		} else if start != end {
			g.logger.Warn().
				Float64("start", start).
				Float64("end", end).
				Dur("duration", duration).
				Float64("candidate", candidate).
				Msg("ramp too short for boundary step, candidate discarded")
		}
	}

	return append(values, end)
}

// insertOrdered splices value into a monotonic sequence at its rank-correct
// position.
func insertOrdered(values []float64, value float64, descending bool) []float64 {
	var idx int
	if descending {
		idx = sort.Search(len(values), func(i int) bool { return values[i] <= value })
	} else {
		idx = sort.SearchFloat64s(values, value)
	}
	values = append(values, 0)
	copy(values[idx+1:], values[idx:])
	values[idx] = value
	return values
}

// Scalar generates a ramp for parameters whose value does not influence the
// sampling interval, such as amplitude: floor(duration/period) linearly spaced
// values from start to end inclusive. When not even two steps fit, the ramp
// degrades to [end]; with exactly two slots the first fired value is the
// midpoint rather than the unchanged start value.
func (g *Generator) Scalar(start, end float64, duration, period time.Duration) []float64 {
	if period <= 0 {
		return []float64{end}
	}
	count := int(duration / period)
	switch {
	case count <= 1:
		if count < 1 {
			g.logger.Warn().
				Float64("start", start).
				Float64("end", end).
				Dur("duration", duration).
				Dur("period", period).
				Msg("ramp shorter than one pulse period, jumping to target")
		}
		return []float64{end}
	case count == 2:
		return []float64{(start + end) / 2, end}
	default:
		return linspace(start, end, count)
	}
}

// Fill produces count amplitudes to pair one-to-one with a frequency ramp of
// the same length, moving linearly from start to end.
func Fill(start, end float64, count int) []float64 {
	if count <= 0 {
		return nil
	}
	if count == 1 {
		return []float64{end}
	}
	return linspace(start, end, count)
}

func linspace(start, end float64, count int) []float64 {
	values := make([]float64, count)
	step := (end - start) / float64(count-1)
	for i := range values {
		values[i] = start + step*float64(i)
	}
	values[count-1] = end
	return values
}

// FrequencyPlan computes the three frequency transitions away from current.
func (g *Generator) FrequencyPlan(current float64, targets Targets) Plan {
	return Plan{
		ToMax:  g.Frequency(current, targets.Max.Value, targets.Max.Duration),
		ToRest: g.Frequency(current, targets.Rest.Value, targets.Rest.Duration),
		ToMin:  g.Frequency(current, targets.Min.Value, targets.Min.Duration),
	}
}

// AmplitudePlan computes the three amplitude transitions away from current.
// The sampling interval is the period of the frequency the stream is running
// at while the amplitude ramps.
func (g *Generator) AmplitudePlan(current float64, targets Targets, frequency float64) Plan {
	period := time.Duration(float64(time.Second) / frequency)
	return Plan{
		ToMax:  g.Scalar(current, targets.Max.Value, targets.Max.Duration, period),
		ToRest: g.Scalar(current, targets.Rest.Value, targets.Rest.Duration, period),
		ToMin:  g.Scalar(current, targets.Min.Value, targets.Min.Duration, period),
	}
}
