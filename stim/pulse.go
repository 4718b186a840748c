package stim

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Pulse describes a single stimulation trigger event. Instances are immutable
// values; the worker receives them by value and the manager never mutates a
// pulse after construction.
type Pulse struct {
	Channel   int
	Frequency float64
	Amplitude float64
}

// NewPulse validates the parameters and returns the pulse value. Frequency
// must be strictly positive so that the derived period is well defined.
func NewPulse(channel int, frequency, amplitude float64) (Pulse, error) {
	if channel < 0 {
		return Pulse{}, &InvalidParameterError{Parameter: "channel", Value: float64(channel), Reason: "must not be negative"}
	}
	if frequency <= 0 {
		return Pulse{}, &InvalidParameterError{Parameter: "frequency", Value: frequency, Reason: "must be greater than zero"}
	}
	if amplitude < 0 {
		return Pulse{}, &InvalidParameterError{Parameter: "amplitude", Value: amplitude, Reason: "must not be negative"}
	}
	return Pulse{Channel: channel, Frequency: frequency, Amplitude: amplitude}, nil
}

// Period returns the wall-clock time between this pulse and the next one.
func (p Pulse) Period() time.Duration {
	return PeriodOf(p.Frequency)
}

// PeriodSeconds returns the period as a float, convenient for ramp math.
func (p Pulse) PeriodSeconds() float64 {
	return 1.0 / p.Frequency
}

// PeriodOf converts a frequency in hertz into the corresponding pulse period.
func PeriodOf(frequency float64) time.Duration {
	return time.Duration(float64(time.Second) / frequency)
}

// InvalidParameterError reports a parameter rejected at the manager boundary.
// The previous valid state is retained by the caller.
type InvalidParameterError struct {
	Parameter string
	Value     float64
	Reason    string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid %s %g: %s", e.Parameter, e.Value, e.Reason)
}

// QuantizeAmplitude rounds an amplitude to the nearest multiple of the device
// step size. The DS8R-style output stage only resolves discrete steps, and
// repeated float arithmetic on staged values must not drift away from them, so
// the rounding is done in decimal space. A step of zero disables quantization.
func QuantizeAmplitude(amplitude, step float64) float64 {
	if step <= 0 {
		return amplitude
	}
	value := decimal.NewFromFloat(amplitude)
	quantum := decimal.NewFromFloat(step)
	steps := value.Div(quantum).Round(0)
	return steps.Mul(quantum).InexactFloat64()
}
