package telemetry

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the runtime.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with the pulse loop.
type Collector interface {
	IncPulse(channel int)
	SetEffective(frequency, amplitude float64)
	ObservePeriodError(seconds float64)
	IncRampCompleted(parameter, direction string)
	IncHardwareFault()
	IncHotReload(file string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncPulse(int)                  {}
func (noopCollector) SetEffective(float64, float64) {}
func (noopCollector) ObservePeriodError(float64)    {}
func (noopCollector) IncRampCompleted(string, string) {
}
func (noopCollector) IncHardwareFault()  {}
func (noopCollector) IncHotReload(string) {
}

// PrometheusCollector exposes runtime counters via Prometheus.
type PrometheusCollector struct {
	pulses         *prometheus.CounterVec
	frequency      prometheus.Gauge
	amplitude      prometheus.Gauge
	periodError    prometheus.Histogram
	rampsCompleted *prometheus.CounterVec
	hardwareFaults prometheus.Counter
	hotReloads     *prometheus.CounterVec
}

// Metrics are cached per process so repeated collector construction (for
// example across hot reloads) reuses the registered instances instead of
// failing with duplicate registration errors.
var (
	metricsMu           sync.Mutex
	pulsesCounter       *prometheus.CounterVec
	frequencyGauge      prometheus.Gauge
	amplitudeGauge      prometheus.Gauge
	periodErrorHist     prometheus.Histogram
	rampsCounter        *prometheus.CounterVec
	hardwareFaultsTotal prometheus.Counter
	hotReloadCounter    *prometheus.CounterVec
)

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	metricsMu.Lock()
	defer metricsMu.Unlock()

	if pulsesCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stimflow_pulses_total",
			Help: "Number of stimulation pulses triggered per channel.",
		}, []string{"channel"})
		registered, err := registerCounterVec(reg, counter)
		if err != nil {
			return nil, err
		}
		pulsesCounter = registered
	}
	if frequencyGauge == nil {
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stimflow_effective_frequency_hz",
			Help: "Frequency of the pulse most recently handed to the worker.",
		})
		registered, err := registerGauge(reg, gauge)
		if err != nil {
			return nil, err
		}
		frequencyGauge = registered
	}
	if amplitudeGauge == nil {
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stimflow_effective_amplitude_ma",
			Help: "Amplitude of the pulse most recently handed to the worker.",
		})
		registered, err := registerGauge(reg, gauge)
		if err != nil {
			return nil, err
		}
		amplitudeGauge = registered
	}
	if periodErrorHist == nil {
		hist := prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stimflow_period_error_seconds",
			Help:    "Deviation between the nominal pulse period and the achieved cycle time.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		})
		registered, err := registerHistogram(reg, hist)
		if err != nil {
			return nil, err
		}
		periodErrorHist = registered
	}
	if rampsCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stimflow_ramps_completed_total",
			Help: "Number of parameter ramps run to completion.",
		}, []string{"parameter", "direction"})
		registered, err := registerCounterVec(reg, counter)
		if err != nil {
			return nil, err
		}
		rampsCounter = registered
	}
	if hardwareFaultsTotal == nil {
		counter := prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stimflow_hardware_faults_total",
			Help: "Number of stimulator faults that terminated a run.",
		})
		registered, err := registerCounter(reg, counter)
		if err != nil {
			return nil, err
		}
		hardwareFaultsTotal = registered
	}
	if hotReloadCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stimflow_config_hot_reload_total",
			Help: "Number of hot reload operations triggered per configuration source file.",
		}, []string{"file"})
		registered, err := registerCounterVec(reg, counter)
		if err != nil {
			return nil, err
		}
		hotReloadCounter = registered
	}

	return &PrometheusCollector{
		pulses:         pulsesCounter,
		frequency:      frequencyGauge,
		amplitude:      amplitudeGauge,
		periodError:    periodErrorHist,
		rampsCompleted: rampsCounter,
		hardwareFaults: hardwareFaultsTotal,
		hotReloads:     hotReloadCounter,
	}, nil
}

func registerCounterVec(reg prometheus.Registerer, counter *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return hist, nil
}

// IncPulse counts a triggered pulse on the given channel.
func (c *PrometheusCollector) IncPulse(channel int) {
	c.pulses.WithLabelValues(strconv.Itoa(channel)).Inc()
}

// SetEffective publishes the parameters of the pulse currently being fired.
func (c *PrometheusCollector) SetEffective(frequency, amplitude float64) {
	c.frequency.Set(frequency)
	c.amplitude.Set(amplitude)
}

// ObservePeriodError records the timing deviation of one pulse cycle.
func (c *PrometheusCollector) ObservePeriodError(seconds float64) {
	c.periodError.Observe(seconds)
}

// IncRampCompleted counts a ramp run to completion.
func (c *PrometheusCollector) IncRampCompleted(parameter, direction string) {
	c.rampsCompleted.WithLabelValues(parameter, direction).Inc()
}

// IncHardwareFault counts a stimulator fault that terminated a run.
func (c *PrometheusCollector) IncHardwareFault() {
	c.hardwareFaults.Inc()
}

// IncHotReload counts a configuration hot reload.
func (c *PrometheusCollector) IncHotReload(file string) {
	c.hotReloads.WithLabelValues(file).Inc()
}

// ResetForTest clears the cached metrics. This helper is intended for tests only.
func ResetForTest() {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	pulsesCounter = nil
	frequencyGauge = nil
	amplitudeGauge = nil
	periodErrorHist = nil
	rampsCounter = nil
	hardwareFaultsTotal = nil
	hotReloadCounter = nil
}
