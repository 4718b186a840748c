package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openstim/stimflow/ramp"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "500ms" or "2s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// DeviceConfig bounds what the connected stimulator accepts. Parameter values
// outside these limits are rejected at the manager boundary.
type DeviceConfig struct {
	Channels      int     `yaml:"channels"`
	MaxAmplitude  float64 `yaml:"max_amplitude"`
	AmplitudeStep float64 `yaml:"amplitude_step"`
	MinFrequency  float64 `yaml:"min_frequency"`
	MaxFrequency  float64 `yaml:"max_frequency"`
}

// DefaultsConfig seeds the manager state before the first operator input.
type DefaultsConfig struct {
	Channel   int     `yaml:"channel"`
	Frequency float64 `yaml:"frequency"`
	Amplitude float64 `yaml:"amplitude"`
}

// StimulationConfig holds the initial runtime switches of the pulse stream.
type StimulationConfig struct {
	LiveUpdates bool `yaml:"live_updates"`
}

// TargetConfig describes one named ramp destination.
type TargetConfig struct {
	Value    float64  `yaml:"value"`
	Duration Duration `yaml:"duration"`
}

// TargetsConfig groups the three destinations a parameter can ramp towards.
type TargetsConfig struct {
	Max  TargetConfig `yaml:"max"`
	Rest TargetConfig `yaml:"rest"`
	Min  TargetConfig `yaml:"min"`
}

// Targets converts the configuration into the generator's value type.
func (t TargetsConfig) Targets() ramp.Targets {
	return ramp.Targets{
		Max:  ramp.Target{Value: t.Max.Value, Duration: t.Max.Duration.Duration},
		Rest: ramp.Target{Value: t.Rest.Value, Duration: t.Rest.Duration.Duration},
		Min:  ramp.Target{Value: t.Min.Value, Duration: t.Min.Duration.Duration},
	}
}

// RampsConfig holds the ramp destinations per parameter.
type RampsConfig struct {
	Frequency TargetsConfig `yaml:"frequency"`
	Amplitude TargetsConfig `yaml:"amplitude"`
}

// SafetyConfig lists interlock expressions evaluated against every staged
// pulse. Each rule must evaluate to a boolean; a false result vetoes the
// parameter change.
type SafetyConfig struct {
	Rules []string `yaml:"rules"`
}

// LokiConfig configures optional log shipping to a Loki endpoint.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig controls the zerolog setup.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig controls the metrics collector.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"`
	Listen   string `yaml:"listen"`
}

// Config is the root configuration document.
type Config struct {
	Device      DeviceConfig      `yaml:"device"`
	Defaults    DefaultsConfig    `yaml:"defaults"`
	Stimulation StimulationConfig `yaml:"stimulation"`
	Ramps       RampsConfig       `yaml:"ramps"`
	Safety      SafetyConfig      `yaml:"safety"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	HotReload   bool              `yaml:"hot_reload"`

	path string
}

// Load reads, schema-checks, decodes and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := validateSchema(path, data); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.path = path
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SourceFiles lists the files the watcher should track for hot reloads.
func SourceFiles(cfg *Config) []string {
	if cfg == nil || cfg.path == "" {
		return nil
	}
	return []string{cfg.path}
}

// Normalize fills unset fields with the documented defaults.
func (c *Config) Normalize() {
	if c.Device.Channels == 0 {
		c.Device.Channels = 8
	}
	if c.Device.MaxAmplitude == 0 {
		c.Device.MaxAmplitude = 100
	}
	if c.Device.MinFrequency == 0 {
		c.Device.MinFrequency = 1
	}
	if c.Device.MaxFrequency == 0 {
		c.Device.MaxFrequency = 500
	}
	if c.Defaults.Frequency == 0 {
		c.Defaults.Frequency = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Telemetry.Provider == "" {
		c.Telemetry.Provider = "prometheus"
	}
	if c.Telemetry.Listen == "" {
		c.Telemetry.Listen = ":9090"
	}
}

// Validate checks cross-field consistency after normalization.
func (c *Config) Validate() error {
	if c.Device.Channels <= 0 {
		return fmt.Errorf("device: channels must be positive")
	}
	if c.Device.MinFrequency <= 0 {
		return fmt.Errorf("device: min_frequency must be greater than zero")
	}
	if c.Device.MaxFrequency < c.Device.MinFrequency {
		return fmt.Errorf("device: max_frequency %g below min_frequency %g", c.Device.MaxFrequency, c.Device.MinFrequency)
	}
	if c.Device.MaxAmplitude < 0 || c.Device.AmplitudeStep < 0 {
		return fmt.Errorf("device: amplitude limits must not be negative")
	}
	if c.Defaults.Channel < 0 || c.Defaults.Channel >= c.Device.Channels {
		return fmt.Errorf("defaults: channel %d outside device range [0,%d)", c.Defaults.Channel, c.Device.Channels)
	}
	if c.Defaults.Frequency < c.Device.MinFrequency || c.Defaults.Frequency > c.Device.MaxFrequency {
		return fmt.Errorf("defaults: frequency %g outside device range [%g,%g]", c.Defaults.Frequency, c.Device.MinFrequency, c.Device.MaxFrequency)
	}
	if c.Defaults.Amplitude < 0 || c.Defaults.Amplitude > c.Device.MaxAmplitude {
		return fmt.Errorf("defaults: amplitude %g outside device range [0,%g]", c.Defaults.Amplitude, c.Device.MaxAmplitude)
	}
	// A zero frequency target means "not configured"; RequestRamp rejects it.
	if err := validateTargets("ramps.frequency", c.Ramps.Frequency, c.Device.MinFrequency, c.Device.MaxFrequency, true); err != nil {
		return err
	}
	if err := validateTargets("ramps.amplitude", c.Ramps.Amplitude, 0, c.Device.MaxAmplitude, false); err != nil {
		return err
	}
	for i, rule := range c.Safety.Rules {
		if strings.TrimSpace(rule) == "" {
			return fmt.Errorf("safety: rule %d is empty", i)
		}
	}
	if c.Logging.Loki.Enabled && c.Logging.Loki.URL == "" {
		return fmt.Errorf("logging: loki enabled without url")
	}
	return nil
}

func validateTargets(section string, targets TargetsConfig, low, high float64, allowZero bool) error {
	for _, named := range []struct {
		name   string
		target TargetConfig
	}{
		{"max", targets.Max},
		{"rest", targets.Rest},
		{"min", targets.Min},
	} {
		if named.target.Duration.Duration < 0 {
			return fmt.Errorf("%s.%s: duration must not be negative", section, named.name)
		}
		if allowZero && named.target.Value == 0 {
			continue
		}
		if named.target.Value < low || named.target.Value > high {
			return fmt.Errorf("%s.%s: value %g outside device range [%g,%g]", section, named.name, named.target.Value, low, high)
		}
	}
	return nil
}
