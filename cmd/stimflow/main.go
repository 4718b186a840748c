package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openstim/stimflow/config"
	"github.com/openstim/stimflow/drivers/sim"
	"github.com/openstim/stimflow/internal/logging"
	"github.com/openstim/stimflow/internal/reload"
	"github.com/openstim/stimflow/ramp"
	"github.com/openstim/stimflow/service"
	"github.com/openstim/stimflow/telemetry"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	healthcheck := flag.Bool("healthcheck", false, "Run a health check and exit")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	driver := flag.String("driver", "sim", "Stimulator driver to use")
	simLatency := flag.Duration("sim-latency", 0, "Per-call latency of the simulated device")
	metricsListen := flag.String("metrics-listen", "", "Metrics listen address (overrides telemetry.listen)")
	flag.Parse()

	if *healthcheck {
		if err := executeHealthCheck(*cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		os.Exit(executeConfigCheck(cfg))
	}
	if *metricsListen != "" {
		cfg.Telemetry.Listen = *metricsListen
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	collector, err := newTelemetryCollector(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
		collector = telemetry.Noop()
	}

	if cfg.HotReload {
		if err := runWithHotReload(ctx, *cfgPath, cfg, *driver, *simLatency, collector); err != nil {
			if err == context.Canceled {
				return
			}
			log.Fatal().Err(err).Msg("service stopped")
		}
		return
	}

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	serveMetrics(cfg.Telemetry, logger)

	device, err := newDevice(*driver, *simLatency, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create device")
	}

	svc, err := service.New(cfg, device, logger, collector)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create service")
	}

	if err := svc.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("service stopped with error")
	}
}

func executeHealthCheck(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return service.Validate(cfg, zerolog.Nop())
}

func executeConfigCheck(cfg *config.Config) int {
	if err := service.Validate(cfg, zerolog.Nop()); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}

	fmt.Printf("Device: %d channels, amplitude 0-%g mA (step %g), frequency %g-%g Hz\n",
		cfg.Device.Channels, cfg.Device.MaxAmplitude, cfg.Device.AmplitudeStep,
		cfg.Device.MinFrequency, cfg.Device.MaxFrequency)
	fmt.Printf("Defaults: channel %d, %g Hz, %g mA\n",
		cfg.Defaults.Channel, cfg.Defaults.Frequency, cfg.Defaults.Amplitude)

	gen := ramp.NewGenerator(zerolog.Nop())
	printPlan("Frequency ramps", gen.FrequencyPlan(cfg.Defaults.Frequency, cfg.Ramps.Frequency.Targets()))
	printPlan("Amplitude ramps", gen.AmplitudePlan(cfg.Defaults.Amplitude, cfg.Ramps.Amplitude.Targets(), cfg.Defaults.Frequency))

	if len(cfg.Safety.Rules) == 0 {
		fmt.Println("Safety rules: <none>")
	} else {
		fmt.Println("Safety rules:")
		for _, rule := range cfg.Safety.Rules {
			fmt.Printf("  - %s\n", rule)
		}
	}

	fmt.Println("Configuration check completed successfully.")
	return 0
}

func printPlan(title string, plan ramp.Plan) {
	fmt.Printf("%s:\n", title)
	for _, entry := range []struct {
		name   string
		values []float64
	}{
		{"max", plan.ToMax},
		{"rest", plan.ToRest},
		{"min", plan.ToMin},
	} {
		if len(entry.values) == 0 {
			fmt.Printf("  to %s: <not configured>\n", entry.name)
			continue
		}
		fmt.Printf("  to %s: %d steps, target %g\n", entry.name, len(entry.values), entry.values[len(entry.values)-1])
	}
}

func runWithHotReload(ctx context.Context, cfgPath string, initialCfg *config.Config, driver string, simLatency time.Duration, collector telemetry.Collector) error {
	if collector == nil {
		collector = telemetry.Noop()
	}
	watcher, err := reload.NewWatcher(cfgPath, initialCfg)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	metricsStarted := false
	cfg := initialCfg
	for {
		logger, cleanup, err := logging.Setup(cfg.Logging)
		if err != nil {
			return err
		}
		log.Logger = logger

		if !metricsStarted {
			serveMetrics(cfg.Telemetry, logger)
			metricsStarted = true
		}

		device, err := newDevice(driver, simLatency, logger)
		if err != nil {
			cleanup()
			return err
		}
		svc, err := service.New(cfg, device, logger, collector)
		if err != nil {
			cleanup()
			return err
		}

		runCtx, cancelRun := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() {
			errCh <- svc.Run(runCtx)
		}()

		reloadRequested := false
		var changed []string

	loop:
		for {
			select {
			case <-ctx.Done():
				cancelRun()
				if err := <-errCh; err != nil {
					cleanup()
					return err
				}
				cleanup()
				return ctx.Err()
			case err := <-errCh:
				cancelRun()
				cleanup()
				return err
			case <-ticker.C:
				changes, err := watcher.Check()
				if err != nil {
					logger.Error().Err(err).Msg("failed to check configuration changes")
					continue
				}
				if len(changes) == 0 {
					continue
				}
				newCfg, err := config.Load(cfgPath)
				if err != nil {
					logger.Error().Err(err).Msg("failed to reload configuration")
					continue
				}
				if err := service.Validate(newCfg, logger); err != nil {
					logger.Error().Err(err).Msg("reloaded configuration invalid")
					continue
				}
				if onlyRampsChanged(cfg, newCfg) {
					// Ramp destinations can change under a running
					// stream; everything else needs a restart.
					svc.Manager().UpdateRampSettings(
						newCfg.Ramps.Frequency.Targets(),
						newCfg.Ramps.Amplitude.Targets(),
					)
					if err := watcher.Update(cfgPath, newCfg); err != nil {
						logger.Error().Err(err).Msg("failed to update watcher state")
					}
					cfg = newCfg
					for _, file := range changes {
						collector.IncHotReload(file)
					}
					logger.Info().Msg("ramp settings reloaded in place")
					continue
				}
				cancelRun()
				if err := <-errCh; err != nil {
					logger.Error().Err(err).Msg("service stopped during reload")
				}
				cleanup()
				if err := watcher.Update(cfgPath, newCfg); err != nil {
					logger.Error().Err(err).Msg("failed to update watcher state")
				}
				changed = changes
				cfg = newCfg
				reloadRequested = true
				break loop
			}
		}

		if !reloadRequested {
			return nil
		}
		for _, file := range changed {
			collector.IncHotReload(file)
		}
	}
}

// onlyRampsChanged reports whether the two configurations differ in the ramps
// section and nowhere else.
func onlyRampsChanged(prev, next *config.Config) bool {
	a, b := *prev, *next
	a.Ramps, b.Ramps = config.RampsConfig{}, config.RampsConfig{}
	return reflect.DeepEqual(a, b) && !reflect.DeepEqual(prev.Ramps, next.Ramps)
}

func newDevice(driver string, simLatency time.Duration, logger zerolog.Logger) (service.Stimulator, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sim":
		return sim.New(logger, sim.Options{Latency: simLatency}), nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "prometheus":
		collector, err := telemetry.NewPrometheusCollector(nil)
		if err != nil {
			return nil, err
		}
		return collector, nil
	default:
		return telemetry.Noop(), fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}

func serveMetrics(cfg config.TelemetryConfig, logger zerolog.Logger) {
	if !cfg.Enabled || cfg.Listen == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		logger.Info().Str("listen", cfg.Listen).Msg("metrics endpoint started")
		if err := http.ListenAndServe(cfg.Listen, mux); err != nil {
			logger.Error().Err(err).Msg("metrics endpoint failed")
		}
	}()
}
