package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/openstim/stimflow/config"
	"github.com/openstim/stimflow/telemetry"
)

// Validate checks that a configuration can actually back a running service,
// beyond what schema and range checks cover. It compiles the safety rules and
// builds the initial parameter state.
func Validate(cfg *config.Config, logger zerolog.Logger) error {
	_, err := NewManager(cfg, logger, telemetry.Noop())
	return err
}

// Service bundles the manager and coordinator behind a single handle.
type Service struct {
	logger      zerolog.Logger
	manager     *Manager
	coordinator *Coordinator
}

// New wires a manager and coordinator for the given device.
func New(cfg *config.Config, device Stimulator, logger zerolog.Logger, collector telemetry.Collector) (*Service, error) {
	if collector == nil {
		collector = telemetry.Noop()
	}
	manager, err := NewManager(cfg, logger, collector)
	if err != nil {
		return nil, err
	}
	return &Service{
		logger:      logger,
		manager:     manager,
		coordinator: NewCoordinator(manager, device, logger, collector),
	}, nil
}

// Manager exposes the parameter store.
func (s *Service) Manager() *Manager {
	return s.manager
}

// Coordinator exposes the lifecycle controls.
func (s *Service) Coordinator() *Coordinator {
	return s.coordinator
}

// Run starts stimulation and blocks until the context is cancelled or the
// worker terminates on its own. A context cancellation performs a clean stop
// and returns nil; a worker fault is returned as the error.
func (s *Service) Run(ctx context.Context) error {
	s.coordinator.Start()
	select {
	case <-ctx.Done():
		s.coordinator.Stop()
		return nil
	case <-s.coordinator.Done():
		return s.coordinator.Err()
	}
}
