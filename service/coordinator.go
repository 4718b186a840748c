package service

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/openstim/stimflow/telemetry"
)

// Coordinator owns the worker goroutine's lifecycle. It guarantees at most
// one worker at a time, joins it deterministically on Stop and preserves the
// error of a worker that died on its own.
type Coordinator struct {
	logger    zerolog.Logger
	collector telemetry.Collector
	manager   *Manager
	device    Stimulator

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
	err  error
}

func NewCoordinator(manager *Manager, device Stimulator, logger zerolog.Logger, collector telemetry.Collector) *Coordinator {
	return &Coordinator{
		logger:    logger.With().Str("component", "coordinator").Logger(),
		collector: collector,
		manager:   manager,
		device:    device,
	}
}

// Start launches the worker goroutine. Calling Start while a worker is
// already running only clears a pause, so a double start can never spawn a
// second loop.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		c.manager.SetPaused(false)
		c.logger.Debug().Msg("start while running, resuming")
		return
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	c.stop, c.done, c.err = stop, done, nil
	c.manager.SetPaused(false)
	c.manager.setRunning(true)

	w := newWorker(c.manager, c.device, c.logger, c.collector)
	go func() {
		err := w.run(stop)
		c.mu.Lock()
		// A worker that died on its own cleans up after itself so the
		// next Start works; Stop may already have taken ownership.
		if c.done == done {
			c.err = err
			c.stop = nil
			c.done = nil
		}
		c.mu.Unlock()
		c.manager.setRunning(false)
		close(done)
	}()
	c.logger.Info().Msg("stimulation started")
}

// Stop signals the worker and blocks until it has exited and zeroed the
// device. Safe to call when nothing is running.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	c.logger.Info().Msg("stimulation stopped")
}

// Pause freezes pulse consumption while keeping the worker alive.
func (c *Coordinator) Pause() {
	c.manager.SetPaused(true)
	c.logger.Info().Msg("stimulation paused")
}

// Resume lifts a pause.
func (c *Coordinator) Resume() {
	c.manager.SetPaused(false)
	c.logger.Info().Msg("stimulation resumed")
}

// Running reports whether a worker goroutine is currently alive.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop != nil
}

// Err returns the error of the last worker that terminated on its own, or
// nil after a clean stop.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done returns a channel that is closed once the current worker has exited.
// Without a running worker it returns an already closed channel.
func (c *Coordinator) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}
