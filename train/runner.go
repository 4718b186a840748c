package train

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Controller is the parameter surface the runner drives. The stimulation
// manager satisfies it.
type Controller interface {
	SetChannel(channel int) error
	SetFrequency(hz float64) error
	SetAmplitude(ma float64) error
	ApplyChanges()
}

// Runner plays a timeline against a controller, switching parameters at each
// event boundary and holding them for the event's duration.
type Runner struct {
	logger     zerolog.Logger
	controller Controller
}

func NewRunner(controller Controller, logger zerolog.Logger) *Runner {
	return &Runner{
		logger:     logger.With().Str("component", "train").Logger(),
		controller: controller,
	}
}

// Play runs the timeline from the beginning. Each event's parameters apply
// atomically at its start. Cancellation between or during events stops the
// train; the parameters active at that moment stay in effect, so the caller
// decides whether to stop stimulation as well.
func (r *Runner) Play(ctx context.Context, timeline *Timeline) error {
	events := timeline.Events()
	r.logger.Info().
		Int("events", len(events)).
		Dur("total", timeline.TotalDuration()).
		Msg("train started")

	for i, event := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.apply(event); err != nil {
			return fmt.Errorf("train event %d: %w", i, err)
		}
		r.logger.Debug().
			Int("event", i).
			Int("channel", event.Channel).
			Float64("frequency", event.Frequency).
			Float64("amplitude", event.Amplitude).
			Dur("duration", event.Duration).
			Msg("train event applied")

		timer := time.NewTimer(event.Duration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	r.logger.Info().Msg("train completed")
	return nil
}

func (r *Runner) apply(event Event) error {
	if err := r.controller.SetChannel(event.Channel); err != nil {
		return err
	}
	if err := r.controller.SetFrequency(event.Frequency); err != nil {
		return err
	}
	if err := r.controller.SetAmplitude(event.Amplitude); err != nil {
		return err
	}
	r.controller.ApplyChanges()
	return nil
}
