package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval.
type TickFunc func(ctx context.Context, tick time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Name         string
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// RunImmediately fires the first tick right after the startup delay
	// instead of waiting one interval.
	RunImmediately bool
	// Clock defaults to the wall clock.
	Clock clockwork.Clock
}

// Scheduler drives one periodic job. Ticks never overlap: the next tick is
// scheduled only after the previous one returned.
type Scheduler struct {
	opts   Options
	clock  clockwork.Clock
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("scheduler %q: interval must be positive", opts.Name)
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		opts:   opts,
		clock:  clock,
		logger: logger.With().Str("component", "scheduler").Str("job", opts.Name).Logger(),
	}, nil
}

// Interval returns the configured cadence.
func (s *Scheduler) Interval() time.Duration { return s.opts.Interval }

// Run blocks, invoking tick at each interval until ctx is cancelled. Errors and
// panics from tick are logged and never stop the loop.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := s.wait(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	var next time.Time
	if s.opts.RunImmediately {
		next = s.clock.Now()
	} else {
		next = s.nextTick(s.clock.Now())
	}

	for {
		delay := next.Sub(s.clock.Now())
		if delay < 0 {
			skipped := int64(-delay / s.opts.Interval)
			if skipped > 0 {
				s.logger.Warn().Int64("skipped", skipped).Msg("tick overran interval; skipping missed ticks")
				next = next.Add(time.Duration(skipped) * s.opts.Interval)
			}
			delay = 0
		}

		if delay > 0 {
			s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")
			if err := s.wait(ctx, delay); err != nil {
				return err
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		tickAt := s.bucketStart(next)
		if err := s.safeTick(ctx, tick, tickAt); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Time("tick", tickAt).Msg("tick execution failed")
		}

		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) wait(ctx context.Context, d time.Duration) error {
	timer := s.clock.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

func (s *Scheduler) safeTick(ctx context.Context, tick TickFunc, at time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTickPanic, r)
		}
	}()
	return tick(ctx, at)
}

// ErrTickPanic wraps a panic recovered from a tick.
var ErrTickPanic = errors.New("tick panicked")

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
