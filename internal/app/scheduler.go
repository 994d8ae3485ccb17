package app

import (
	"context"
	"time"

	"cryptoSpotBot/internal/clock"
	"cryptoSpotBot/internal/ports"
)

// minTickGap is the shortest pause between ticks, even when a tick overran the interval.
const minTickGap = 5 * time.Second

// Scheduler runs a tick function once immediately and then once per interval, measured
// from the start of each tick. Ticks never overlap.
type Scheduler struct {
	interval time.Duration
	clock    clock.Clock
	logger   ports.Logger
}

// NewScheduler creates a scheduler. A nil clock means the system clock.
func NewScheduler(interval time.Duration, clk clock.Clock, logger ports.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Scheduler{interval: interval, clock: clk, logger: logger}
}

// Run blocks until ctx is cancelled (returning nil) or tick returns an error (returned).
func (s *Scheduler) Run(ctx context.Context, tick func(ctx context.Context) error) error {
	gap := min(minTickGap, s.interval)
	for {
		start := s.clock.Now()
		if err := tick(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		wait := max(s.interval-s.clock.Now().Sub(start), gap)
		s.logger.Debug(ctx, "Next tick scheduled", map[string]interface{}{"in": wait.String()})
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(wait):
		}
	}
}
