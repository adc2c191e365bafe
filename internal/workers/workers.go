// Package workers runs background jobs on a fixed period.
package workers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

// Periodic runs Job every Interval. A tick that fires while the previous run is
// still in progress is dropped, never queued.
type Periodic struct {
	Name     string
	Interval time.Duration
	Job      Job
	// RunAtStart triggers one run immediately instead of waiting a full interval.
	RunAtStart bool
	Logger     zerolog.Logger

	running atomic.Bool
	skipped atomic.Int64
}

// Start blocks until ctx is cancelled, then waits for the in-flight run to
// return.
func (p *Periodic) Start(ctx context.Context) error {
	if p.Interval <= 0 {
		return errors.New("workers: interval must be positive")
	}
	if p.Job == nil {
		return errors.New("workers: job is required")
	}

	logger := p.Logger.With().Str("worker", p.Name).Logger()
	logger.Info().Dur("interval", p.Interval).Msg("worker started")

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	if p.RunAtStart {
		p.trigger(ctx, &wg, logger)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("worker stopping")
			return nil
		case <-ticker.C:
			p.trigger(ctx, &wg, logger)
		}
	}
}

// Skipped reports how many ticks were dropped because a run was in progress.
func (p *Periodic) Skipped() int64 {
	return p.skipped.Load()
}

func (p *Periodic) trigger(ctx context.Context, wg *sync.WaitGroup, logger zerolog.Logger) {
	if !p.running.CompareAndSwap(false, true) {
		p.skipped.Add(1)
		logger.Debug().Msg("previous run still in progress, tick skipped")
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer p.running.Store(false)
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Interface("panic", r).Msg("worker run panicked")
			}
		}()

		if err := p.Job(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("worker run failed")
		}
	}()
}
