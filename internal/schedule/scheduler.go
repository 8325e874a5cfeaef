// Package schedule runs the nightly sync on a cron expression. Failures are
// logged and swallowed so the scheduler stays armed for the next tick.
package schedule

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"azure-cost/internal/rates"
	"azure-cost/internal/syncer"
)

const (
	DefaultCronExpr = "0 0 * * *"
	DefaultTimezone = "Asia/Kolkata"
)

// Scheduler ties the rate refresher and the sync pipeline to a cron clock.
// At most one scheduled run executes at a time; an overlapping tick is
// skipped, not queued.
type Scheduler struct {
	pipeline  *syncer.Pipeline
	refresher *rates.Refresher
	logger    zerolog.Logger
	cron      *cron.Cron
	running   atomic.Bool
}

// New builds a scheduler for the given cron expression and IANA timezone.
func New(pipeline *syncer.Pipeline, refresher *rates.Refresher, expr, timezone string, logger zerolog.Logger) (*Scheduler, error) {
	if expr == "" {
		expr = DefaultCronExpr
	}
	if timezone == "" {
		timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}

	s := &Scheduler{
		pipeline:  pipeline,
		refresher: refresher,
		logger:    logger,
		cron:      cron.New(cron.WithLocation(loc)),
	}
	if _, err := s.cron.AddFunc(expr, s.tick); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	logger.Info().Str("cron", expr).Str("timezone", timezone).Msg("sync scheduler configured")
	return s, nil
}

// Start arms the scheduler. It returns immediately; jobs run on the cron's
// own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop disarms the scheduler and waits for an in-flight job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) tick() {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn().Msg("previous sync still running, skipping this tick")
		return
	}
	defer s.running.Store(false)

	s.RunOnce(context.Background())
}

// RunOnce executes one scheduled cycle: refresh currency rates, then run the
// full sync. A rate-refresh failure does not block the sync; stale rates are
// better than no prices. Errors are logged, never returned: the scheduler
// must survive any single bad night.
func (s *Scheduler) RunOnce(ctx context.Context) {
	start := time.Now()
	s.logger.Info().Msg("scheduled sync starting")

	if updated, err := s.refresher.Refresh(ctx); err != nil {
		s.logger.Error().Err(err).Msg("currency rate refresh failed, continuing with stored rates")
	} else {
		s.logger.Info().Int("rates_updated", updated).Msg("currency rates refreshed")
	}

	result, err := s.pipeline.RunFullSync(ctx)
	if err != nil {
		s.logger.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("scheduled sync failed")
		return
	}
	s.logger.Info().
		Str("sync_id", result.SyncID.String()).
		Int("items", result.ItemsSynced).
		Dur("elapsed", time.Since(start)).
		Msg("scheduled sync completed")
}
