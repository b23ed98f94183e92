// Package scheduler drives periodic audit dispatch: it selects due
// publishers per schedule, orders them by priority, batches them with rate
// limiting, and skips publishers whose circuit breaker is open.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/adverify/siteauditor/internal/audit"
	"github.com/adverify/siteauditor/internal/breaker"
	"github.com/adverify/siteauditor/internal/telemetry"
)

// Defaults for batching and pacing.
const (
	defaultBatchSize        = 5
	defaultDispatchInterval = 2 * time.Second
	defaultStaleAfter       = 2 * time.Hour
)

// Priority weights. Risk dominates; age breaks near-ties so long-unaudited
// publishers are not starved by a few hot sites.
const (
	riskWeightHot     = 2.0
	riskWeightWarm    = 1.5
	riskHotThreshold  = 75.0
	riskWarmThreshold = 50.0

	ageWeightStale   = 1.5
	ageStaleDays     = 30
)

// Dispatcher hands one publisher to the downstream worker, typically by
// enqueueing an audit job.
type Dispatcher interface {
	Dispatch(ctx context.Context, publisher audit.Publisher) error
}

// Config controls batching, pacing, and stale-audit recovery.
type Config struct {
	BatchSize        int
	DispatchInterval time.Duration
	StaleAfter       time.Duration
}

// Scheduler owns the cron loop and the per-publisher circuit breaker.
type Scheduler struct {
	schedules  audit.ScheduleStore
	publishers audit.PublisherStore
	audits     audit.AuditStore
	dispatcher Dispatcher
	breaker    *breaker.Breaker
	clock      audit.Clock
	logger     *zap.Logger
	cfg        Config
	cron       *cron.Cron
}

// New creates a Scheduler, applying defaults for unset config fields.
func New(
	schedules audit.ScheduleStore,
	publishers audit.PublisherStore,
	audits audit.AuditStore,
	dispatcher Dispatcher,
	brk *breaker.Breaker,
	cfg Config,
	clock audit.Clock,
	logger *zap.Logger,
) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = defaultDispatchInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	return &Scheduler{
		schedules:  schedules,
		publishers: publishers,
		audits:     audits,
		dispatcher: dispatcher,
		breaker:    brk,
		clock:      clock,
		logger:     logger,
		cfg:        cfg,
	}
}

// Start registers every active schedule with the cron runner and starts it.
func (s *Scheduler) Start(ctx context.Context) error {
	defs, err := s.schedules.ListActiveSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list active schedules: %w", err)
	}

	s.cron = cron.New()
	for _, def := range defs {
		expr := def.CronExpression
		if expr == "" {
			expr = "@every " + def.Interval.String()
		}
		def := def
		if _, err := s.cron.AddFunc(expr, func() { s.RunSchedule(ctx, def) }); err != nil {
			return fmt.Errorf("register schedule %s (%q): %w", def.ID, expr, err)
		}
		s.logger.Info("schedule registered",
			zap.String("schedule_id", def.ID),
			zap.String("cron", expr),
		)
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron runner and waits for any running schedule to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunSchedule executes one tick of a schedule and persists the run outcome.
// A panic inside the run is recorded as a failed execution, never allowed to
// crash the process.
func (s *Scheduler) RunSchedule(ctx context.Context, def audit.ScheduleDefinition) (exec audit.ScheduleExecution) {
	start := s.clock.Now()
	exec.LastRunAt = start

	defer func() {
		if r := recover(); r != nil {
			exec.Status = audit.RunFailed
			exec.Error = fmt.Sprintf("schedule run panicked: %v", r)
			s.logger.Error("schedule run panicked",
				zap.String("schedule_id", def.ID),
				zap.Any("panic", r),
			)
		}
		exec.DurationMs = s.clock.Now().Sub(start).Milliseconds()
		if err := s.schedules.UpdateScheduleExecution(ctx, def.ID, exec); err != nil {
			s.logger.Error("failed to persist schedule execution",
				zap.String("schedule_id", def.ID),
				zap.Error(err),
			)
		}
	}()

	if n, err := s.audits.SupersedeStale(ctx, s.cfg.StaleAfter); err != nil {
		s.logger.Warn("stale audit supersede failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("superseded stale in-progress audits", zap.Int("count", n))
	}

	due, err := s.publishers.DuePublishers(ctx, def.Interval)
	if err != nil {
		exec.Status = audit.RunFailed
		exec.Error = err.Error()
		s.logger.Error("failed to load due publishers",
			zap.String("schedule_id", def.ID),
			zap.Error(err),
		)
		return exec
	}
	if len(due) == 0 {
		exec.Status = audit.RunCompletedNoJobs
		return exec
	}

	s.prioritize(due)
	queued, failed := s.dispatchBatches(ctx, due)
	exec.JobsQueued = queued
	exec.Status = audit.RunCompleted
	if failed > 0 {
		exec.Status = audit.RunCompletedErrors
	}

	telemetry.SetBreakersOpen(s.breaker.Open())
	s.logger.Info("schedule run finished",
		zap.String("schedule_id", def.ID),
		zap.Int("due", len(due)),
		zap.Int("queued", queued),
		zap.Int("failed", failed),
		zap.String("status", string(exec.Status)),
	)
	return exec
}

// dispatchBatches walks the prioritized list in fixed-size batches,
// sequentially within each batch, pacing dispatches with a rate limiter so
// the downstream worker is never burst-loaded.
func (s *Scheduler) dispatchBatches(ctx context.Context, due []audit.Publisher) (queued, failed int) {
	limiter := rate.NewLimiter(rate.Every(s.cfg.DispatchInterval), 1)
	for batchStart := 0; batchStart < len(due); batchStart += s.cfg.BatchSize {
		batch := due[batchStart:min(batchStart+s.cfg.BatchSize, len(due))]
		for _, pub := range batch {
			if !s.breaker.Allow(pub.ID) {
				failed++
				telemetry.ObserveCircuitSkip()
				s.logger.Warn("circuit open, skipping publisher",
					zap.String("publisher_id", pub.ID),
				)
				continue
			}
			// Wait only errors when ctx is cancelled, which ends the run.
			if err := limiter.Wait(ctx); err != nil {
				failed++
				return queued, failed
			}
			if err := s.dispatcher.Dispatch(ctx, pub); err != nil {
				failed++
				s.breaker.RecordFailure(pub.ID)
				s.logger.Warn("dispatch failed",
					zap.String("publisher_id", pub.ID),
					zap.Error(err),
				)
				continue
			}
			queued++
			s.breaker.RecordSuccess(pub.ID)
		}
	}
	return queued, failed
}

// prioritize sorts publishers by descending audit priority, tie-broken by id
// so run order is deterministic.
func (s *Scheduler) prioritize(pubs []audit.Publisher) {
	now := s.clock.Now()
	sort.SliceStable(pubs, func(i, j int) bool {
		wi, wj := priority(pubs[i], now), priority(pubs[j], now)
		if wi != wj {
			return wi > wj
		}
		return pubs[i].ID < pubs[j].ID
	})
}

func priority(pub audit.Publisher, now time.Time) float64 {
	riskWeight := 1.0
	switch {
	case pub.RiskScore > riskHotThreshold:
		riskWeight = riskWeightHot
	case pub.RiskScore > riskWarmThreshold:
		riskWeight = riskWeightWarm
	}

	ageWeight := 1.0
	if pub.LastAuditAt == nil || now.Sub(*pub.LastAuditAt) > ageStaleDays*24*time.Hour {
		ageWeight = ageWeightStale
	}
	return riskWeight * ageWeight
}
