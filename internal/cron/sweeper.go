// Package cron runs the periodic maintenance sweeps: draft deletion
// timeouts, expired idempotency reservations, and dead letter
// retention. Each job carries a cron expression from config.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/actiongate/internal/outcome"
	"github.com/basket/actiongate/internal/persistence"
	"github.com/basket/actiongate/internal/trust"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Default job schedules.
const (
	DefaultDraftSweepExpr = "*/10 * * * *"
	DefaultPurgeExpr      = "0 * * * *"
	DefaultTrimExpr       = "30 3 * * *"
	// DefaultDLQRetention is how long dead letters stay on disk.
	DefaultDLQRetention = 14 * 24 * time.Hour
)

// Config holds the dependencies for the sweeper.
type Config struct {
	Store    *persistence.Store
	Recorder *outcome.Recorder
	// Scorer receives one deleted outcome per expired draft; ScoreCache,
	// when set, is invalidated for the touched keys.
	Scorer     *trust.Scorer
	ScoreCache *trust.CachedReader
	Logger     *slog.Logger
	Interval   time.Duration // tick interval; defaults to 1 minute if zero

	DraftSweepExpr  string
	PurgeExpr       string
	TrimExpr        string
	DeletionTimeout time.Duration
	DLQRetention    time.Duration
}

type job struct {
	name     string
	schedule cronlib.Schedule
	nextRun  time.Time
	run      func(ctx context.Context, now time.Time)
}

// Sweeper ticks once a minute and fires whichever jobs are due.
type Sweeper struct {
	logger   *slog.Logger
	interval time.Duration
	jobs     []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper builds the sweeper with its three maintenance jobs.
func NewSweeper(cfg Config) (*Sweeper, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	deletionTimeout := cfg.DeletionTimeout
	if deletionTimeout <= 0 {
		deletionTimeout = outcome.DefaultDeletionTimeout
	}
	retention := cfg.DLQRetention
	if retention <= 0 {
		retention = DefaultDLQRetention
	}

	s := &Sweeper{logger: logger, interval: interval}

	specs := []struct {
		name string
		expr string
		def  string
		run  func(ctx context.Context, now time.Time)
	}{
		{
			name: "draft_sweep", expr: cfg.DraftSweepExpr, def: DefaultDraftSweepExpr,
			run: func(ctx context.Context, _ time.Time) {
				expired, err := cfg.Recorder.SweepDeleted(ctx, deletionTimeout)
				if err != nil {
					logger.Error("draft sweep failed", "error", err)
					return
				}
				// Each expired draft is a failure signal for its key, not
				// just a history row.
				if cfg.Scorer != nil {
					for _, d := range expired {
						if err := cfg.Scorer.RecordOutcome(ctx, d.AppID, d.Category, outcome.OutcomeDeleted); err != nil {
							logger.Error("fold deleted draft into trust",
								"app_id", d.AppID, "category", d.Category, "error", err)
							continue
						}
						if cfg.ScoreCache != nil {
							cfg.ScoreCache.Invalidate(d.AppID, d.Category)
						}
					}
				}
				if len(expired) > 0 {
					logger.Info("drafts resolved as deleted", "count", len(expired))
				}
			},
		},
		{
			name: "reservation_purge", expr: cfg.PurgeExpr, def: DefaultPurgeExpr,
			run: func(ctx context.Context, now time.Time) {
				n, err := cfg.Store.PurgeExpiredOperations(ctx, now)
				if err != nil {
					logger.Error("reservation purge failed", "error", err)
					return
				}
				if n > 0 {
					logger.Info("expired reservations purged", "count", n)
				}
			},
		},
		{
			name: "dlq_trim", expr: cfg.TrimExpr, def: DefaultTrimExpr,
			run: func(ctx context.Context, now time.Time) {
				n, err := cfg.Store.TrimDeadLetters(ctx, now.Add(-retention))
				if err != nil {
					logger.Error("dead letter trim failed", "error", err)
					return
				}
				if n > 0 {
					logger.Info("dead letters trimmed", "count", n)
				}
			},
		},
	}
	for _, spec := range specs {
		expr := spec.expr
		if expr == "" {
			expr = spec.def
		}
		schedule, err := cronParser.Parse(expr)
		if err != nil {
			return nil, err
		}
		s.jobs = append(s.jobs, &job{name: spec.name, schedule: schedule, run: spec.run})
	}
	return s, nil
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	now := time.Now()
	for _, j := range s.jobs {
		j.nextRun = j.schedule.Next(now)
	}
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sweeper started", "interval", s.interval, "jobs", len(s.jobs))
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick fires every job whose schedule is due at now. Exported so tests
// and operators can force a sweep.
func (s *Sweeper) Tick(ctx context.Context, now time.Time) {
	for _, j := range s.jobs {
		if j.nextRun.IsZero() {
			j.nextRun = j.schedule.Next(now.Add(-time.Minute))
		}
		if now.Before(j.nextRun) {
			continue
		}
		j.run(ctx, now)
		j.nextRun = j.schedule.Next(now)
		s.logger.Debug("sweep job fired", "job", j.name, "next_run_at", j.nextRun)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
