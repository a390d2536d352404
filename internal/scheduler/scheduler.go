// Package scheduler runs the recurring market jobs on cron specs: the
// pre-open subscription refresh, the session-open reservation sweep, the
// close-time housekeeping and the nightly retry cleanup.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"stock_trader/internal/config"
	"stock_trader/internal/core"
	"stock_trader/pkg/telemetry"
)

// jobTimeout bounds each cron invocation.
const jobTimeout = 5 * time.Minute

// ReservationOpener promotes RESERVED orders at the session open.
type ReservationOpener interface {
	OpenReserved(ctx context.Context) (int, error)
}

// SubscriptionRefresher re-issues feed subscriptions pre-open.
type SubscriptionRefresher interface {
	RefreshSubscriptions(ctx context.Context) error
}

// Housekeeping is the close-time and nightly maintenance surface.
type Housekeeping interface {
	RepublishStale(ctx context.Context, stallThreshold time.Duration) (int, error)
	PersistCloses(ctx context.Context) (int, error)
	CleanupRetryRecords(ctx context.Context) (int, error)
}

// Scheduler wires the market jobs onto a seconds-resolution cron running in
// the market timezone.
type Scheduler struct {
	cfg      config.SchedulerConfig
	cron     *cron.Cron
	calendar core.ICalendar
	clock    core.IClock
	logger   core.ILogger

	opener      ReservationOpener
	housekeeper Housekeeping
	refresher   SubscriptionRefresher
	health      core.IHealthMonitor

	stallThreshold time.Duration
}

// NewScheduler builds the scheduler. refresher and health may be nil; their
// jobs are skipped.
func NewScheduler(
	cfg config.SchedulerConfig,
	loc *time.Location,
	opener ReservationOpener,
	housekeeper Housekeeping,
	refresher SubscriptionRefresher,
	health core.IHealthMonitor,
	calendar core.ICalendar,
	clock core.IClock,
	stallThreshold time.Duration,
	logger core.ILogger,
) *Scheduler {
	return &Scheduler{
		cfg:            cfg,
		cron:           cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		calendar:       calendar,
		clock:          clock,
		logger:         logger.WithField("component", "scheduler"),
		opener:         opener,
		housekeeper:    housekeeper,
		refresher:      refresher,
		health:         health,
		stallThreshold: stallThreshold,
	}
}

// Start registers every configured job and starts the cron loop.
func (s *Scheduler) Start() error {
	jobs := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{"pre_open_refresh", s.cfg.PreOpenRefresh, s.runPreOpenRefresh},
		{"market_open", s.cfg.MarketOpen, s.runMarketOpen},
		{"market_close", s.cfg.MarketClose, s.runMarketClose},
		{"retry_cleanup", s.cfg.RetryCleanup, s.runRetryCleanup},
		{"health_report", s.cfg.HealthReport, s.runHealthReport},
	}

	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		run := job.run
		_, err := s.cron.AddFunc(job.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			run(ctx)
		})
		if err != nil {
			return fmt.Errorf("invalid cron spec for %s (%q): %w", job.name, job.spec, err)
		}
	}

	s.cron.Start()
	s.logger.Info("Scheduler started", "jobs", len(s.cron.Entries()))
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}

// Entries exposes the registered cron entries.
func (s *Scheduler) Entries() []cron.Entry {
	return s.cron.Entries()
}

// runPreOpenRefresh widens the feed subscriptions before the session opens.
func (s *Scheduler) runPreOpenRefresh(ctx context.Context) {
	if s.refresher == nil {
		return
	}
	if err := s.refresher.RefreshSubscriptions(ctx); err != nil {
		s.logger.Error("Pre-open subscription refresh failed", "error", err)
		return
	}
	s.logger.Info("Pre-open subscription refresh done")
}

// runMarketOpen sweeps RESERVED orders into the pipeline. Guarded by the
// calendar so a cron firing on a holiday does nothing.
func (s *Scheduler) runMarketOpen(ctx context.Context) {
	now := s.clock.Now()
	if !s.calendar.IsOpenAt(now) {
		s.logger.Info("Skipping reservation sweep, market closed", "at", now)
		return
	}
	promoted, err := s.opener.OpenReserved(ctx)
	if err != nil {
		s.logger.Error("Reservation sweep failed", "error", err)
		return
	}
	telemetry.GetGlobalMetrics().SetMarketOpen("krx", true)
	s.logger.Info("Session open sweep done", "promoted", promoted)
}

// runMarketClose persists closes and re-enqueues anything that stalled
// during the session.
func (s *Scheduler) runMarketClose(ctx context.Context) {
	persisted, err := s.housekeeper.PersistCloses(ctx)
	if err != nil {
		s.logger.Error("Failed to persist session closes", "error", err)
	}
	republished, err := s.housekeeper.RepublishStale(ctx, s.stallThreshold)
	if err != nil {
		s.logger.Error("Failed to republish stale orders", "error", err)
	}
	telemetry.GetGlobalMetrics().SetMarketOpen("krx", false)
	s.logger.Info("Session close housekeeping done",
		"closes_persisted", persisted, "republished", republished)
}

// runRetryCleanup prunes retry records for settled orders.
func (s *Scheduler) runRetryCleanup(ctx context.Context) {
	removed, err := s.housekeeper.CleanupRetryRecords(ctx)
	if err != nil {
		s.logger.Error("Retry record cleanup failed", "error", err)
		return
	}
	s.logger.Info("Retry record cleanup done", "removed", removed)
}

// runHealthReport logs the component health map.
func (s *Scheduler) runHealthReport(_ context.Context) {
	if s.health == nil {
		return
	}
	status := s.health.GetStatus()
	if s.health.IsHealthy() {
		s.logger.Info("Health report", "status", status)
		return
	}
	s.logger.Warn("Health report: unhealthy components", "status", status)
}
