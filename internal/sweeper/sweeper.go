package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"leasegate/internal/obs"
	"leasegate/internal/store"

	"github.com/robfig/cron/v3"
)

const defaultInterval = 30 * time.Second

// Sweeper periodically scans the authoritative store and removes leases
// past their end time, together with their username locks. It is the
// backstop behind the read path's lazy expiry: invariant hygiene holds
// even for keys no client ever polls again.
type Sweeper struct {
	store    store.Store
	logger   *slog.Logger
	metrics  *obs.Metrics
	interval time.Duration
	cron     *cron.Cron
	now      func() time.Time
}

// New creates a Sweeper sweeping at the given interval.
func New(st store.Store, logger *slog.Logger, metrics *obs.Metrics, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Sweeper{
		store:    st,
		logger:   logger,
		metrics:  metrics,
		interval: interval,
		cron:     cron.New(),
		now:      time.Now,
	}
}

// SetNow overrides the sweeper's clock. Tests only.
func (s *Sweeper) SetNow(now func() time.Time) {
	s.now = now
}

// Start runs one sweep immediately, then schedules the periodic sweep.
func (s *Sweeper) Start() error {
	if _, _, err := s.SweepOnce(context.Background()); err != nil {
		s.logger.Error("initial sweep failed", "error", err)
	}

	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		if _, _, err := s.SweepOnce(context.Background()); err != nil {
			s.logger.Error("sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info("sweeper started", "interval", s.interval)
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// SweepOnce walks every stored lease, deletes the overdue ones and their
// username locks, and refreshes the active-lease gauge. A store error on
// one lease does not stop the pass; foreground reads have their own lazy
// expiry, so a failed sweep just waits for the next cycle.
func (s *Sweeper) SweepOnce(ctx context.Context) (removed, active int, err error) {
	start := s.now()

	leases, err := s.store.ListLeases(ctx)
	if err != nil {
		s.countError()
		return 0, 0, fmt.Errorf("failed to list leases: %w", err)
	}

	now := s.now()
	var sweepErr error
	for _, l := range leases {
		if l.Active(now) {
			active++
			continue
		}

		expired, deleted, derr := s.store.DeleteLeaseIfExpired(ctx, l.UserID, l.Platform, now)
		if derr != nil {
			s.countError()
			s.logger.Error("failed to delete overdue lease",
				"user_id", l.UserID,
				"platform", l.Platform,
				"error", derr,
			)
			if sweepErr == nil {
				sweepErr = derr
			}
			continue
		}
		if !deleted {
			// Re-created between list and delete; it is active again.
			active++
			continue
		}

		if _, uerr := s.store.UnlockUsername(ctx, expired.Platform, expired.Username); uerr != nil {
			s.logger.Error("failed to unlock username during sweep",
				"platform", expired.Platform,
				"username", expired.Username,
				"error", uerr,
			)
		}
		removed++
		if s.metrics != nil {
			s.metrics.ExpiredTotal.Inc()
		}
	}

	if s.metrics != nil {
		s.metrics.LeasesActive.Set(float64(active))
	}
	if removed > 0 {
		s.logger.Info("sweep removed expired leases",
			"removed", removed,
			"active", active,
			"duration", time.Since(start),
		)
	}
	return removed, active, sweepErr
}

func (s *Sweeper) countError() {
	if s.metrics != nil {
		s.metrics.SweepErrors.Inc()
	}
}
