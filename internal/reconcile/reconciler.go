package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"leasegate/internal/lease"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const (
	defaultActiveInterval = 1 * time.Second
	defaultIdleInterval   = 5 * time.Second
	maxFailureBackoff     = 30 * time.Second
	eventBuffer           = 16
)

// Snapshot is a session's cached view of one platform's lease. It is a
// disposable read-through copy of the authoritative state: every poll
// replaces it wholesale, never merges into it.
type Snapshot struct {
	Platform    string
	Active      bool
	RemainingMS int64
	Username    string
	LeaseID     string
	FetchedAt   time.Time
}

// Event signals that a platform's authoritative active state or
// remaining-seconds bucket changed since the previous poll.
type Event struct {
	Platform    string
	Active      bool
	RemainingMS int64
}

// Config tunes the poll cadence. The interval shortens while any tracked
// lease is believed active, to bound staleness during a window.
type Config struct {
	ActiveInterval time.Duration
	IdleInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.ActiveInterval <= 0 {
		c.ActiveInterval = defaultActiveInterval
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = defaultIdleInterval
	}
	return c
}

// Reconciler keeps one device/session's local cache converged on the
// authoritative store. The cache is advisory; on any divergence the
// authoritative value wins.
type Reconciler struct {
	querier   lease.Querier
	userID    string
	sessionID string
	cfg       Config
	logger    *slog.Logger
	backoff   *backoff.ExponentialBackOff

	mu       sync.Mutex
	tracked  map[string]struct{}
	cache    map[string]Snapshot
	failures int

	events chan Event
}

// New creates a Reconciler for one user session polling the given
// querier (the manager in-process, or the HTTP client remotely).
func New(querier lease.Querier, userID string, cfg Config, logger *slog.Logger) *Reconciler {
	sessionID := uuid.NewString()[:8]

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = maxFailureBackoff
	b.MaxElapsedTime = 0 // retry forever; the guard handles fail-closed

	return &Reconciler{
		querier:   querier,
		userID:    userID,
		sessionID: sessionID,
		cfg:       cfg.withDefaults(),
		logger:    logger.With("session", sessionID, "user_id", userID),
		backoff:   b,
		tracked:   make(map[string]struct{}),
		cache:     make(map[string]Snapshot),
		events:    make(chan Event, eventBuffer),
	}
}

// Track adds a platform to the poll set.
func (r *Reconciler) Track(platform string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracked[platform] = struct{}{}
}

// Forget drops a platform from the poll set and discards its cache entry.
func (r *Reconciler) Forget(platform string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tracked, platform)
	delete(r.cache, platform)
}

// Snapshot returns the cached view for a platform. ok is false when the
// platform has never been successfully polled; callers must treat that
// as unknown, not as inactive.
func (r *Reconciler) Snapshot(platform string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.cache[platform]
	return snap, ok
}

// ConsecutiveFailures returns the number of poll cycles that have failed
// since the last success. The guard fails closed past a threshold.
func (r *Reconciler) ConsecutiveFailures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

// Events returns the change notification channel. Notifications are
// dropped rather than block the poll loop if the consumer lags.
func (r *Reconciler) Events() <-chan Event {
	return r.events
}

// Run polls until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		err := r.PollOnce(ctx)

		var delay time.Duration
		if err != nil {
			delay = r.backoff.NextBackOff()
		} else {
			r.backoff.Reset()
			delay = r.interval()
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// PollOnce fetches authoritative state for every tracked platform and
// overwrites the cache. A failed cycle leaves the cache frozen at its
// last-known values and increments the failure count.
func (r *Reconciler) PollOnce(ctx context.Context) error {
	for _, platform := range r.trackedPlatforms() {
		status, err := r.querier.Query(ctx, r.userID, platform)
		if err != nil {
			r.mu.Lock()
			r.failures++
			failures := r.failures
			r.mu.Unlock()

			r.logger.Warn("poll failed, cache frozen",
				"platform", platform,
				"failures", failures,
				"error", err,
			)
			return err
		}
		r.apply(platform, status)
	}

	r.mu.Lock()
	r.failures = 0
	r.mu.Unlock()
	return nil
}

// apply replaces the platform's cache entry with the authoritative
// status. When the server says inactive, every cached lease field for
// the platform is dropped with it; nothing lingers to block access after
// a completion on another device.
func (r *Reconciler) apply(platform string, status lease.Status) {
	snap := Snapshot{
		Platform:    platform,
		Active:      status.Active,
		RemainingMS: status.RemainingMS,
		Username:    status.Username,
		LeaseID:     status.LeaseID,
		FetchedAt:   time.Now(),
	}

	r.mu.Lock()
	prev, known := r.cache[platform]
	r.cache[platform] = snap
	r.mu.Unlock()

	if known && prev.Active && !snap.Active {
		r.logger.Info("cleared stale lease cache", "platform", platform)
	}

	if !changed(prev, known, snap) {
		return
	}
	select {
	case r.events <- Event{Platform: platform, Active: snap.Active, RemainingMS: snap.RemainingMS}:
	default:
	}
}

// changed buckets remaining time to whole seconds so consumers are not
// churned by every poll tick.
func changed(prev Snapshot, known bool, next Snapshot) bool {
	if !known {
		return true
	}
	if prev.Active != next.Active {
		return true
	}
	return prev.RemainingMS/1000 != next.RemainingMS/1000
}

func (r *Reconciler) trackedPlatforms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	platforms := make([]string, 0, len(r.tracked))
	for p := range r.tracked {
		platforms = append(platforms, p)
	}
	return platforms
}

// interval picks the poll cadence from the cached state.
func (r *Reconciler) interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, snap := range r.cache {
		if snap.Active {
			return r.cfg.ActiveInterval
		}
	}
	return r.cfg.IdleInterval
}
