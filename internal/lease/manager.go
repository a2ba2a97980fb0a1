package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"leasegate/internal/obs"
	"leasegate/internal/store"

	"github.com/google/uuid"
)

// ErrNoLockToRepair is returned by ValidateAndRepair when the candidate
// username is unusable and no lock exists to repair it from. The caller
// must re-acquire with a real username.
var ErrNoLockToRepair = errors.New("lease: no username lock to repair from")

// ErrInvalidRequest wraps validation failures caused by the caller's
// input, so transport layers can map them to a client error instead of a
// server fault.
var ErrInvalidRequest = errors.New("lease: invalid request")

// cleanupTimeout bounds the background delete kicked off by lazy expiry.
const cleanupTimeout = 5 * time.Second

// Status is the read-path view of a (user, platform) lease. RemainingMS
// is derived from the lease end time at query time; it is never driven by
// a running countdown.
type Status struct {
	Active      bool
	RemainingMS int64
	Username    string
	LeaseID     string
}

// PlatformStatus is a Status tagged with its platform, for batch reads.
type PlatformStatus struct {
	Platform string
	Status
}

// AcquireResult is the outcome of an Acquire or Renew call. Adopted is
// true when an existing active lease was returned instead of a new one.
type AcquireResult struct {
	Lease   *store.ProcessingLease
	Adopted bool
}

// Querier is the read interface the guard and reconciler poll. Both the
// Manager (in-process) and the HTTP client SDK implement it.
type Querier interface {
	Query(ctx context.Context, userID, platform string) (Status, error)
}

// Manager is the client-facing API over the authoritative store. All
// lease and username-lock mutation in the system goes through it.
type Manager struct {
	store        store.Store
	logger       *slog.Logger
	metrics      *obs.Metrics
	placeholders map[string]struct{}
	defaultDur   time.Duration
	maxDur       time.Duration
	now          func() time.Time
}

// NewManager creates a Manager. placeholders lists sentinel username
// values (besides the empty string) that ValidateAndRepair treats as
// unusable; metrics may be nil.
func NewManager(st store.Store, logger *slog.Logger, metrics *obs.Metrics, placeholders []string) *Manager {
	p := map[string]struct{}{"": {}}
	for _, v := range placeholders {
		p[v] = struct{}{}
	}
	return &Manager{
		store:        st,
		logger:       logger,
		metrics:      metrics,
		placeholders: p,
		now:          time.Now,
	}
}

// SetNow overrides the manager's clock. Tests only.
func (m *Manager) SetNow(now func() time.Time) {
	m.now = now
}

// SetDurationBounds sets the window applied to requested lease durations:
// a zero duration takes def, anything above max is clamped to max. Either
// bound may be zero to disable it.
func (m *Manager) SetDurationBounds(def, max time.Duration) {
	m.defaultDur = def
	m.maxDur = max
}

// boundDuration applies the configured default and cap to a requested
// duration. A non-positive result after bounding is rejected by callers.
func (m *Manager) boundDuration(d time.Duration) time.Duration {
	if d <= 0 {
		d = m.defaultDur
	}
	if m.maxDur > 0 && d > m.maxDur {
		d = m.maxDur
	}
	return d
}

// Acquire creates a processing lease for (userID, platform) and locks the
// platform's username in the same logical step. If an active lease
// already exists for the key it is returned with Adopted=true instead of
// an error, so two devices racing on the same workflow converge on one
// lease. A username lock held with a different value by another workflow
// is a hard error and the created lease is rolled back.
func (m *Manager) Acquire(ctx context.Context, userID, platform, username string, duration time.Duration) (*AcquireResult, error) {
	if userID == "" || platform == "" {
		return nil, fmt.Errorf("%w: userID and platform are required", ErrInvalidRequest)
	}
	if m.isPlaceholder(username) {
		return nil, fmt.Errorf("%w: username %q is not usable for a lease", ErrInvalidRequest, username)
	}
	duration = m.boundDuration(duration)
	if duration <= 0 {
		return nil, fmt.Errorf("%w: duration must be > 0", ErrInvalidRequest)
	}

	now := m.now()
	lease := &store.ProcessingLease{
		LeaseID:    uuid.NewString(),
		UserID:     userID,
		Platform:   platform,
		Username:   username,
		StartMS:    now.UnixMilli(),
		EndMS:      now.Add(duration).UnixMilli(),
		DurationMS: duration.Milliseconds(),
		Status:     store.StatusActive,
	}

	stored, created, err := m.store.CreateLease(ctx, lease)
	if err != nil {
		return nil, err
	}

	if !created {
		m.countAcquire("adopted")
		m.logger.Info("adopted existing lease",
			"user_id", userID,
			"platform", platform,
			"lease_id", stored.LeaseID,
			"username", stored.Username,
		)
		return &AcquireResult{Lease: stored, Adopted: true}, nil
	}

	if err := m.store.LockUsername(ctx, platform, username, now); err != nil {
		// Roll the lease back; a half-acquired workflow must not linger.
		if _, rerr := m.store.ReleaseLease(ctx, userID, platform); rerr != nil {
			m.logger.Error("failed to roll back lease after lock conflict",
				"user_id", userID,
				"platform", platform,
				"error", rerr,
			)
		}
		if errors.Is(err, store.ErrUsernameConflict) {
			m.countAcquire("conflict")
			return nil, fmt.Errorf("platform %s is driving another workflow: %w", platform, err)
		}
		return nil, err
	}

	m.countAcquire("created")
	m.logger.Info("acquired lease",
		"user_id", userID,
		"platform", platform,
		"lease_id", stored.LeaseID,
		"username", username,
		"duration", duration,
	)
	return &AcquireResult{Lease: stored, Adopted: false}, nil
}

// Complete releases the lease early, once the protected job finishes, and
// unlocks the platform's username. ErrNotFound if no lease exists.
func (m *Manager) Complete(ctx context.Context, userID, platform string) error {
	released, err := m.store.ReleaseLease(ctx, userID, platform)
	if err != nil {
		return err
	}

	if _, err := m.store.UnlockUsername(ctx, platform, released.Username); err != nil {
		m.logger.Error("failed to unlock username after release",
			"platform", platform,
			"username", released.Username,
			"error", err,
		)
	}

	if m.metrics != nil {
		m.metrics.ReleaseTotal.Inc()
	}
	m.logger.Info("completed lease",
		"user_id", userID,
		"platform", platform,
		"lease_id", released.LeaseID,
	)
	return nil
}

// Query returns the current lease status with an inline lazy-expiry
// check: an overdue lease is reported inactive immediately and its delete
// is scheduled in the background, so a stale record never blocks access
// between sweeps.
func (m *Manager) Query(ctx context.Context, userID, platform string) (Status, error) {
	lease, err := m.store.GetLease(ctx, userID, platform)
	if errors.Is(err, store.ErrNotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}

	now := m.now()
	if !lease.Active(now) {
		m.scheduleCleanup(userID, platform, lease.Username)
		return Status{}, nil
	}

	return Status{
		Active:      true,
		RemainingMS: lease.Remaining(now).Milliseconds(),
		Username:    lease.Username,
		LeaseID:     lease.LeaseID,
	}, nil
}

// QueryAll returns the status of every lease the user holds, with the
// same lazy-expiry treatment as Query. Used by batch guards.
func (m *Manager) QueryAll(ctx context.Context, userID string) ([]PlatformStatus, error) {
	leases, err := m.store.ListActiveForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	var statuses []PlatformStatus
	for _, l := range leases {
		if !l.Active(now) {
			m.scheduleCleanup(l.UserID, l.Platform, l.Username)
			continue
		}
		statuses = append(statuses, PlatformStatus{
			Platform: l.Platform,
			Status: Status{
				Active:      true,
				RemainingMS: l.Remaining(now).Milliseconds(),
				Username:    l.Username,
				LeaseID:     l.LeaseID,
			},
		})
	}
	return statuses, nil
}

// Renew replaces an active lease with a fresh one in a single atomic
// step: new lease ID, new window, same username. The old end time is
// never extended in place.
func (m *Manager) Renew(ctx context.Context, userID, platform string, duration time.Duration) (*AcquireResult, error) {
	duration = m.boundDuration(duration)
	if duration <= 0 {
		return nil, fmt.Errorf("%w: duration must be > 0", ErrInvalidRequest)
	}

	cur, err := m.store.GetLease(ctx, userID, platform)
	if err != nil {
		return nil, err
	}

	now := m.now()
	if !cur.Active(now) {
		m.scheduleCleanup(userID, platform, cur.Username)
		return nil, store.ErrNotFound
	}

	renewed := &store.ProcessingLease{
		LeaseID:    uuid.NewString(),
		UserID:     userID,
		Platform:   platform,
		Username:   cur.Username,
		StartMS:    now.UnixMilli(),
		EndMS:      now.Add(duration).UnixMilli(),
		DurationMS: duration.Milliseconds(),
		Status:     store.StatusActive,
	}

	stored, err := m.store.ReplaceLease(ctx, renewed, now)
	if err != nil {
		m.countRenew("fail")
		return nil, err
	}

	m.countRenew("success")
	m.logger.Info("renewed lease",
		"user_id", userID,
		"platform", platform,
		"lease_id", stored.LeaseID,
		"duration", duration,
	)
	return &AcquireResult{Lease: stored}, nil
}

// LockedUsername reports whether the platform's username is locked, and
// the locked value.
func (m *Manager) LockedUsername(ctx context.Context, platform string) (bool, string, error) {
	lock, err := m.store.GetUsernameLock(ctx, platform)
	if errors.Is(err, store.ErrNotFound) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, lock.Username, nil
}

// ValidateAndRepair returns the username that should drive the platform's
// workflow. An empty or placeholder candidate, or one that differs from
// the locked value, is replaced by the locked value. With no lock in
// place a usable candidate passes through and an unusable one is
// ErrNoLockToRepair.
func (m *Manager) ValidateAndRepair(ctx context.Context, platform, candidate string) (string, error) {
	lock, err := m.store.GetUsernameLock(ctx, platform)
	if errors.Is(err, store.ErrNotFound) {
		if m.isPlaceholder(candidate) {
			return "", ErrNoLockToRepair
		}
		return candidate, nil
	}
	if err != nil {
		return "", err
	}

	if candidate == lock.Username {
		return candidate, nil
	}

	if m.metrics != nil {
		m.metrics.RepairTotal.Inc()
	}
	m.logger.Warn("repaired username from locked value",
		"platform", platform,
		"candidate", candidate,
		"locked", lock.Username,
	)
	return lock.Username, nil
}

func (m *Manager) isPlaceholder(username string) bool {
	_, ok := m.placeholders[username]
	return ok
}

// scheduleCleanup deletes an overdue lease and its username lock off the
// request path. The conditional delete re-checks expiry, so a lease
// re-created in the meantime is left alone.
func (m *Manager) scheduleCleanup(userID, platform, username string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		expired, deleted, err := m.store.DeleteLeaseIfExpired(ctx, userID, platform, m.now())
		if err != nil {
			m.logger.Error("lazy expiry delete failed",
				"user_id", userID,
				"platform", platform,
				"error", err,
			)
			return
		}
		if !deleted {
			return
		}

		if _, err := m.store.UnlockUsername(ctx, platform, expired.Username); err != nil {
			m.logger.Error("failed to unlock username after expiry",
				"platform", platform,
				"username", username,
				"error", err,
			)
		}
		if m.metrics != nil {
			m.metrics.ExpiredTotal.Inc()
		}
		m.logger.Info("removed expired lease",
			"user_id", userID,
			"platform", platform,
			"lease_id", expired.LeaseID,
		)
	}()
}

func (m *Manager) countAcquire(result string) {
	if m.metrics != nil {
		m.metrics.AcquireTotal.WithLabelValues(result).Inc()
	}
}

func (m *Manager) countRenew(result string) {
	if m.metrics != nil {
		m.metrics.RenewTotal.WithLabelValues(result).Inc()
	}
}
