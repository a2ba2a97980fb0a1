package store

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a processing lease.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusExpired  Status = "EXPIRED"
	StatusReleased Status = "RELEASED"
)

// LockTypeProcessing is the only lock type currently issued.
const LockTypeProcessing = "processing"

var (
	// ErrNotFound is returned when no record exists for the requested key.
	ErrNotFound = errors.New("store: not found")

	// ErrUsernameConflict is returned when a username lock already exists
	// for the platform with a different username.
	ErrUsernameConflict = errors.New("store: username already locked with different value")
)

// ProcessingLease is the authoritative record of an exclusive processing
// window for a (user, platform) pair. Timestamps are unix milliseconds so
// the record round-trips through Redis Lua without precision games.
type ProcessingLease struct {
	LeaseID    string `json:"lease_id"`
	UserID     string `json:"user_id"`
	Platform   string `json:"platform"`
	Username   string `json:"username"`
	StartMS    int64  `json:"start_ms"`
	EndMS      int64  `json:"end_ms"`
	DurationMS int64  `json:"duration_ms"`
	Status     Status `json:"status"`
}

// StartTime returns the lease start as a time.Time.
func (l *ProcessingLease) StartTime() time.Time {
	return time.UnixMilli(l.StartMS)
}

// EndTime returns the lease end as a time.Time.
func (l *ProcessingLease) EndTime() time.Time {
	return time.UnixMilli(l.EndMS)
}

// Active reports whether the lease is ACTIVE and not yet past its end time.
func (l *ProcessingLease) Active(now time.Time) bool {
	return l.Status == StatusActive && now.UnixMilli() < l.EndMS
}

// Remaining returns the time left on the lease, clamped at zero. It is
// derived from EndMS on every call; there is no running countdown.
func (l *ProcessingLease) Remaining(now time.Time) time.Duration {
	rem := l.EndMS - now.UnixMilli()
	if rem < 0 {
		rem = 0
	}
	return time.Duration(rem) * time.Millisecond
}

// UsernameLock pins the username value for a platform while its owning
// lease is active. While it exists, no write may change the platform's
// current username to a different value.
type UsernameLock struct {
	Platform   string `json:"platform"`
	Username   string `json:"username"`
	LockedAtMS int64  `json:"locked_at_ms"`
	LockType   string `json:"lock_type"`
	Immutable  bool   `json:"immutable"`
}

// Store is the authoritative record of processing leases and username
// locks. It is the single writer of record: all mutation goes through it,
// and per-key mutation is atomic (two concurrent CreateLease calls for
// the same key cannot both create).
type Store interface {
	// CreateLease stores the lease if no active lease exists for its
	// (UserID, Platform) key. An existing non-active or overdue record is
	// reclaimed in the same atomic step, along with the username lock it
	// left behind. On conflict the existing active lease is returned with
	// created=false so the caller can adopt it.
	CreateLease(ctx context.Context, lease *ProcessingLease) (existing *ProcessingLease, created bool, err error)

	// GetLease returns the stored lease or ErrNotFound.
	GetLease(ctx context.Context, userID, platform string) (*ProcessingLease, error)

	// ReleaseLease deletes the lease and returns the record as it was
	// stored, with Status set to StatusReleased. ErrNotFound if absent.
	ReleaseLease(ctx context.Context, userID, platform string) (*ProcessingLease, error)

	// DeleteLeaseIfExpired deletes the lease only if it is no longer
	// active at now. Reports whether a record was deleted, and the record
	// that was removed.
	DeleteLeaseIfExpired(ctx context.Context, userID, platform string, now time.Time) (*ProcessingLease, bool, error)

	// ReplaceLease atomically swaps an active lease for its renewal. The
	// swap fails with ErrNotFound if the old lease is gone or overdue
	// (removing an overdue record and its username lock), and with
	// ErrUsernameConflict if the stored username no longer matches the
	// renewal's.
	ReplaceLease(ctx context.Context, renewed *ProcessingLease, now time.Time) (*ProcessingLease, error)

	// ListActiveForUser returns every stored lease for the user. Callers
	// apply their own lazy-expiry check; the store does not filter.
	ListActiveForUser(ctx context.Context, userID string) ([]*ProcessingLease, error)

	// ListLeases returns every stored lease. Used by the sweeper.
	ListLeases(ctx context.Context) ([]*ProcessingLease, error)

	// LockUsername records the username lock for the platform. A lock
	// re-asserting the stored username is a no-op; a different username
	// is ErrUsernameConflict.
	LockUsername(ctx context.Context, platform, username string, now time.Time) error

	// GetUsernameLock returns the lock for the platform or ErrNotFound.
	GetUsernameLock(ctx context.Context, platform string) (*UsernameLock, error)

	// UnlockUsername removes the lock only when the caller presents the
	// exact locked username. Reports whether a lock was removed.
	UnlockUsername(ctx context.Context, platform, username string) (bool, error)

	// Close releases any resources held by the store.
	Close() error
}
