package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var baseTime = time.UnixMilli(1700000000000)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})

	t.Cleanup(func() {
		client.Close()
		s.Close()
	})

	return s, client
}

func testLease(userID, platform, username string, start time.Time, duration time.Duration) *ProcessingLease {
	return &ProcessingLease{
		LeaseID:    "lease-" + userID + "-" + platform,
		UserID:     userID,
		Platform:   platform,
		Username:   username,
		StartMS:    start.UnixMilli(),
		EndMS:      start.Add(duration).UnixMilli(),
		DurationMS: duration.Milliseconds(),
		Status:     StatusActive,
	}
}

func TestRedisStore_CreateLease(t *testing.T) {
	_, client := setupMiniredis(t)
	st := NewRedisStore(client, "test:")
	ctx := context.Background()

	lease := testLease("u1", "instagram", "alice", baseTime, 15*time.Minute)
	stored, created, err := st.CreateLease(ctx, lease)
	if err != nil {
		t.Fatalf("CreateLease() error = %v", err)
	}
	if !created {
		t.Error("CreateLease() created = false, want true")
	}
	if stored.LeaseID != lease.LeaseID {
		t.Errorf("stored.LeaseID = %q, want %q", stored.LeaseID, lease.LeaseID)
	}

	got, err := st.GetLease(ctx, "u1", "instagram")
	if err != nil {
		t.Fatalf("GetLease() error = %v", err)
	}
	if got.Username != "alice" {
		t.Errorf("got.Username = %q, want %q", got.Username, "alice")
	}
	if got.EndMS != lease.EndMS {
		t.Errorf("got.EndMS = %d, want %d", got.EndMS, lease.EndMS)
	}
	if got.Status != StatusActive {
		t.Errorf("got.Status = %q, want %q", got.Status, StatusActive)
	}
}

func TestRedisStore_CreateLease_ReturnsExistingActive(t *testing.T) {
	_, client := setupMiniredis(t)
	st := NewRedisStore(client, "test:")
	ctx := context.Background()

	first := testLease("u1", "instagram", "alice", baseTime, 15*time.Minute)
	if _, _, err := st.CreateLease(ctx, first); err != nil {
		t.Fatalf("CreateLease() error = %v", err)
	}

	// A second device races in a minute later with a different username.
	second := testLease("u1", "instagram", "bob", baseTime.Add(time.Minute), 15*time.Minute)
	second.LeaseID = "lease-second"

	stored, created, err := st.CreateLease(ctx, second)
	if err != nil {
		t.Fatalf("CreateLease() error = %v", err)
	}
	if created {
		t.Error("CreateLease() created = true, want false (active lease exists)")
	}
	if stored.LeaseID != first.LeaseID {
		t.Errorf("stored.LeaseID = %q, want existing %q", stored.LeaseID, first.LeaseID)
	}
	if stored.Username != "alice" {
		t.Errorf("stored.Username = %q, want original %q", stored.Username, "alice")
	}
	if stored.EndMS != first.EndMS {
		t.Error("existing lease end time must not be reset by a racing create")
	}
}

func TestRedisStore_CreateLease_ReclaimsOverdue(t *testing.T) {
	_, client := setupMiniredis(t)
	st := NewRedisStore(client, "test:")
	ctx := context.Background()

	old := testLease("u1", "instagram", "alice", baseTime, time.Second)
	if _, _, err := st.CreateLease(ctx, old); err != nil {
		t.Fatalf("CreateLease() error = %v", err)
	}

	// New lease starts after the old one's end time.
	fresh := testLease("u1", "instagram", "alice", baseTime.Add(2*time.Second), 15*time.Minute)
	fresh.LeaseID = "lease-fresh"

	stored, created, err := st.CreateLease(ctx, fresh)
	if err != nil {
		t.Fatalf("CreateLease() error = %v", err)
	}
	if !created {
		t.Error("CreateLease() created = false, want true (old lease overdue)")
	}
	if stored.LeaseID != "lease-fresh" {
		t.Errorf("stored.LeaseID = %q, want %q", stored.LeaseID, "lease-fresh")
	}
}

func TestRedisStore_CreateLease_ReclaimDropsStaleLock(t *testing.T) {
	_, client := setupMiniredis(t)
	st := NewRedisStore(client, "test:")
	ctx := context.Background()

	old := testLease("u1", "instagram", "alice", baseTime, time.Second)
	if _, _, err := st.CreateLease(ctx, old); err != nil {
		t.Fatalf("CreateLease() error = %v", err)
	}
	if err := st.LockUsername(ctx, "instagram", "alice", baseTime); err != nil {
		t.Fatalf("LockUsername() error = %v", err)
	}

	// Reclaiming the overdue lease takes its username lock with it.
	fresh := testLease("u1", "instagram", "bob", baseTime.Add(2*time.Second), 15*time.Minute)
	fresh.LeaseID = "lease-fresh"
	_, created, err := st.CreateLease(ctx, fresh)
	if err != nil {
		t.Fatalf("CreateLease() error = %v", err)
	}
	if !created {
		t.Fatal("CreateLease() created = false, want true")
	}
	if _, err := st.GetUsernameLock(ctx, "instagram"); err != ErrNotFound {
		t.Errorf("GetUsernameLock() after reclaim error = %v, want ErrNotFound", err)
	}

	// A lock that does not belong to the reclaimed lease is left alone.
	old = testLease("u1", "facebook", "alice.page", baseTime, time.Second)
	if _, _, err := st.CreateLease(ctx, old); err != nil {
		t.Fatalf("CreateLease() error = %v", err)
	}
	if err := st.LockUsername(ctx, "facebook", "carol", baseTime); err != nil {
		t.Fatalf("LockUsername() error = %v", err)
	}
	fresh = testLease("u1", "facebook", "carol", baseTime.Add(2*time.Second), 15*time.Minute)
	if _, _, err := st.CreateLease(ctx, fresh); err != nil {
		t.Fatalf("CreateLease() error = %v", err)
	}
	lock, err := st.GetUsernameLock(ctx, "facebook")
	if err != nil {
		t.Fatalf("GetUsernameLock() error = %v", err)
	}
	if lock.Username != "carol" {
		t.Errorf("lock.Username = %q, want %q", lock.Username, "carol")
	}
}

func TestRedisStore_GetLease_NotFound(t *testing.T) {
	_, client := setupMiniredis(t)
	st := NewRedisStore(client, "test:")

	_, err := st.GetLease(context.Background(), "u1", "instagram")
	if err != ErrNotFound {
		t.Errorf("GetLease() error = %v, want ErrNotFound", err)
	}
}

func TestRedisStore_ReleaseLease(t *testing.T) {
	_, client := setupMiniredis(t)
	st := NewRedisStore(client, "test:")
	ctx := context.Background()

	lease := testLease("u1", "instagram", "alice", baseTime, 15*time.Minute)
	if _, _, err := st.CreateLease(ctx, lease); err != nil {
		t.Fatalf("CreateLease() error = %v", err)
	}

	released, err := st.ReleaseLease(ctx, "u1", "instagram")
	if err != nil {
		t.Fatalf("ReleaseLease() error = %v", err)
	}
	if released.Status != StatusReleased {
		t.Errorf("released.Status = %q, want %q", released.Status, StatusReleased)
	}
	if released.Username != "alice" {
		t.Errorf("released.Username = %q, want %q", released.Username, "alice")
	}

	if _, err := st.GetLease(ctx, "u1", "instagram"); err != ErrNotFound {
		t.Errorf("GetLease() after release error = %v, want ErrNotFound", err)
	}

	if _, err := st.ReleaseLease(ctx, "u1", "instagram"); err != ErrNotFound {
		t.Errorf("second ReleaseLease() error = %v, want ErrNotFound", err)
	}
}

func TestRedisStore_DeleteLeaseIfExpired(t *testing.T) {
	_, client := setupMiniredis(t)
	st := NewRedisStore(client, "test:")
	ctx := context.Background()

	lease := testLease("u1", "instagram", "alice", baseTime, time.Minute)
	if _, _, err := st.CreateLease(ctx, lease); err != nil {
		t.Fatalf("CreateLease() error = %v", err)
	}

	// Still active: nothing deleted.
	_, deleted, err := st.DeleteLeaseIfExpired(ctx, "u1", "instagram", baseTime.Add(30*time.Second))
	if err != nil {
		t.Fatalf("DeleteLeaseIfExpired() error = %v", err)
	}
	if deleted {
		t.Error("DeleteLeaseIfExpired() deleted an active lease")
	}

	// Past end time: deleted.
	expired, deleted, err := st.DeleteLeaseIfExpired(ctx, "u1", "instagram", baseTime.Add(61*time.Second))
	if err != nil {
		t.Fatalf("DeleteLeaseIfExpired() error = %v", err)
	}
	if !deleted {
		t.Fatal("DeleteLeaseIfExpired() deleted = false, want true")
	}
	if expired.Status != StatusExpired {
		t.Errorf("expired.Status = %q, want %q", expired.Status, StatusExpired)
	}

	if _, err := st.GetLease(ctx, "u1", "instagram"); err != ErrNotFound {
		t.Errorf("GetLease() after expiry delete error = %v, want ErrNotFound", err)
	}
}

func TestRedisStore_ReplaceLease(t *testing.T) {
	_, client := setupMiniredis(t)
	st := NewRedisStore(client, "test:")
	ctx := context.Background()

	old := testLease("u1", "instagram", "alice", baseTime, time.Minute)
	if _, _, err := st.CreateLease(ctx, old); err != nil {
		t.Fatalf("CreateLease() error = %v", err)
	}

	now := baseTime.Add(30 * time.Second)
	renewed := testLease("u1", "instagram", "alice", now, 10*time.Minute)
	renewed.LeaseID = "lease-renewed"

	stored, err := st.ReplaceLease(ctx, renewed, now)
	if err != nil {
		t.Fatalf("ReplaceLease() error = %v", err)
	}
	if stored.LeaseID != "lease-renewed" {
		t.Errorf("stored.LeaseID = %q, want %q", stored.LeaseID, "lease-renewed")
	}
	if stored.EndMS != renewed.EndMS {
		t.Errorf("stored.EndMS = %d, want %d", stored.EndMS, renewed.EndMS)
	}
}

func TestRedisStore_ReplaceLease_UsernameMismatch(t *testing.T) {
	_, client := setupMiniredis(t)
	st := NewRedisStore(client, "test:")
	ctx := context.Background()

	old := testLease("u1", "instagram", "alice", baseTime, time.Minute)
	if _, _, err := st.CreateLease(ctx, old); err != nil {
		t.Fatalf("CreateLease() error = %v", err)
	}

	now := baseTime.Add(30 * time.Second)
	renewed := testLease("u1", "instagram", "bob", now, 10*time.Minute)

	if _, err := st.ReplaceLease(ctx, renewed, now); err != ErrUsernameConflict {
		t.Errorf("ReplaceLease() error = %v, want ErrUsernameConflict", err)
	}

	// Original must be untouched.
	got, err := st.GetLease(ctx, "u1", "instagram")
	if err != nil {
		t.Fatalf("GetLease() error = %v", err)
	}
	if got.Username != "alice" {
		t.Errorf("got.Username = %q, want %q", got.Username, "alice")
	}
}

func TestRedisStore_ReplaceLease_GoneOrOverdue(t *testing.T) {
	_, client := setupMiniredis(t)
	st := NewRedisStore(client, "test:")
	ctx := context.Background()

	now := baseTime.Add(30 * time.Second)
	renewed := testLease("u1", "instagram", "alice", now, 10*time.Minute)
	if _, err := st.ReplaceLease(ctx, renewed, now); err != ErrNotFound {
		t.Errorf("ReplaceLease() with no lease error = %v, want ErrNotFound", err)
	}

	old := testLease("u1", "instagram", "alice", baseTime, time.Second)
	if _, _, err := st.CreateLease(ctx, old); err != nil {
		t.Fatalf("CreateLease() error = %v", err)
	}
	if err := st.LockUsername(ctx, "instagram", "alice", baseTime); err != nil {
		t.Fatalf("LockUsername() error = %v", err)
	}
	late := baseTime.Add(2 * time.Second)
	renewed = testLease("u1", "instagram", "alice", late, 10*time.Minute)
	if _, err := st.ReplaceLease(ctx, renewed, late); err != ErrNotFound {
		t.Errorf("ReplaceLease() with overdue lease error = %v, want ErrNotFound", err)
	}

	// Removing the overdue lease removes its username lock with it.
	if _, err := st.GetUsernameLock(ctx, "instagram"); err != ErrNotFound {
		t.Errorf("GetUsernameLock() after overdue replace error = %v, want ErrNotFound", err)
	}
}

func TestRedisStore_ListActiveForUser(t *testing.T) {
	_, client := setupMiniredis(t)
	st := NewRedisStore(client, "test:")
	ctx := context.Background()

	leases := []*ProcessingLease{
		testLease("u1", "instagram", "alice", baseTime, time.Minute),
		testLease("u1", "facebook", "alice.page", baseTime, time.Minute),
		testLease("u2", "instagram", "bob", baseTime, time.Minute),
	}
	for _, l := range leases {
		if _, _, err := st.CreateLease(ctx, l); err != nil {
			t.Fatalf("CreateLease(%s/%s) error = %v", l.UserID, l.Platform, err)
		}
	}

	got, err := st.ListActiveForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ListActiveForUser() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListActiveForUser() returned %d leases, want 2", len(got))
	}
	for _, l := range got {
		if l.UserID != "u1" {
			t.Errorf("listed lease for user %q, want u1", l.UserID)
		}
	}

	all, err := st.ListLeases(ctx)
	if err != nil {
		t.Fatalf("ListLeases() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListLeases() returned %d leases, want 3", len(all))
	}
}

func TestRedisStore_LockUsername(t *testing.T) {
	_, client := setupMiniredis(t)
	st := NewRedisStore(client, "test:")
	ctx := context.Background()

	if err := st.LockUsername(ctx, "instagram", "alice", baseTime); err != nil {
		t.Fatalf("LockUsername() error = %v", err)
	}

	// Re-asserting the same value is a no-op.
	if err := st.LockUsername(ctx, "instagram", "alice", baseTime.Add(time.Second)); err != nil {
		t.Errorf("LockUsername() same value error = %v, want nil", err)
	}

	// A different value is a conflict.
	if err := st.LockUsername(ctx, "instagram", "bob", baseTime); err != ErrUsernameConflict {
		t.Errorf("LockUsername() different value error = %v, want ErrUsernameConflict", err)
	}

	lock, err := st.GetUsernameLock(ctx, "instagram")
	if err != nil {
		t.Fatalf("GetUsernameLock() error = %v", err)
	}
	if lock.Username != "alice" {
		t.Errorf("lock.Username = %q, want %q", lock.Username, "alice")
	}
	if lock.LockType != LockTypeProcessing {
		t.Errorf("lock.LockType = %q, want %q", lock.LockType, LockTypeProcessing)
	}
	if !lock.Immutable {
		t.Error("lock.Immutable = false, want true")
	}
}

func TestRedisStore_UnlockUsername(t *testing.T) {
	_, client := setupMiniredis(t)
	st := NewRedisStore(client, "test:")
	ctx := context.Background()

	if err := st.LockUsername(ctx, "instagram", "alice", baseTime); err != nil {
		t.Fatalf("LockUsername() error = %v", err)
	}

	// Wrong value: lock survives.
	removed, err := st.UnlockUsername(ctx, "instagram", "bob")
	if err != nil {
		t.Fatalf("UnlockUsername() error = %v", err)
	}
	if removed {
		t.Error("UnlockUsername() with wrong value removed the lock")
	}
	if _, err := st.GetUsernameLock(ctx, "instagram"); err != nil {
		t.Errorf("GetUsernameLock() error = %v, lock should still exist", err)
	}

	// Exact value: removed.
	removed, err = st.UnlockUsername(ctx, "instagram", "alice")
	if err != nil {
		t.Fatalf("UnlockUsername() error = %v", err)
	}
	if !removed {
		t.Error("UnlockUsername() removed = false, want true")
	}
	if _, err := st.GetUsernameLock(ctx, "instagram"); err != ErrNotFound {
		t.Errorf("GetUsernameLock() after unlock error = %v, want ErrNotFound", err)
	}
}

func TestRedisStore_Close(t *testing.T) {
	_, client := setupMiniredis(t)
	st := NewRedisStore(client, "test:")

	if err := st.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	if _, err := client.Ping(context.Background()).Result(); err == nil {
		t.Error("expected error after Close(), got nil")
	}
}
