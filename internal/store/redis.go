package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua script for atomic create: keep an active lease, reclaim anything
// else, and hand back whichever record ends up stored. Reclaiming a dead
// lease also drops the username lock it left behind (KEYS[2]), so the
// next acquire is not blocked by a workflow that no longer exists.
var createLeaseScript = redis.NewScript(`
local cur = redis.call("get", KEYS[1])
if cur then
	local rec = cjson.decode(cur)
	if rec.status == "ACTIVE" and tonumber(rec.end_ms) > tonumber(ARGV[2]) then
		return {0, cur}
	end
	redis.call("del", KEYS[1])
	local lock = redis.call("get", KEYS[2])
	if lock and cjson.decode(lock).username == rec.username then
		redis.call("del", KEYS[2])
	end
end
redis.call("set", KEYS[1], ARGV[1])
return {1, ARGV[1]}
`)

// Lua script for atomic release: delete and return the stored record.
var releaseLeaseScript = redis.NewScript(`
local cur = redis.call("get", KEYS[1])
if not cur then
	return false
end
redis.call("del", KEYS[1])
return cur
`)

// Lua script for lazy expiry: delete only if the lease is overdue or no
// longer ACTIVE, so a freshly re-created lease is never swept by mistake.
var deleteExpiredScript = redis.NewScript(`
local cur = redis.call("get", KEYS[1])
if not cur then
	return {0, ""}
end
local rec = cjson.decode(cur)
if rec.status == "ACTIVE" and tonumber(rec.end_ms) > tonumber(ARGV[1]) then
	return {0, ""}
end
redis.call("del", KEYS[1])
return {1, cur}
`)

// Lua script for atomic renew: old lease out, new lease in, one step.
// The stored username must match the renewal's; a renewal never smuggles
// in a different identifier. An overdue lease is removed together with
// its username lock (KEYS[2]), same as the create path.
var replaceLeaseScript = redis.NewScript(`
local cur = redis.call("get", KEYS[1])
if not cur then
	return {0, ""}
end
local rec = cjson.decode(cur)
if rec.status ~= "ACTIVE" or tonumber(rec.end_ms) <= tonumber(ARGV[2]) then
	redis.call("del", KEYS[1])
	local lock = redis.call("get", KEYS[2])
	if lock and cjson.decode(lock).username == rec.username then
		redis.call("del", KEYS[2])
	end
	return {0, ""}
end
if rec.username ~= ARGV[3] then
	return {-1, cur}
end
redis.call("set", KEYS[1], ARGV[1])
return {1, ARGV[1]}
`)

// Lua script for the username lock: re-asserting the stored value is a
// no-op, a different value is a conflict.
var lockUsernameScript = redis.NewScript(`
local cur = redis.call("get", KEYS[1])
if cur then
	local rec = cjson.decode(cur)
	if rec.username == ARGV[2] then
		return 1
	end
	return 0
end
redis.call("set", KEYS[1], ARGV[1])
return 1
`)

// Lua script for unlock: only delete if the caller presents the exact
// locked value.
var unlockUsernameScript = redis.NewScript(`
local cur = redis.call("get", KEYS[1])
if not cur then
	return 0
end
local rec = cjson.decode(cur)
if rec.username == ARGV[1] then
	redis.call("del", KEYS[1])
	return 1
end
return 0
`)

// RedisStore is the Redis-backed authoritative store.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a RedisStore using the given client. All keys are
// namespaced under keyPrefix.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// leaseKey returns the Redis key for a (user, platform) lease.
func (r *RedisStore) leaseKey(userID, platform string) string {
	return fmt.Sprintf("%slease:%s:%s", r.keyPrefix, userID, platform)
}

// usernameLockKey returns the Redis key for a platform's username lock.
func (r *RedisStore) usernameLockKey(platform string) string {
	return fmt.Sprintf("%suserlock:%s", r.keyPrefix, platform)
}

// CreateLease implements Store.CreateLease via a conditional-put script.
func (r *RedisStore) CreateLease(ctx context.Context, lease *ProcessingLease) (*ProcessingLease, bool, error) {
	key := r.leaseKey(lease.UserID, lease.Platform)
	payload, err := json.Marshal(lease)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode lease: %w", err)
	}

	keys := []string{key, r.usernameLockKey(lease.Platform)}
	res, err := createLeaseScript.Run(ctx, r.client, keys, payload, lease.StartMS).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("failed to create lease: %w", err)
	}

	created, stored, err := decodeScriptReply(res)
	if err != nil {
		return nil, false, err
	}
	return stored, created == 1, nil
}

// GetLease implements Store.GetLease.
func (r *RedisStore) GetLease(ctx context.Context, userID, platform string) (*ProcessingLease, error) {
	raw, err := r.client.Get(ctx, r.leaseKey(userID, platform)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	return decodeLease(raw)
}

// ReleaseLease implements Store.ReleaseLease.
func (r *RedisStore) ReleaseLease(ctx context.Context, userID, platform string) (*ProcessingLease, error) {
	raw, err := releaseLeaseScript.Run(ctx, r.client, []string{r.leaseKey(userID, platform)}).Text()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to release lease: %w", err)
	}

	lease, err := decodeLease(raw)
	if err != nil {
		return nil, err
	}
	lease.Status = StatusReleased
	return lease, nil
}

// DeleteLeaseIfExpired implements Store.DeleteLeaseIfExpired.
func (r *RedisStore) DeleteLeaseIfExpired(ctx context.Context, userID, platform string, now time.Time) (*ProcessingLease, bool, error) {
	key := r.leaseKey(userID, platform)
	res, err := deleteExpiredScript.Run(ctx, r.client, []string{key}, now.UnixMilli()).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("failed to delete expired lease: %w", err)
	}

	deleted, stored, err := decodeScriptReply(res)
	if err != nil {
		return nil, false, err
	}
	if deleted != 1 {
		return nil, false, nil
	}
	stored.Status = StatusExpired
	return stored, true, nil
}

// ReplaceLease implements Store.ReplaceLease.
func (r *RedisStore) ReplaceLease(ctx context.Context, renewed *ProcessingLease, now time.Time) (*ProcessingLease, error) {
	key := r.leaseKey(renewed.UserID, renewed.Platform)
	payload, err := json.Marshal(renewed)
	if err != nil {
		return nil, fmt.Errorf("failed to encode lease: %w", err)
	}

	keys := []string{key, r.usernameLockKey(renewed.Platform)}
	res, err := replaceLeaseScript.Run(ctx, r.client, keys, payload, now.UnixMilli(), renewed.Username).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to replace lease: %w", err)
	}

	outcome, stored, err := decodeScriptReply(res)
	if err != nil {
		return nil, err
	}
	switch outcome {
	case 1:
		return stored, nil
	case -1:
		return nil, ErrUsernameConflict
	default:
		return nil, ErrNotFound
	}
}

// ListActiveForUser implements Store.ListActiveForUser.
func (r *RedisStore) ListActiveForUser(ctx context.Context, userID string) ([]*ProcessingLease, error) {
	return r.scanLeases(ctx, fmt.Sprintf("%slease:%s:*", r.keyPrefix, userID))
}

// ListLeases implements Store.ListLeases.
func (r *RedisStore) ListLeases(ctx context.Context) ([]*ProcessingLease, error) {
	return r.scanLeases(ctx, fmt.Sprintf("%slease:*", r.keyPrefix))
}

// scanLeases walks matching keys and decodes each record. Keys deleted
// between SCAN and GET are skipped.
func (r *RedisStore) scanLeases(ctx context.Context, match string) ([]*ProcessingLease, error) {
	var leases []*ProcessingLease

	iter := r.client.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		raw, err := r.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read lease %s: %w", iter.Val(), err)
		}
		lease, err := decodeLease(raw)
		if err != nil {
			return nil, err
		}
		leases = append(leases, lease)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan leases: %w", err)
	}

	return leases, nil
}

// LockUsername implements Store.LockUsername.
func (r *RedisStore) LockUsername(ctx context.Context, platform, username string, now time.Time) error {
	lock := UsernameLock{
		Platform:   platform,
		Username:   username,
		LockedAtMS: now.UnixMilli(),
		LockType:   LockTypeProcessing,
		Immutable:  true,
	}
	payload, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("failed to encode username lock: %w", err)
	}

	key := r.usernameLockKey(platform)
	ok, err := lockUsernameScript.Run(ctx, r.client, []string{key}, payload, username).Int64()
	if err != nil {
		return fmt.Errorf("failed to lock username: %w", err)
	}
	if ok != 1 {
		return ErrUsernameConflict
	}
	return nil
}

// GetUsernameLock implements Store.GetUsernameLock.
func (r *RedisStore) GetUsernameLock(ctx context.Context, platform string) (*UsernameLock, error) {
	raw, err := r.client.Get(ctx, r.usernameLockKey(platform)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get username lock: %w", err)
	}

	var lock UsernameLock
	if err := json.Unmarshal([]byte(raw), &lock); err != nil {
		return nil, fmt.Errorf("failed to decode username lock: %w", err)
	}
	return &lock, nil
}

// UnlockUsername implements Store.UnlockUsername.
func (r *RedisStore) UnlockUsername(ctx context.Context, platform, username string) (bool, error) {
	key := r.usernameLockKey(platform)
	result, err := unlockUsernameScript.Run(ctx, r.client, []string{key}, username).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to unlock username: %w", err)
	}
	return result == 1, nil
}

// Close releases the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// decodeScriptReply unpacks the {flag, record} pair the lease scripts
// return.
func decodeScriptReply(res []interface{}) (int64, *ProcessingLease, error) {
	if len(res) != 2 {
		return 0, nil, fmt.Errorf("unexpected script reply of length %d", len(res))
	}
	flag, ok := res[0].(int64)
	if !ok {
		return 0, nil, fmt.Errorf("unexpected script reply flag %T", res[0])
	}
	raw, _ := res[1].(string)
	if raw == "" {
		return flag, nil, nil
	}
	lease, err := decodeLease(raw)
	if err != nil {
		return 0, nil, err
	}
	return flag, lease, nil
}

func decodeLease(raw string) (*ProcessingLease, error) {
	var lease ProcessingLease
	if err := json.Unmarshal([]byte(raw), &lease); err != nil {
		return nil, fmt.Errorf("failed to decode lease: %w", err)
	}
	return &lease, nil
}
