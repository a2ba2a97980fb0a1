//go:build integration

package integration

import (
	"context"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"leasegate/internal/api"
	"leasegate/internal/guard"
	"leasegate/internal/lease"
	"leasegate/internal/store"
	"leasegate/internal/sweeper"
	"leasegate/pkg/leaseclient"
)

const keyPrefix = "leasegate:"

// RedisContainer wraps a testcontainers Redis instance.
type RedisContainer struct {
	container testcontainers.Container
	addr      string
	client    *redis.Client
}

// setupRedis starts a Redis container and returns connection info.
func setupRedis(ctx context.Context) (*RedisContainer, error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return nil, fmt.Errorf("failed to start redis container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get redis host: %w", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get redis port: %w", err)
	}

	addr := fmt.Sprintf("%s:%s", host, port.Port())

	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	// Verify connection
	if err := client.Ping(ctx).Err(); err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisContainer{
		container: container,
		addr:      addr,
		client:    client,
	}, nil
}

// Addr returns the Redis address.
func (r *RedisContainer) Addr() string {
	return r.addr
}

// Client returns the Redis client.
func (r *RedisContainer) Client() *redis.Client {
	return r.client
}

// Terminate stops the Redis container.
func (r *RedisContainer) Terminate(ctx context.Context) error {
	if r.client != nil {
		r.client.Close()
	}
	if r.container != nil {
		return r.container.Terminate(ctx)
	}
	return nil
}

// LeaseExists checks if a lease key exists in Redis.
func (r *RedisContainer) LeaseExists(ctx context.Context, userID, platform string) (bool, error) {
	key := fmt.Sprintf("%slease:%s:%s", keyPrefix, userID, platform)
	result, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// UsernameLockExists checks if the per-platform username lock key exists.
func (r *RedisContainer) UsernameLockExists(ctx context.Context, platform string) (bool, error) {
	key := fmt.Sprintf("%suserlock:%s", keyPrefix, platform)
	result, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// testStack is a full in-process leasegate wired to a real Redis.
type testStack struct {
	Store   *store.RedisStore
	Manager *lease.Manager
	Sweeper *sweeper.Sweeper
	Server  *httptest.Server
	Client  *leaseclient.Client
}

// startStack builds store, manager, guard, sweeper and an HTTP server on
// top of the given Redis. The sweeper is created but not started; tests
// drive SweepOnce directly for determinism.
func startStack(t *testing.T, redisAddr string) *testStack {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	st := store.NewRedisStore(client, keyPrefix)
	mgr := lease.NewManager(st, logger, nil, []string{"null", "undefined", "Processing..."})
	mgr.SetDurationBounds(15*time.Minute, time.Hour)
	g := guard.New(nil, mgr, mgr, logger, guard.Options{})
	sw := sweeper.New(st, logger, nil, 30*time.Second)

	srv := httptest.NewServer(api.NewServer(mgr, g, logger, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		st.Close()
	})

	return &testStack{
		Store:   st,
		Manager: mgr,
		Sweeper: sw,
		Server:  srv,
		Client:  leaseclient.New(srv.URL, nil),
	}
}
