package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leasegate/internal/api"
	"leasegate/internal/config"
	"leasegate/internal/guard"
	"leasegate/internal/lease"
	"leasegate/internal/obs"
	"leasegate/internal/store"
	"leasegate/internal/sweeper"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "leasegate.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("leasegate %s\n", version)
		os.Exit(0)
	}

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Verify Redis connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to Redis", "error", err, "address", cfg.Redis.Address)
		cancel()
		os.Exit(1)
	}
	cancel()
	logger.Info("connected to Redis", "address", cfg.Redis.Address)

	// Wire the lease engine
	st := store.NewRedisStore(redisClient, cfg.Redis.KeyPrefix)
	metrics := obs.NewMetrics(prometheus.DefaultRegisterer)
	mgr := lease.NewManager(st, logger, metrics, cfg.Lease.Placeholders)
	mgr.SetDurationBounds(cfg.Lease.DefaultDuration, cfg.Lease.MaxDuration)

	// Server-side guard: no session cache, authoritative path only.
	g := guard.New(nil, mgr, mgr, logger, guard.Options{
		FailClosedAfter: cfg.Poll.FailClosedAfter,
	})

	// Start the cleanup sweeper
	sw := sweeper.New(st, logger, metrics, cfg.Sweep.Interval)
	if err := sw.Start(); err != nil {
		logger.Error("failed to start sweeper", "error", err)
		os.Exit(1)
	}

	// Start the HTTP server
	server := &http.Server{
		Addr:    cfg.Server.ListenAddress,
		Handler: api.NewServer(mgr, g, logger, promhttp.Handler()).Handler(),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", cfg.Server.ListenAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Notify systemd that we're ready
	notifySystemd(logger)

	// Start systemd watchdog if configured
	stopWatchdog := startWatchdog(logger)

	// Wait for shutdown signal or server failure
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		logger.Error("server failed", "error", err)
	}

	// Stop watchdog
	if stopWatchdog != nil {
		stopWatchdog()
	}

	// Notify systemd we're stopping
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Drain in-flight requests
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down server", "error", err)
	}
	shutdownCancel()

	// Stop the sweeper
	sw.Stop()

	// Close the store
	if err := st.Close(); err != nil {
		logger.Error("failed to close store", "error", err)
	}

	logger.Info("shutdown complete")
}

// notifySystemd sends the ready notification to systemd if running under systemd.
func notifySystemd(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd", "error", err)
	} else if sent {
		logger.Debug("notified systemd ready")
	}
}

// startWatchdog starts the systemd watchdog if configured.
// Returns a function to stop the watchdog, or nil if not running.
func startWatchdog(logger *slog.Logger) func() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return nil
	}

	logger.Info("starting systemd watchdog", "interval", interval)

	ticker := time.NewTicker(interval / 2)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				ticker.Stop()
				return
			case <-ticker.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()

	return func() {
		close(done)
	}
}
