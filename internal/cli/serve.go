package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"teledl/internal/config"
	"teledl/internal/fetch"
	"teledl/internal/guard"
	"teledl/internal/httpapi"
	"teledl/internal/manager"
	"teledl/internal/model"
	"teledl/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the download daemon: worker pool, HTTP API and maintenance loops",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

func runServe(cfg config.Config) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	lock, err := store.AcquireDataLock(cfg.DataDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Jobs left mid-download by a crash are failed before anything new
	// starts, so their records cannot shadow the fresh run.
	swept, err := st.FailStaleDownloading(ctx, "Interrupted by restart", time.Now().UTC())
	if err != nil {
		return fmt.Errorf("reconcile stale jobs: %w", err)
	}
	if swept > 0 {
		log.Warn("failed stale downloads from previous run", "count", swept)
	}

	breaker := guard.NewBreaker(cfg.Limits.BreakerThreshold, cfg.Limits.BreakerRecovery)
	limiter := guard.NewRateLimiter(cfg.Limits.RateMaxRequests, cfg.Limits.RateWindow)
	monitor := guard.NewMonitor(cfg.Limits.MaxMemoryPercent, cfg.Limits.MaxDiskPercent, cfg.DownloadDir)

	mgr := manager.New(manager.Options{
		Workers:     cfg.Workers,
		QueueSize:   cfg.QueueSize,
		DownloadDir: cfg.DownloadDir,
		MaxRetries:  cfg.MaxRetries,
		AuthToken:   cfg.AuthToken,
		Logger:      log,
	}, st, fetch.NewClient(0), breaker, limiter, monitor)

	resumed, err := mgr.ResumePending(ctx)
	if err != nil {
		return fmt.Errorf("resume pending jobs: %w", err)
	}
	if resumed > 0 {
		log.Info("resumed pending jobs", "count", resumed)
	}

	mgr.Start()
	defer mgr.Stop()

	go cleanupLoop(ctx, cfg, st, mgr, log)
	go statsLoop(ctx, cfg, st, mgr, monitor, log)

	api := httpapi.New(mgr, st, log)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: api.Router()}
	errCh := make(chan error, 1)
	go func() {
		log.Info("http api listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	return nil
}

// cleanupLoop prunes old download files and old store records on a fixed
// interval.
func cleanupLoop(ctx context.Context, cfg config.Config, st *store.Store, mgr *manager.Manager, log *slog.Logger) {
	ticker := time.NewTicker(cfg.Cleanup.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		mgr.CleanupOldFiles(cfg.Cleanup.FileMaxAge)
		now := time.Now().UTC()
		if n, err := st.CleanupOldJobs(ctx, now.Add(-cfg.Cleanup.JobMaxAge)); err != nil {
			log.Error("cleanup old jobs", "error", err)
		} else if n > 0 {
			log.Info("cleaned up old job records", "count", n)
		}
		if _, err := st.CleanupOldHistory(ctx, now.Add(-cfg.Cleanup.HistoryMaxAge)); err != nil {
			log.Error("cleanup old history", "error", err)
		}
		if _, err := st.CleanupOldStats(ctx, now.Add(-cfg.Cleanup.StatsMaxAge)); err != nil {
			log.Error("cleanup old stats", "error", err)
		}
	}
}

// statsLoop persists a system snapshot on a fixed interval for the status
// and watch views.
func statsLoop(ctx context.Context, cfg config.Config, st *store.Store, mgr *manager.Manager, monitor *guard.Monitor, log *slog.Logger) {
	ticker := time.NewTicker(cfg.Cleanup.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		host, err := monitor.Stats()
		if err != nil {
			log.Error("sample host stats", "error", err)
			continue
		}
		counts, err := st.StatusCounts(ctx)
		if err != nil {
			log.Error("count jobs", "error", err)
			continue
		}
		users, err := st.CountUsers(ctx)
		if err != nil {
			log.Error("count users", "error", err)
			continue
		}
		status := mgr.SystemStatus()
		snap := model.StatsSnapshot{
			Timestamp:       time.Now().UTC(),
			ActiveDownloads: status.ActiveDownloads,
			QueuedDownloads: counts[model.StatusPending],
			TotalUsers:      users,
			DiskUsedGB:      host.DiskUsedGB,
			MemoryUsedMB:    host.MemoryUsedMB,
			CPUPercent:      host.CPUPercent,
		}
		if err := st.SaveStats(ctx, snap); err != nil {
			log.Error("save stats snapshot", "error", err)
		}
	}
}
