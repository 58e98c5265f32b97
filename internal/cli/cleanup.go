package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"teledl/internal/manager"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune old download files and old store records now",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		log := slog.New(slog.NewTextHandler(os.Stderr, nil))
		removed := manager.SweepOldFiles(log, cfg.DownloadDir, cfg.Cleanup.FileMaxAge)
		fmt.Printf("removed %d old file(s)\n", removed)

		ctx := context.Background()
		now := time.Now().UTC()
		jobs, err := st.CleanupOldJobs(ctx, now.Add(-cfg.Cleanup.JobMaxAge))
		if err != nil {
			return err
		}
		hist, err := st.CleanupOldHistory(ctx, now.Add(-cfg.Cleanup.HistoryMaxAge))
		if err != nil {
			return err
		}
		stats, err := st.CleanupOldStats(ctx, now.Add(-cfg.Cleanup.StatsMaxAge))
		if err != nil {
			return err
		}
		fmt.Printf("removed %d job record(s), %d history entries, %d stats row(s)\n", jobs, hist, stats)
		return nil
	},
}
