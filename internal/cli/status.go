package cli

import (
	"context"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"teledl/internal/guard"
	"teledl/internal/model"
)

var panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a queue and host resource rollup",
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

		ctx := context.Background()
		counts, err := st.StatusCounts(ctx)
		if err != nil {
			return err
		}
		users, err := st.CountUsers(ctx)
		if err != nil {
			return err
		}

		lines := []string{
			headerStyle.Render("queue"),
			fmt.Sprintf("  pending      %d", counts[model.StatusPending]),
			fmt.Sprintf("  downloading  %d", counts[model.StatusDownloading]),
			fmt.Sprintf("  completed    %d", counts[model.StatusCompleted]),
			fmt.Sprintf("  failed       %d", counts[model.StatusFailed]),
			fmt.Sprintf("  users        %d", users),
		}

		monitor := guard.NewMonitor(cfg.Limits.MaxMemoryPercent, cfg.Limits.MaxDiskPercent, cfg.DownloadDir)
		snap, err := monitor.CheckResources()
		if err != nil {
			lines = append(lines, "", failStyle.Render("resources unavailable: "+err.Error()))
		} else {
			verdict := okStyle.Render("ok")
			if !snap.CanDownload {
				verdict = failStyle.Render("constrained")
			}
			lines = append(lines, "",
				headerStyle.Render("host"),
				fmt.Sprintf("  memory  %.1f%% used, %.1f GB free", snap.MemoryPercent, snap.MemoryAvailableGB),
				fmt.Sprintf("  disk    %.1f%% used, %.1f GB free", snap.DiskPercent, snap.DiskFreeGB),
				fmt.Sprintf("  cpu     %.1f%%", snap.CPUPercent),
				fmt.Sprintf("  admission %s", verdict),
			)
		}

		fmt.Println(panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
		return nil
	},
}
