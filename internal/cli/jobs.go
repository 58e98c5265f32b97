package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"teledl/internal/model"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	busyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func styledStatus(status string) string {
	switch status {
	case model.StatusCompleted:
		return okStyle.Render(status)
	case model.StatusFailed:
		return failStyle.Render(status)
	case model.StatusDownloading:
		return busyStyle.Render(status)
	default:
		return mutedStyle.Render(status)
	}
}

var jobsFlags struct {
	userID int64
	status string
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List a user's download jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if jobsFlags.userID == 0 {
			return fmt.Errorf("--user is required")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		jobs, err := st.UserJobs(context.Background(), jobsFlags.userID, jobsFlags.status)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("no jobs")
			return nil
		}

		fmt.Println(headerStyle.Render(fmt.Sprintf("%d job(s) for user %d", len(jobs), jobsFlags.userID)))
		for _, job := range jobs {
			line := fmt.Sprintf("  %s  %s  %s  prio=%d retries=%d",
				job.JobID, styledStatus(job.Status), job.FileName, job.Priority, job.RetryCount)
			fmt.Println(line)
			if job.ErrorMessage != "" {
				fmt.Println(mutedStyle.Render("    " + job.ErrorMessage))
			}
		}
		return nil
	},
}

var cancelPurge bool

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
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
		ok, err := st.FinishJob(ctx, args[0], model.StatusFailed, "Cancelled by user", time.Now().UTC(), 0, 0)
		if err != nil {
			return err
		}
		if cancelPurge {
			if err := st.DeleteJob(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("job removed:", args[0])
			return nil
		}
		if !ok {
			return fmt.Errorf("job %s not found or already finished", args[0])
		}
		fmt.Println("job cancelled:", args[0])
		return nil
	},
}

var historyFlags struct {
	userID int64
	limit  int
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show a user's completed download history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyFlags.userID == 0 {
			return fmt.Errorf("--user is required")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		entries, err := st.UserHistory(context.Background(), historyFlags.userID, historyFlags.limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no history")
			return nil
		}

		fmt.Println(headerStyle.Render(fmt.Sprintf("history for user %d", historyFlags.userID)))
		for _, e := range entries {
			fmt.Printf("  %s  %s  %.1f MB in %s (%s)\n",
				e.CompletedAt.Local().Format("2006-01-02 15:04"),
				e.FileName,
				float64(e.FileSize)/(1<<20),
				e.DownloadTime.Round(time.Second),
				e.Quality)
		}
		return nil
	},
}

func init() {
	cancelCmd.Flags().BoolVar(&cancelPurge, "purge", false, "remove the job record entirely")
	jobsCmd.Flags().Int64Var(&jobsFlags.userID, "user", 0, "telegram user id")
	jobsCmd.Flags().StringVar(&jobsFlags.status, "status", "", "filter by status (pending, downloading, completed, failed)")
	historyCmd.Flags().Int64Var(&historyFlags.userID, "user", 0, "telegram user id")
	historyCmd.Flags().IntVar(&historyFlags.limit, "limit", 0, "maximum entries to show")
}
