package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"teledl/internal/model"
)

var enqueueFlags struct {
	userID   int64
	username string
	name     string
	url      string
	fileName string
	quality  string
	priority int
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Add a pending download job to the store",
	Long: `Add a pending download job directly to the store. A running serve
process picks it up on its next resume; otherwise it runs at the next
daemon start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if enqueueFlags.url == "" || enqueueFlags.fileName == "" || enqueueFlags.userID == 0 {
			return fmt.Errorf("--user, --url and --file are required")
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

		ctx := context.Background()
		now := time.Now().UTC()
		if _, err := st.EnsureUser(ctx, enqueueFlags.userID, enqueueFlags.username, now); err != nil {
			return fmt.Errorf("ensure user: %w", err)
		}

		job := model.Job{
			JobID:      uuid.NewString(),
			UserID:     enqueueFlags.userID,
			SourceName: enqueueFlags.name,
			SourceURL:  enqueueFlags.url,
			FileName:   enqueueFlags.fileName,
			Quality:    enqueueFlags.quality,
			Status:     model.StatusPending,
			Priority:   enqueueFlags.priority,
			MaxRetries: cfg.MaxRetries,
			CreatedAt:  now,
		}
		if err := st.CreateJob(ctx, job); err != nil {
			return err
		}
		fmt.Println("job enqueued:", job.JobID)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().Int64Var(&enqueueFlags.userID, "user", 0, "telegram user id the job belongs to")
	enqueueCmd.Flags().StringVar(&enqueueFlags.username, "username", "", "username for a new user record")
	enqueueCmd.Flags().StringVar(&enqueueFlags.name, "name", "", "human-readable source name")
	enqueueCmd.Flags().StringVar(&enqueueFlags.url, "url", "", "source URL to download")
	enqueueCmd.Flags().StringVar(&enqueueFlags.fileName, "file", "", "target file name")
	enqueueCmd.Flags().StringVar(&enqueueFlags.quality, "quality", "", "requested quality, e.g. 720p")
	enqueueCmd.Flags().IntVar(&enqueueFlags.priority, "priority", 0, "queue priority, higher runs first")
}
