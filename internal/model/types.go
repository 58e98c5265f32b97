package model

import "time"

// Job is one queued download request with its own retry and lifecycle state.
type Job struct {
	JobID           string     `json:"job_id"`
	UserID          int64      `json:"user_id"`
	SourceName      string     `json:"source_name"`
	SourceURL       string     `json:"source_url"`
	FileName        string     `json:"file_name"`
	Quality         string     `json:"quality"`
	Status          string     `json:"status"`
	Priority        int        `json:"priority"`
	RetryCount      int        `json:"retry_count"`
	MaxRetries      int        `json:"max_retries"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	FileSize        int64      `json:"file_size,omitempty"`
	DownloadedBytes int64      `json:"downloaded_bytes,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// User holds per-owner counters the worker pool increments on terminal
// job states. The daily counter resets on the first increment of a new day.
type User struct {
	UserID           int64     `json:"user_id"`
	Username         string    `json:"username,omitempty"`
	PreferredQuality string    `json:"preferred_quality"`
	TargetChatID     int64     `json:"target_chat_id,omitempty"`
	IsActive         bool      `json:"is_active"`
	DailyDownloads   int       `json:"daily_downloads"`
	DailyReset       time.Time `json:"daily_downloads_reset"`
	TotalDownloads   int       `json:"total_downloads"`
	TotalFailed      int       `json:"total_failed_downloads"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivity     time.Time `json:"last_activity"`
}

// HistoryEntry records one finished download for per-user history queries.
type HistoryEntry struct {
	UserID       int64         `json:"user_id"`
	JobID        string        `json:"job_id"`
	SourceName   string        `json:"source_name"`
	FileName     string        `json:"file_name"`
	FileSize     int64         `json:"file_size"`
	DownloadTime time.Duration `json:"download_time"`
	Quality      string        `json:"quality"`
	Status       string        `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CompletedAt  time.Time     `json:"completed_at"`
}

// StatsSnapshot is one periodic sample of pool and host state.
type StatsSnapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	ActiveDownloads int       `json:"active_downloads"`
	QueuedDownloads int       `json:"queued_downloads"`
	TotalUsers      int       `json:"total_users"`
	DiskUsedGB      float64   `json:"disk_usage_gb"`
	MemoryUsedMB    float64   `json:"memory_usage_mb"`
	CPUPercent      float64   `json:"cpu_usage_percent"`
}
