// Package store persists jobs, users, download history and periodic stats
// snapshots in SQLite. Job updates are field-level merges so concurrent
// workers can touch different jobs safely; terminal status writes go
// through a compare-and-set so a finished record is never overwritten.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"teledl/internal/model"
)

type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL,
	source_name TEXT NOT NULL,
	source_url TEXT NOT NULL,
	file_name TEXT NOT NULL,
	quality TEXT NOT NULL,
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	error_message TEXT NOT NULL DEFAULT '',
	file_size INTEGER NOT NULL DEFAULT 0,
	downloaded_bytes INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id);
CREATE INDEX IF NOT EXISTS idx_jobs_pending ON jobs(priority DESC, created_at ASC);

CREATE TABLE IF NOT EXISTS users (
	user_id INTEGER PRIMARY KEY,
	username TEXT NOT NULL DEFAULT '',
	preferred_quality TEXT NOT NULL DEFAULT '720p',
	target_chat_id INTEGER NOT NULL DEFAULT 0,
	is_active INTEGER NOT NULL DEFAULT 1,
	daily_downloads INTEGER NOT NULL DEFAULT 0,
	daily_reset TEXT NOT NULL,
	total_downloads INTEGER NOT NULL DEFAULT 0,
	total_failed INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	last_activity TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS download_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	job_id TEXT NOT NULL,
	source_name TEXT NOT NULL,
	file_name TEXT NOT NULL,
	file_size INTEGER NOT NULL DEFAULT 0,
	download_time_ms INTEGER NOT NULL DEFAULT 0,
	quality TEXT NOT NULL,
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	completed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_user ON download_history(user_id, completed_at DESC);

CREATE TABLE IF NOT EXISTS system_stats (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	active_downloads INTEGER NOT NULL,
	queued_downloads INTEGER NOT NULL,
	total_users INTEGER NOT NULL,
	disk_used_gb REAL NOT NULL,
	memory_used_mb REAL NOT NULL,
	cpu_percent REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stats_ts ON system_stats(ts);
`

func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dataDir, err)
	}
	dbPath := filepath.Join(dataDir, "teledl.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *Store) CreateJob(ctx context.Context, job model.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, user_id, source_name, source_url, file_name, quality,
			status, priority, retry_count, max_retries, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.UserID, job.SourceName, job.SourceURL, job.FileName, job.Quality,
		job.Status, job.Priority, job.RetryCount, job.MaxRetries, job.ErrorMessage,
		fmtTime(job.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.JobID, err)
	}
	return nil
}

const jobColumns = `job_id, user_id, source_name, source_url, file_name, quality,
	status, priority, retry_count, max_retries, error_message, file_size,
	downloaded_bytes, created_at, started_at, completed_at`

func scanJob(row interface{ Scan(...any) error }) (model.Job, error) {
	var (
		j                  model.Job
		created            string
		started, completed sql.NullString
	)
	err := row.Scan(&j.JobID, &j.UserID, &j.SourceName, &j.SourceURL, &j.FileName,
		&j.Quality, &j.Status, &j.Priority, &j.RetryCount, &j.MaxRetries,
		&j.ErrorMessage, &j.FileSize, &j.DownloadedBytes, &created, &started, &completed)
	if err != nil {
		return model.Job{}, err
	}
	j.CreatedAt = parseTime(created)
	if started.Valid {
		t := parseTime(started.String)
		j.StartedAt = &t
	}
	if completed.Valid {
		t := parseTime(completed.String)
		j.CompletedAt = &t
	}
	return j, nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return model.Job{}, model.ErrNotFound
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// JobUpdate is a field-level merge; nil fields are left untouched.
type JobUpdate struct {
	Status          *string
	RetryCount      *int
	ErrorMessage    *string
	FileSize        *int64
	DownloadedBytes *int64
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

func (s *Store) UpdateJob(ctx context.Context, jobID string, upd JobUpdate) error {
	sets := make([]string, 0, 7)
	args := make([]any, 0, 8)
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *upd.RetryCount)
	}
	if upd.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *upd.ErrorMessage)
	}
	if upd.FileSize != nil {
		sets = append(sets, "file_size = ?")
		args = append(args, *upd.FileSize)
	}
	if upd.DownloadedBytes != nil {
		sets = append(sets, "downloaded_bytes = ?")
		args = append(args, *upd.DownloadedBytes)
	}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, fmtTime(*upd.StartedAt))
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, fmtTime(*upd.CompletedAt))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, jobID)
	_, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET "+strings.Join(sets, ", ")+" WHERE job_id = ?", args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	return nil
}

// statusGuard builds the IN(...) clause admitting only the statuses the
// transition table allows as sources for the target status.
func statusGuard(to string) (string, []any) {
	sources := model.TransitionSources(to)
	marks := make([]string, len(sources))
	args := make([]any, len(sources))
	for i, from := range sources {
		marks[i] = "?"
		args[i] = from
	}
	return strings.Join(marks, ", "), args
}

// MarkDownloading claims a queued job for a worker, stamping its start
// time. The guard admits only the pending state, so a job cancelled while
// it sat in the queue (or already claimed via a duplicate enqueue) is left
// untouched and the claim reports false.
func (s *Store) MarkDownloading(ctx context.Context, jobID string, startedAt time.Time) (bool, error) {
	guard, guardArgs := statusGuard(model.StatusDownloading)
	args := append([]any{model.StatusDownloading, fmtTime(startedAt), jobID}, guardArgs...)
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = ? WHERE job_id = ? AND status IN (`+guard+`)`,
		args...)
	if err != nil {
		return false, fmt.Errorf("mark job %s downloading: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark job %s downloading: %w", jobID, err)
	}
	return n > 0, nil
}

// FinishJob writes a terminal status iff the job's current status may
// legally transition into it. The compare-and-set keeps a cancel and a
// worker's own terminal write from clobbering each other: whichever lands
// first wins and the loser's write reports false.
func (s *Store) FinishJob(ctx context.Context, jobID, status, errorMessage string, completedAt time.Time, retryCount int, fileSize int64) (bool, error) {
	if !model.IsTerminalStatus(status) {
		return false, fmt.Errorf("finish job %s: %q is not a terminal status", jobID, status)
	}
	guard, guardArgs := statusGuard(status)
	args := append([]any{status, errorMessage, fmtTime(completedAt), retryCount, fileSize, jobID}, guardArgs...)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, error_message = ?, completed_at = ?, retry_count = ?, file_size = ?
		WHERE job_id = ? AND status IN (`+guard+`)`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("finish job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish job %s: %w", jobID, err)
	}
	return n > 0, nil
}

// PendingJobs returns queued work ordered by priority (higher first) then age.
func (s *Store) PendingJobs(ctx context.Context, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ?
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`, model.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// UserJobs lists a user's jobs newest first, optionally filtered by status.
func (s *Store) UserJobs(ctx context.Context, userID int64, status string) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs for user %d: %w", userID, err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]model.Job, error) {
	jobs := make([]model.Job, 0, 16)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// FailStaleDownloading marks jobs left mid-flight by a previous process as
// failed. Called once at startup before pending work is re-enqueued.
func (s *Store) FailStaleDownloading(ctx context.Context, reason string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_message = ?, completed_at = ?
		WHERE status = ?`,
		model.StatusFailed, reason, fmtTime(now), model.StatusDownloading)
	if err != nil {
		return 0, fmt.Errorf("fail stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// StatusCounts returns the number of jobs per status.
func (s *Store) StatusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CleanupOldJobs deletes terminal jobs whose completion is older than the cutoff.
func (s *Store) CleanupOldJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		model.StatusCompleted, model.StatusFailed, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("cleanup old jobs: %w", err)
	}
	return res.RowsAffected()
}
