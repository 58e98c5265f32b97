package store

import (
	"context"
	"fmt"
	"time"

	"teledl/internal/model"
)

func (s *Store) AddHistory(ctx context.Context, entry model.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO download_history (user_id, job_id, source_name, file_name,
			file_size, download_time_ms, quality, status, error_message, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.UserID, entry.JobID, entry.SourceName, entry.FileName,
		entry.FileSize, entry.DownloadTime.Milliseconds(), entry.Quality,
		entry.Status, entry.ErrorMessage, fmtTime(entry.CompletedAt))
	if err != nil {
		return fmt.Errorf("add history for job %s: %w", entry.JobID, err)
	}
	return nil
}

func (s *Store) UserHistory(ctx context.Context, userID int64, limit int) ([]model.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, job_id, source_name, file_name, file_size,
			download_time_ms, quality, status, error_message, completed_at
		FROM download_history
		WHERE user_id = ?
		ORDER BY completed_at DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history for user %d: %w", userID, err)
	}
	defer rows.Close()

	entries := make([]model.HistoryEntry, 0, limit)
	for rows.Next() {
		var (
			e         model.HistoryEntry
			ms        int64
			completed string
		)
		if err := rows.Scan(&e.UserID, &e.JobID, &e.SourceName, &e.FileName,
			&e.FileSize, &ms, &e.Quality, &e.Status, &e.ErrorMessage, &completed); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.DownloadTime = time.Duration(ms) * time.Millisecond
		e.CompletedAt = parseTime(completed)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) CleanupOldHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM download_history WHERE completed_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("cleanup old history: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) SaveStats(ctx context.Context, snap model.StatsSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_stats (ts, active_downloads, queued_downloads,
			total_users, disk_used_gb, memory_used_mb, cpu_percent)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fmtTime(snap.Timestamp), snap.ActiveDownloads, snap.QueuedDownloads,
		snap.TotalUsers, snap.DiskUsedGB, snap.MemoryUsedMB, snap.CPUPercent)
	if err != nil {
		return fmt.Errorf("save stats: %w", err)
	}
	return nil
}

func (s *Store) StatsSince(ctx context.Context, since time.Time) ([]model.StatsSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, active_downloads, queued_downloads, total_users,
			disk_used_gb, memory_used_mb, cpu_percent
		FROM system_stats
		WHERE ts >= ?
		ORDER BY ts DESC`, fmtTime(since))
	if err != nil {
		return nil, fmt.Errorf("list stats: %w", err)
	}
	defer rows.Close()

	snaps := make([]model.StatsSnapshot, 0, 32)
	for rows.Next() {
		var (
			snap model.StatsSnapshot
			ts   string
		)
		if err := rows.Scan(&ts, &snap.ActiveDownloads, &snap.QueuedDownloads,
			&snap.TotalUsers, &snap.DiskUsedGB, &snap.MemoryUsedMB, &snap.CPUPercent); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		snap.Timestamp = parseTime(ts)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *Store) CleanupOldStats(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM system_stats WHERE ts < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("cleanup old stats: %w", err)
	}
	return res.RowsAffected()
}
