package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"teledl/internal/model"
)

// EnsureUser returns the existing user record or creates a fresh one.
// Existing users get their last-activity stamp bumped.
func (s *Store) EnsureUser(ctx context.Context, userID int64, username string, now time.Time) (model.User, error) {
	user, err := s.GetUser(ctx, userID)
	if err == nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE users SET last_activity = ? WHERE user_id = ?`, fmtTime(now), userID)
		if err != nil {
			return model.User{}, fmt.Errorf("touch user %d: %w", userID, err)
		}
		user.LastActivity = now.UTC()
		return user, nil
	}
	if err != model.ErrNotFound {
		return model.User{}, err
	}

	user = model.User{
		UserID:           userID,
		Username:         username,
		PreferredQuality: "720p",
		IsActive:         true,
		DailyReset:       now.UTC(),
		CreatedAt:        now.UTC(),
		LastActivity:     now.UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, username, preferred_quality, is_active,
			daily_downloads, daily_reset, total_downloads, total_failed,
			created_at, last_activity)
		VALUES (?, ?, ?, 1, 0, ?, 0, 0, ?, ?)`,
		userID, username, user.PreferredQuality,
		fmtTime(now), fmtTime(now), fmtTime(now))
	if err != nil {
		return model.User{}, fmt.Errorf("create user %d: %w", userID, err)
	}
	return user, nil
}

func (s *Store) GetUser(ctx context.Context, userID int64) (model.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, username, preferred_quality, target_chat_id, is_active,
			daily_downloads, daily_reset, total_downloads, total_failed,
			created_at, last_activity
		FROM users WHERE user_id = ?`, userID)

	var (
		u                            model.User
		active                       int
		reset, created, lastActivity string
	)
	err := row.Scan(&u.UserID, &u.Username, &u.PreferredQuality, &u.TargetChatID,
		&active, &u.DailyDownloads, &reset, &u.TotalDownloads, &u.TotalFailed,
		&created, &lastActivity)
	if err == sql.ErrNoRows {
		return model.User{}, model.ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("get user %d: %w", userID, err)
	}
	u.IsActive = active != 0
	u.DailyReset = parseTime(reset)
	u.CreatedAt = parseTime(created)
	u.LastActivity = parseTime(lastActivity)
	return u, nil
}

// IncrementDownloads bumps a user's counters after a terminal job state.
// The daily counter restarts when the last reset is from an earlier day.
func (s *Store) IncrementDownloads(ctx context.Context, userID int64, failed bool, now time.Time) error {
	user, err := s.EnsureUser(ctx, userID, "", now)
	if err != nil {
		return err
	}

	succ, fail := 1, 0
	if failed {
		succ, fail = 0, 1
	}

	y1, m1, d1 := user.DailyReset.UTC().Date()
	y2, m2, d2 := now.UTC().Date()
	newDay := y1 != y2 || m1 != m2 || d1 != d2

	if newDay {
		_, err = s.db.ExecContext(ctx, `
			UPDATE users
			SET daily_downloads = ?, daily_reset = ?,
				total_downloads = total_downloads + ?, total_failed = total_failed + ?
			WHERE user_id = ?`,
			succ, fmtTime(now), succ, fail, userID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE users
			SET daily_downloads = daily_downloads + ?,
				total_downloads = total_downloads + ?, total_failed = total_failed + ?
			WHERE user_id = ?`,
			succ, succ, fail, userID)
	}
	if err != nil {
		return fmt.Errorf("increment downloads for user %d: %w", userID, err)
	}
	return nil
}

func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}
