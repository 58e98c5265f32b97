package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"teledl/internal/fetch"
	"teledl/internal/model"
)

// workerLoop runs until the pool is stopped. The bounded dequeue wait is
// the cooperative yield point that lets shutdown in; gating failures
// requeue the job untouched and back the worker off without charging the
// job's retry budget.
func (m *Manager) workerLoop(ctx context.Context, name string) {
	defer m.wg.Done()
	m.workersLive.Add(1)
	defer m.workersLive.Add(-1)
	m.log.Info("worker started", "worker", name)

	for {
		if ctx.Err() != nil {
			m.log.Info("worker stopped", "worker", name)
			return
		}
		m.workerPass(ctx, name)
	}
}

// workerPass is one iteration of the loop. Panics are contained here so a
// single bad job can never take the worker down.
func (m *Manager) workerPass(ctx context.Context, name string) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("worker panic", "worker", name, "panic", r)
			m.sleep(ctx, m.opts.CrashPause)
		}
	}()

	job, ok := m.dequeue(ctx)
	if !ok {
		return
	}

	if !m.breaker.Allow() {
		m.log.Warn("circuit breaker open, requeueing job", "worker", name, "job_id", job.JobID)
		m.enqueue(job)
		m.sleep(ctx, m.opts.BreakerPause)
		return
	}

	snap, err := m.monitor.CheckResources()
	if err != nil {
		// Admission fails open on a sampler error: better to download than
		// to wedge the queue on a broken probe.
		m.log.Error("resource check failed", "worker", name, "error", err)
	} else if !snap.CanDownload {
		m.log.Warn("system resources constrained, requeueing job",
			"worker", name, "job_id", job.JobID,
			"memory_percent", snap.MemoryPercent, "disk_percent", snap.DiskPercent)
		m.enqueue(job)
		m.sleep(ctx, m.opts.ResourcePause)
		return
	}

	if err := m.limiter.Wait(ctx); err != nil {
		// Shutdown hit mid-wait; put the job back for the next run.
		m.enqueue(job)
		return
	}

	m.processJob(ctx, job, name)
}

func (m *Manager) dequeue(ctx context.Context) (model.Job, bool) {
	timer := time.NewTimer(m.opts.DequeueWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return model.Job{}, false
	case job := <-m.queue:
		return job, true
	case <-timer.C:
		return model.Job{}, false
	}
}

// processJob drives one job through the attempt loop to a terminal state.
// The guarded pending->downloading claim comes first: a job cancelled
// while it sat in the queue misses the claim and its cancellation record
// stands.
func (m *Manager) processJob(ctx context.Context, job model.Job, name string) {
	started := time.Now().UTC()
	claimed, err := m.store.MarkDownloading(ctx, job.JobID, started)
	if err != nil {
		m.log.Error("claim job", "worker", name, "job_id", job.JobID, "error", err)
		return
	}
	if !claimed {
		m.log.Info("job no longer pending, skipping", "worker", name, "job_id", job.JobID)
		return
	}

	m.log.Info("processing job", "worker", name, "job_id", job.JobID, "user_id", job.UserID)

	m.trackJob(job.JobID, job.FileName)
	defer m.untrackJob(job.JobID)

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("unexpected error: %v", r)
			m.log.Error("job processing panicked", "worker", name, "job_id", job.JobID, "panic", r)
			if _, err := m.store.FinishJob(ctx, job.JobID, model.StatusFailed, msg, time.Now().UTC(), job.RetryCount, 0); err != nil {
				m.log.Error("persist failure after panic", "job_id", job.JobID, "error", err)
			}
			m.finishProgress(job.JobID, "error", 0)
		}
	}()

	userDir := filepath.Join(m.opts.DownloadDir, strconv.FormatInt(job.UserID, 10))

	var (
		filePath string
		lastErr  error
		success  bool
		attempt  int
	)
	for attempt = 0; attempt <= job.MaxRetries; attempt++ {
		m.setProgressStatus(job.JobID, fmt.Sprintf("downloading (attempt %d/%d)", attempt+1, job.MaxRetries+1))

		path, err := m.execute(ctx, job, userDir)
		if err == nil {
			if _, statErr := os.Stat(path); statErr == nil {
				filePath = path
				success = true
				m.breaker.RecordSuccess()
				break
			}
			err = fmt.Errorf("download finished but file %s is missing", path)
		}
		lastErr = err
		m.log.Error("download attempt failed",
			"worker", name, "job_id", job.JobID, "attempt", attempt+1, "error", err)

		if ctx.Err() != nil {
			// Shutdown: abandon mid-flight, durable status stays downloading
			// for the restart sweep to reconcile.
			return
		}
		if attempt < job.MaxRetries {
			wait := backoffDelay(attempt, m.opts.BackoffBase, m.opts.BackoffCap)
			m.setProgressStatus(job.JobID, fmt.Sprintf("retrying in %s", wait))
			if err := m.sleep(ctx, wait); err != nil {
				return
			}
		} else {
			m.breaker.RecordFailure()
		}
	}

	now := time.Now().UTC()
	if success {
		var size int64
		if info, err := os.Stat(filePath); err == nil {
			size = info.Size()
		}
		won, err := m.store.FinishJob(ctx, job.JobID, model.StatusCompleted, "", now, attempt, size)
		if err != nil {
			m.log.Error("persist completion", "job_id", job.JobID, "error", err)
			return
		}
		if !won {
			// Cancelled while the attempt ran; the cancellation record stands.
			m.log.Warn("job finished after cancellation, keeping cancelled record", "job_id", job.JobID)
			return
		}
		entry := model.HistoryEntry{
			UserID:       job.UserID,
			JobID:        job.JobID,
			SourceName:   job.SourceName,
			FileName:     job.FileName,
			FileSize:     size,
			DownloadTime: now.Sub(started),
			Quality:      job.Quality,
			Status:       model.StatusCompleted,
			CompletedAt:  now,
		}
		if err := m.store.AddHistory(ctx, entry); err != nil {
			m.log.Error("append history", "job_id", job.JobID, "error", err)
		}
		if err := m.store.IncrementDownloads(ctx, job.UserID, false, now); err != nil {
			m.log.Error("increment user downloads", "user_id", job.UserID, "error", err)
		}
		m.finishProgress(job.JobID, "completed", 100)
		m.log.Info("download completed",
			"worker", name, "job_id", job.JobID, "file", filePath, "bytes", size,
			"elapsed", now.Sub(started))
		return
	}

	errMsg := "download failed"
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	won, err := m.store.FinishJob(ctx, job.JobID, model.StatusFailed, errMsg, now, job.MaxRetries, 0)
	if err != nil {
		m.log.Error("persist failure", "job_id", job.JobID, "error", err)
		return
	}
	if won {
		if err := m.store.IncrementDownloads(ctx, job.UserID, true, now); err != nil {
			m.log.Error("increment user failures", "user_id", job.UserID, "error", err)
		}
	}
	m.finishProgress(job.JobID, "failed", 0)
	m.log.Error("download failed permanently",
		"worker", name, "job_id", job.JobID, "retries", job.MaxRetries, "error", errMsg)
}

// execute runs the blocking transfer under a bounded execution slot so a
// long download cannot starve other workers' gating checks.
func (m *Manager) execute(ctx context.Context, job model.Job, userDir string) (string, error) {
	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-m.slots }()

	return m.exec.Fetch(ctx, fetch.Request{
		FileName:  job.FileName,
		SourceURL: job.SourceURL,
		Dir:       userDir,
		Quality:   job.Quality,
		AuthToken: m.opts.AuthToken,
		Progress: func(downloaded, total int64) {
			m.updateProgressBytes(job.JobID, downloaded, total)
		},
	})
}

// backoffDelay is min(cap, 2^attempt * base): 10s, 20s, 40s, 80s, 160s,
// then capped at 300s with the default knobs.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// sleep waits for d or until shutdown, whichever comes first.
func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
