package manager

import (
	"context"
	"sync"
	"time"

	"teledl/internal/store"
)

// Progress is the ephemeral view of one in-flight job. Entries live in the
// manager's active table only while the job runs; the worker that owns the
// job is the only writer, observers get value copies.
type Progress struct {
	JobID      string        `json:"job_id"`
	FileName   string        `json:"file_name"`
	TotalSize  int64         `json:"total_size"`
	Downloaded int64         `json:"downloaded_size"`
	Speed      float64       `json:"speed"` // bytes per second
	ETA        time.Duration `json:"eta"`
	Percentage float64       `json:"percentage"`
	Status     string        `json:"status"`
}

// Callback receives a progress snapshot. Callbacks run synchronously on the
// worker goroutine; a panicking callback is isolated and logged, never
// propagated and never unregistered.
type Callback func(Progress)

type progressEntry struct {
	mu sync.Mutex
	p  Progress

	lastSampleAt    time.Time
	lastSampleBytes int64
}

func (m *Manager) trackJob(jobID, fileName string) {
	entry := &progressEntry{
		p: Progress{JobID: jobID, FileName: fileName, Status: "starting"},
	}
	m.activeMu.Lock()
	m.active[jobID] = entry
	m.activeMu.Unlock()
}

func (m *Manager) untrackJob(jobID string) {
	m.activeMu.Lock()
	delete(m.active, jobID)
	m.activeMu.Unlock()
}

// GetProgress returns a snapshot for an active job, or false once the job
// has reached a terminal state and left the table.
func (m *Manager) GetProgress(jobID string) (Progress, bool) {
	m.activeMu.RLock()
	entry, ok := m.active[jobID]
	m.activeMu.RUnlock()
	if !ok {
		return Progress{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.p, true
}

// ActiveProgress snapshots every in-flight job.
func (m *Manager) ActiveProgress() []Progress {
	m.activeMu.RLock()
	entries := make([]*progressEntry, 0, len(m.active))
	for _, e := range m.active {
		entries = append(entries, e)
	}
	m.activeMu.RUnlock()

	out := make([]Progress, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.p)
		e.mu.Unlock()
	}
	return out
}

func (m *Manager) activeCount() int {
	m.activeMu.RLock()
	defer m.activeMu.RUnlock()
	return len(m.active)
}

// setProgressStatus updates the human status string and notifies subscribers.
func (m *Manager) setProgressStatus(jobID, status string) {
	m.activeMu.RLock()
	entry, ok := m.active[jobID]
	m.activeMu.RUnlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.p.Status = status
	snap := entry.p
	entry.mu.Unlock()
	m.notify(snap)
}

func (m *Manager) finishProgress(jobID, status string, percentage float64) {
	m.activeMu.RLock()
	entry, ok := m.active[jobID]
	m.activeMu.RUnlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.p.Status = status
	entry.p.Percentage = percentage
	if percentage >= 100 {
		entry.p.ETA = 0
	}
	snap := entry.p
	entry.mu.Unlock()
	m.notify(snap)
}

// updateProgressBytes folds a transfer sample into the entry, deriving
// instantaneous speed and ETA from the delta since the previous sample.
// Byte updates are notified at most once per notifyInterval to keep
// subscriber fan-out off the hot path; the same throttled samples are
// persisted so the durable progress fallback stays close to live.
func (m *Manager) updateProgressBytes(jobID string, downloaded, total int64) {
	m.activeMu.RLock()
	entry, ok := m.active[jobID]
	m.activeMu.RUnlock()
	if !ok {
		return
	}

	now := time.Now()
	entry.mu.Lock()
	if total > 0 {
		entry.p.TotalSize = total
		entry.p.Percentage = 100 * float64(downloaded) / float64(total)
	}
	entry.p.Downloaded = downloaded

	var snap Progress
	shouldNotify := false
	if dt := now.Sub(entry.lastSampleAt); dt >= m.opts.NotifyInterval {
		if !entry.lastSampleAt.IsZero() && downloaded > entry.lastSampleBytes {
			entry.p.Speed = float64(downloaded-entry.lastSampleBytes) / dt.Seconds()
			if total > 0 && entry.p.Speed > 0 {
				remaining := float64(total - downloaded)
				entry.p.ETA = time.Duration(remaining / entry.p.Speed * float64(time.Second))
			}
		}
		entry.lastSampleAt = now
		entry.lastSampleBytes = downloaded
		snap = entry.p
		shouldNotify = true
	}
	entry.mu.Unlock()

	if shouldNotify {
		m.notify(snap)
		upd := store.JobUpdate{DownloadedBytes: &snap.Downloaded}
		if snap.TotalSize > 0 {
			upd.FileSize = &snap.TotalSize
		}
		if err := m.store.UpdateJob(context.Background(), jobID, upd); err != nil {
			m.log.Warn("persist progress sample", "job_id", jobID, "error", err)
		}
	}
}

// AddProgressCallback registers a subscriber for every progress update.
func (m *Manager) AddProgressCallback(cb Callback) {
	m.cbMu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.cbMu.Unlock()
}

func (m *Manager) notify(snap Progress) {
	m.cbMu.RLock()
	cbs := make([]Callback, len(m.callbacks))
	copy(cbs, m.callbacks)
	m.cbMu.RUnlock()

	for _, cb := range cbs {
		m.safeInvoke(cb, snap)
	}
}

func (m *Manager) safeInvoke(cb Callback, snap Progress) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("progress callback panicked", "job_id", snap.JobID, "panic", r)
		}
	}()
	cb(snap)
}
