// Package manager owns the download job queue, a fixed pool of workers and
// the admission policies that gate every execution attempt. Each dequeued
// job passes the circuit breaker, the resource monitor and the rate limiter
// before the executor runs; outcomes are persisted through the store and
// fanned out to progress subscribers.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"teledl/internal/fetch"
	"teledl/internal/guard"
	"teledl/internal/model"
	"teledl/internal/store"
)

// Executor performs the actual transfer for one job. It may block for the
// whole download and must be safe to call from concurrent workers.
type Executor interface {
	Fetch(ctx context.Context, req fetch.Request) (string, error)
}

// Store is the durable persistence capability the pool consumes.
// *store.Store satisfies it.
type Store interface {
	CreateJob(ctx context.Context, job model.Job) error
	GetJob(ctx context.Context, jobID string) (model.Job, error)
	UpdateJob(ctx context.Context, jobID string, upd store.JobUpdate) error
	MarkDownloading(ctx context.Context, jobID string, startedAt time.Time) (bool, error)
	FinishJob(ctx context.Context, jobID, status, errorMessage string, completedAt time.Time, retryCount int, fileSize int64) (bool, error)
	PendingJobs(ctx context.Context, limit int) ([]model.Job, error)
	UserJobs(ctx context.Context, userID int64, status string) ([]model.Job, error)
	AddHistory(ctx context.Context, entry model.HistoryEntry) error
	IncrementDownloads(ctx context.Context, userID int64, failed bool, now time.Time) error
}

type Options struct {
	Workers     int
	QueueSize   int
	DownloadDir string
	MaxRetries  int
	AuthToken   string

	// Pacing knobs; the defaults are production values, tests shrink them.
	DequeueWait    time.Duration // bounded queue wait, the shutdown yield point
	BreakerPause   time.Duration // worker backoff while the breaker is open
	ResourcePause  time.Duration // worker backoff while resources are constrained
	CrashPause     time.Duration // worker backoff after an unexpected panic
	BackoffBase    time.Duration // first inter-retry delay, doubles per attempt
	BackoffCap     time.Duration // inter-retry delay ceiling
	NotifyInterval time.Duration // minimum gap between byte-level notifications

	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 3
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.DownloadDir == "" {
		o.DownloadDir = "downloads"
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.DequeueWait <= 0 {
		o.DequeueWait = 5 * time.Second
	}
	if o.BreakerPause <= 0 {
		o.BreakerPause = 10 * time.Second
	}
	if o.ResourcePause <= 0 {
		o.ResourcePause = 30 * time.Second
	}
	if o.CrashPause <= 0 {
		o.CrashPause = 5 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 10 * time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 300 * time.Second
	}
	if o.NotifyInterval <= 0 {
		o.NotifyInterval = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Manager is the worker pool coordinator.
type Manager struct {
	opts    Options
	store   Store
	exec    Executor
	breaker *guard.Breaker
	limiter *guard.RateLimiter
	monitor *guard.Monitor
	log     *slog.Logger

	queue chan model.Job
	slots chan struct{} // bounded execution slots for the blocking transfer

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	workersLive atomic.Int32

	activeMu sync.RWMutex
	active   map[string]*progressEntry

	cbMu      sync.RWMutex
	callbacks []Callback
}

func New(opts Options, st Store, exec Executor, breaker *guard.Breaker, limiter *guard.RateLimiter, monitor *guard.Monitor) *Manager {
	opts.applyDefaults()
	return &Manager{
		opts:    opts,
		store:   st,
		exec:    exec,
		breaker: breaker,
		limiter: limiter,
		monitor: monitor,
		log:     opts.Logger,
		queue:   make(chan model.Job, opts.QueueSize),
		slots:   make(chan struct{}, opts.Workers),
		active:  make(map[string]*progressEntry),
	}
}

// Start spawns the worker pool. Idempotent: a second call while running is
// a no-op and never doubles the worker count.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	for i := 0; i < m.opts.Workers; i++ {
		name := fmt.Sprintf("worker-%d", i+1)
		m.wg.Add(1)
		go m.workerLoop(ctx, name)
	}
	m.log.Info("download manager started", "workers", m.opts.Workers)
}

// Stop signals workers and waits for them to drain. Jobs mid-flight are
// abandoned at their next suspension point and their durable status is
// left as-is; a restart reconciles them via the stale-job sweep.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.log.Info("download manager stopped")
}

func (m *Manager) isRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// AddJob persists a pending record and enqueues it, returning the fresh
// job id. Only field presence is validated; URL reachability is the
// executor's problem and URL vetting is the caller's.
func (m *Manager) AddJob(ctx context.Context, userID int64, sourceName, sourceURL, fileName, quality string, priority int) (string, error) {
	if strings.TrimSpace(sourceURL) == "" {
		return "", fmt.Errorf("source URL is required")
	}
	if strings.TrimSpace(fileName) == "" {
		return "", fmt.Errorf("file name is required")
	}
	if userID == 0 {
		return "", fmt.Errorf("user id is required")
	}

	job := model.Job{
		JobID:      uuid.NewString(),
		UserID:     userID,
		SourceName: sourceName,
		SourceURL:  sourceURL,
		FileName:   fileName,
		Quality:    quality,
		Status:     model.StatusPending,
		Priority:   priority,
		MaxRetries: m.opts.MaxRetries,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return "", err
	}
	m.enqueue(job)
	m.log.Info("download job added", "job_id", job.JobID, "user_id", userID, "priority", priority)
	return job.JobID, nil
}

// ResumePending loads queued work from the store in priority-then-age
// order and enqueues it. Called once at startup, after the stale-job sweep.
func (m *Manager) ResumePending(ctx context.Context) (int, error) {
	jobs, err := m.store.PendingJobs(ctx, m.opts.QueueSize)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		m.enqueue(job)
	}
	return len(jobs), nil
}

func (m *Manager) enqueue(job model.Job) {
	select {
	case m.queue <- job:
	default:
		// The durable record stays pending; the next resume picks it up.
		m.log.Warn("queue full, leaving job pending in store", "job_id", job.JobID)
	}
}

// UserDownloads lists a user's job records from the durable store.
func (m *Manager) UserDownloads(ctx context.Context, userID int64) ([]model.Job, error) {
	return m.store.UserJobs(ctx, userID, "")
}

// Cancel removes the job from the active table and marks the durable
// record failed with a cancellation reason. Best-effort only: an in-flight
// attempt is not interrupted, but the terminal compare-and-set guarantees
// the attempt's own terminal write cannot overwrite the cancellation.
// Returns false when the job is unknown or already terminal.
func (m *Manager) Cancel(ctx context.Context, jobID string) (bool, error) {
	m.untrackJob(jobID)
	ok, err := m.store.FinishJob(ctx, jobID, model.StatusFailed, "Cancelled by user", time.Now().UTC(), 0, 0)
	if err != nil {
		return false, err
	}
	if ok {
		m.log.Info("download job cancelled", "job_id", jobID)
	}
	return ok, nil
}

// SystemStatus is the operational rollup for dashboards and status commands.
type SystemStatus struct {
	ActiveDownloads     int                `json:"active_downloads"`
	QueueSize           int                `json:"queue_size"`
	CircuitBreakerState guard.BreakerState `json:"circuit_breaker_state"`
	SystemResources     guard.Snapshot     `json:"system_resources"`
	WorkersRunning      int                `json:"workers_running"`
	IsRunning           bool               `json:"is_running"`
}

func (m *Manager) SystemStatus() SystemStatus {
	snap, err := m.monitor.CheckResources()
	if err != nil {
		m.log.Error("resource check failed", "error", err)
	}
	return SystemStatus{
		ActiveDownloads:     m.activeCount(),
		QueueSize:           len(m.queue),
		CircuitBreakerState: m.breaker.State(),
		SystemResources:     snap,
		WorkersRunning:      int(m.workersLive.Load()),
		IsRunning:           m.isRunning(),
	}
}
