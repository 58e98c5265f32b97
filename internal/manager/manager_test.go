package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"teledl/internal/fetch"
	"teledl/internal/guard"
	"teledl/internal/model"
	"teledl/internal/store"
)

type fakeExec struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, req fetch.Request) (string, error)
}

func (f *fakeExec) Fetch(ctx context.Context, req fetch.Request) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.SourceURL)
	f.mu.Unlock()
	return f.fn(ctx, req)
}

func (f *fakeExec) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeExec) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// succeedFn writes the requested file so the post-download existence check
// passes.
func succeedFn(ctx context.Context, req fetch.Request) (string, error) {
	if err := os.MkdirAll(req.Dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(req.Dir, req.FileName)
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		return "", err
	}
	if req.Progress != nil {
		req.Progress(7, 7)
	}
	return path, nil
}

type calmSampler struct{}

func (calmSampler) Memory() (float64, uint64, uint64, error) {
	return 40, 8 << 30, 2 << 30, nil
}
func (calmSampler) Disk() (float64, uint64, uint64, error) {
	return 50, 100 << 30, 100 << 30, nil
}
func (calmSampler) CPU(time.Duration) (float64, error) { return 10, nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, exec Executor, mutate func(*Options)) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	opts := Options{
		Workers:        1,
		QueueSize:      16,
		DownloadDir:    t.TempDir(),
		MaxRetries:     2,
		DequeueWait:    10 * time.Millisecond,
		BreakerPause:   10 * time.Millisecond,
		ResourcePause:  10 * time.Millisecond,
		CrashPause:     10 * time.Millisecond,
		BackoffBase:    time.Millisecond,
		BackoffCap:     5 * time.Millisecond,
		NotifyInterval: time.Nanosecond,
		Logger:         testLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}

	breaker := guard.NewBreaker(guard.DefaultFailureThreshold, time.Minute)
	limiter := guard.NewRateLimiter(1000, time.Minute)
	monitor := guard.NewMonitorWithSampler(80, 90, calmSampler{})
	m := New(opts, st, exec, breaker, limiter, monitor)
	t.Cleanup(m.Stop)
	return m, st
}

func waitForStatus(t *testing.T, st *store.Store, jobID, want string) model.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := st.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := st.GetJob(context.Background(), jobID)
	t.Fatalf("job %s never reached %s, stuck at %s (%s)", jobID, want, job.Status, job.ErrorMessage)
	return model.Job{}
}

func TestBackoffDelay(t *testing.T) {
	base := 10 * time.Second
	cap := 300 * time.Second
	want := []time.Duration{
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		300 * time.Second,
		300 * time.Second,
	}
	for attempt, expected := range want {
		if got := backoffDelay(attempt, base, cap); got != expected {
			t.Errorf("attempt %d: got %s, want %s", attempt, got, expected)
		}
	}
	if got := backoffDelay(-1, base, cap); got != base {
		t.Errorf("negative attempt: got %s, want %s", got, base)
	}
}

func TestManager_StartIsIdempotent(t *testing.T) {
	exec := &fakeExec{fn: succeedFn}
	m, _ := newTestManager(t, exec, func(o *Options) { o.Workers = 2 })

	m.Start()
	m.Start()
	time.Sleep(20 * time.Millisecond)

	if got := int(m.workersLive.Load()); got != 2 {
		t.Fatalf("expected 2 live workers after double Start, got %d", got)
	}
	m.Stop()
	m.Stop()
	if got := int(m.workersLive.Load()); got != 0 {
		t.Fatalf("expected 0 live workers after Stop, got %d", got)
	}
}

func TestManager_JobCompletes(t *testing.T) {
	exec := &fakeExec{fn: succeedFn}
	m, st := newTestManager(t, exec, nil)
	ctx := context.Background()

	if _, err := st.EnsureUser(ctx, 42, "ada", time.Now().UTC()); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	m.Start()

	id, err := m.AddJob(ctx, 42, "Lesson 1", "https://host/a", "lesson1.mp4", "720p", 0)
	if err != nil {
		t.Fatalf("add job: %v", err)
	}
	job := waitForStatus(t, st, id, model.StatusCompleted)

	if job.RetryCount != 0 {
		t.Fatalf("clean run must record 0 retries, got %d", job.RetryCount)
	}
	if job.CompletedAt == nil || job.StartedAt == nil {
		t.Fatalf("completed job must carry started/completed timestamps")
	}
	if job.FileSize != int64(len("payload")) {
		t.Fatalf("file size not recorded, got %d", job.FileSize)
	}
	if _, ok := m.GetProgress(id); ok {
		t.Fatalf("terminal job must leave the active table")
	}

	hist, err := st.UserHistory(ctx, 42, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 || hist[0].JobID != id {
		t.Fatalf("expected one history entry for %s, got %+v", id, hist)
	}
	user, err := st.GetUser(ctx, 42)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.DailyDownloads != 1 || user.TotalDownloads != 1 {
		t.Fatalf("user counters not updated: %+v", user)
	}
}

func TestManager_JobFailsAfterRetries(t *testing.T) {
	exec := &fakeExec{fn: func(ctx context.Context, req fetch.Request) (string, error) {
		return "", errors.New("origin unreachable")
	}}
	m, st := newTestManager(t, exec, nil)
	ctx := context.Background()

	if _, err := st.EnsureUser(ctx, 7, "bob", time.Now().UTC()); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	m.Start()

	id, err := m.AddJob(ctx, 7, "Lesson 2", "https://host/b", "lesson2.mp4", "720p", 0)
	if err != nil {
		t.Fatalf("add job: %v", err)
	}
	job := waitForStatus(t, st, id, model.StatusFailed)

	if job.RetryCount != 2 {
		t.Fatalf("expected retry count 2 at failure, got %d", job.RetryCount)
	}
	if job.ErrorMessage != "origin unreachable" {
		t.Fatalf("error message not persisted, got %q", job.ErrorMessage)
	}
	if got := exec.callCount(); got != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", got)
	}
	user, err := st.GetUser(ctx, 7)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.TotalFailed != 1 || user.TotalDownloads != 0 {
		t.Fatalf("failure counters not updated: %+v", user)
	}
}

func TestManager_FlakyJobRecordsRetryCount(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	exec := &fakeExec{fn: func(ctx context.Context, req fetch.Request) (string, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return "", errors.New("transient stall")
		}
		return succeedFn(ctx, req)
	}}
	m, st := newTestManager(t, exec, nil)
	m.Start()

	id, err := m.AddJob(context.Background(), 9, "Lesson 3", "https://host/c", "lesson3.mp4", "", 0)
	if err != nil {
		t.Fatalf("add job: %v", err)
	}
	job := waitForStatus(t, st, id, model.StatusCompleted)
	if job.RetryCount != 1 {
		t.Fatalf("expected retry count 1 after one transient failure, got %d", job.RetryCount)
	}
}

func TestManager_CancelPendingJob(t *testing.T) {
	exec := &fakeExec{fn: succeedFn}
	m, st := newTestManager(t, exec, nil)
	ctx := context.Background()

	// Pool not started: the job stays pending and cancellable.
	id, err := m.AddJob(ctx, 5, "Lesson 4", "https://host/d", "lesson4.mp4", "", 0)
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	ok, err := m.Cancel(ctx, id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !ok {
		t.Fatalf("cancelling a pending job must succeed")
	}
	job, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != model.StatusFailed || job.ErrorMessage != "Cancelled by user" {
		t.Fatalf("unexpected cancelled record: %s / %q", job.Status, job.ErrorMessage)
	}
	if _, ok := m.GetProgress(id); ok {
		t.Fatalf("cancelled job must not appear in the active table")
	}

	again, err := m.Cancel(ctx, id)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if again {
		t.Fatalf("cancelling a terminal job must report false")
	}
}

func TestManager_CancelWhileQueuedStaysCancelled(t *testing.T) {
	exec := &fakeExec{fn: succeedFn}
	m, st := newTestManager(t, exec, nil)
	ctx := context.Background()

	// Cancel lands while the job sits in the queue, before any worker runs.
	id, err := m.AddJob(ctx, 6, "Lesson 7", "https://host/g", "lesson7.mp4", "", 0)
	if err != nil {
		t.Fatalf("add job: %v", err)
	}
	ok, err := m.Cancel(ctx, id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !ok {
		t.Fatalf("cancelling a queued job must succeed")
	}

	// The worker that eventually dequeues the stale entry must miss its
	// claim and leave the cancellation record alone.
	m.Start()
	time.Sleep(100 * time.Millisecond)

	job, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != model.StatusFailed || job.ErrorMessage != "Cancelled by user" {
		t.Fatalf("cancellation overwritten by a late worker: %s / %q", job.Status, job.ErrorMessage)
	}
	if got := exec.callCount(); got != 0 {
		t.Fatalf("cancelled job must never reach the executor, saw %d attempts", got)
	}
}

func TestManager_ResumePendingRunsByPriorityThenAge(t *testing.T) {
	exec := &fakeExec{fn: succeedFn}
	m, st := newTestManager(t, exec, nil)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	seed := []model.Job{
		{JobID: "job-old-low", UserID: 1, SourceURL: "https://host/old-low", FileName: "a.mp4", Status: model.StatusPending, Priority: 0, MaxRetries: 1, CreatedAt: base},
		{JobID: "job-new-low", UserID: 1, SourceURL: "https://host/new-low", FileName: "b.mp4", Status: model.StatusPending, Priority: 0, MaxRetries: 1, CreatedAt: base.Add(time.Minute)},
		{JobID: "job-high", UserID: 1, SourceURL: "https://host/high", FileName: "c.mp4", Status: model.StatusPending, Priority: 5, MaxRetries: 1, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, job := range seed {
		if err := st.CreateJob(ctx, job); err != nil {
			t.Fatalf("seed job: %v", err)
		}
	}

	n, err := m.ResumePending(ctx)
	if err != nil {
		t.Fatalf("resume pending: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected to resume 3 jobs, got %d", n)
	}

	m.Start()
	for _, job := range seed {
		waitForStatus(t, st, job.JobID, model.StatusCompleted)
	}

	want := []string{"https://host/high", "https://host/old-low", "https://host/new-low"}
	got := exec.callOrder()
	if len(got) != len(want) {
		t.Fatalf("expected %d executions, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order %v, want %v", got, want)
		}
	}
}

func TestManager_CallbackPanicIsIsolated(t *testing.T) {
	exec := &fakeExec{fn: succeedFn}
	m, st := newTestManager(t, exec, nil)

	m.AddProgressCallback(func(Progress) { panic("observer bug") })
	var mu sync.Mutex
	var seen []string
	m.AddProgressCallback(func(p Progress) {
		mu.Lock()
		seen = append(seen, p.Status)
		mu.Unlock()
	})

	m.Start()
	id, err := m.AddJob(context.Background(), 3, "Lesson 5", "https://host/e", "lesson5.mp4", "", 0)
	if err != nil {
		t.Fatalf("add job: %v", err)
	}
	waitForStatus(t, st, id, model.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		t.Fatalf("surviving callback must keep receiving updates")
	}
	if seen[len(seen)-1] != "completed" {
		t.Fatalf("expected final callback status completed, got %q", seen[len(seen)-1])
	}
}

func TestManager_OpenBreakerHoldsJobBack(t *testing.T) {
	exec := &fakeExec{fn: succeedFn}
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	breaker := guard.NewBreaker(1, time.Hour)
	breaker.RecordFailure() // trips immediately at threshold 1
	limiter := guard.NewRateLimiter(1000, time.Minute)
	monitor := guard.NewMonitorWithSampler(80, 90, calmSampler{})
	m := New(Options{
		Workers:      1,
		DownloadDir:  t.TempDir(),
		DequeueWait:  5 * time.Millisecond,
		BreakerPause: 5 * time.Millisecond,
		Logger:       testLogger(),
	}, st, exec, breaker, limiter, monitor)
	t.Cleanup(m.Stop)
	m.Start()

	id, err := m.AddJob(context.Background(), 4, "Lesson 6", "https://host/f", "lesson6.mp4", "", 0)
	if err != nil {
		t.Fatalf("add job: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if got := exec.callCount(); got != 0 {
		t.Fatalf("open breaker must block execution, saw %d attempts", got)
	}
	job, err := st.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != model.StatusPending {
		t.Fatalf("held-back job must stay pending, got %s", job.Status)
	}
}

func TestManager_SystemStatus(t *testing.T) {
	exec := &fakeExec{fn: succeedFn}
	m, _ := newTestManager(t, exec, func(o *Options) { o.Workers = 2 })

	status := m.SystemStatus()
	if status.IsRunning {
		t.Fatalf("status must report not running before Start")
	}

	m.Start()
	time.Sleep(20 * time.Millisecond)
	status = m.SystemStatus()
	if !status.IsRunning {
		t.Fatalf("status must report running after Start")
	}
	if status.WorkersRunning != 2 {
		t.Fatalf("expected 2 workers running, got %d", status.WorkersRunning)
	}
	if status.CircuitBreakerState != guard.BreakerClosed {
		t.Fatalf("fresh breaker must be closed, got %s", status.CircuitBreakerState)
	}
	if !status.SystemResources.CanDownload {
		t.Fatalf("calm sampler must allow downloads: %+v", status.SystemResources)
	}
}

func TestManager_CleanupOldFiles(t *testing.T) {
	exec := &fakeExec{fn: succeedFn}
	m, _ := newTestManager(t, exec, nil)

	userDir := filepath.Join(m.opts.DownloadDir, "42")
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	oldFile := filepath.Join(userDir, "stale.mp4")
	freshFile := filepath.Join(userDir, "fresh.mp4")
	for _, p := range []string{oldFile, freshFile} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldFile, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if got := m.CleanupOldFiles(24 * time.Hour); got != 1 {
		t.Fatalf("expected 1 file removed, got %d", got)
	}
	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Fatalf("stale file must be gone")
	}
	if _, err := os.Stat(freshFile); err != nil {
		t.Fatalf("fresh file must survive: %v", err)
	}

	// Zero max age sweeps everything; a second run finds nothing.
	if got := m.CleanupOldFiles(0); got != 1 {
		t.Fatalf("expected the remaining file removed at zero max age, got %d", got)
	}
	if got := m.CleanupOldFiles(0); got != 0 {
		t.Fatalf("repeat sweep must remove nothing, got %d", got)
	}
}

func TestManager_AddJobValidation(t *testing.T) {
	exec := &fakeExec{fn: succeedFn}
	m, _ := newTestManager(t, exec, nil)
	ctx := context.Background()

	cases := []struct {
		name                    string
		userID                  int64
		sourceURL, fileName     string
	}{
		{"missing url", 1, "", "f.mp4"},
		{"missing file name", 1, "https://host/x", "  "},
		{"missing user", 0, "https://host/x", "f.mp4"},
	}
	for _, tc := range cases {
		if _, err := m.AddJob(ctx, tc.userID, "src", tc.sourceURL, tc.fileName, "", 0); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
	if _, err := m.AddJob(ctx, 1, "src", fmt.Sprintf("https://host/%d", 1), "ok.mp4", "", 0); err != nil {
		t.Errorf("valid job rejected: %v", err)
	}
}
