package guard

import (
	"errors"
	"testing"
	"time"
)

type fakeSampler struct {
	memPct    float64
	memAvail  uint64
	memUsed   uint64
	diskPct   float64
	diskFree  uint64
	diskUsed  uint64
	cpuPct    float64
	memErr    error
	diskErr   error
	cpuErr    error
	cpuCalled time.Duration
}

func (f *fakeSampler) Memory() (float64, uint64, uint64, error) {
	return f.memPct, f.memAvail, f.memUsed, f.memErr
}

func (f *fakeSampler) Disk() (float64, uint64, uint64, error) {
	return f.diskPct, f.diskFree, f.diskUsed, f.diskErr
}

func (f *fakeSampler) CPU(interval time.Duration) (float64, error) {
	f.cpuCalled = interval
	return f.cpuPct, f.cpuErr
}

func TestMonitor_AdmissionVerdict(t *testing.T) {
	cases := []struct {
		name    string
		memPct  float64
		diskPct float64
		want    bool
	}{
		{"both below ceilings", 50, 50, true},
		{"memory at ceiling", 80, 50, false},
		{"memory above ceiling", 85, 50, false},
		{"disk at ceiling", 50, 90, false},
		{"disk above ceiling", 50, 95, false},
		{"just under both", 79.9, 89.9, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := &fakeSampler{memPct: tc.memPct, diskPct: tc.diskPct}
			m := NewMonitorWithSampler(80, 90, s)
			snap, err := m.CheckResources()
			if err != nil {
				t.Fatalf("check resources: %v", err)
			}
			if snap.CanDownload != tc.want {
				t.Fatalf("mem=%.1f disk=%.1f: can_download=%v, want %v",
					tc.memPct, tc.diskPct, snap.CanDownload, tc.want)
			}
		})
	}
}

func TestMonitor_SnapshotUnits(t *testing.T) {
	s := &fakeSampler{
		memPct:   40,
		memAvail: 2 << 30, // 2 GiB
		diskPct:  60,
		diskFree: 10 << 30, // 10 GiB
		cpuPct:   12.5,
	}
	m := NewMonitorWithSampler(80, 90, s)
	m.SetCPUInterval(100 * time.Millisecond)

	snap, err := m.CheckResources()
	if err != nil {
		t.Fatalf("check resources: %v", err)
	}
	if snap.MemoryAvailableGB != 2 {
		t.Fatalf("expected 2 GB available, got %v", snap.MemoryAvailableGB)
	}
	if snap.DiskFreeGB != 10 {
		t.Fatalf("expected 10 GB free, got %v", snap.DiskFreeGB)
	}
	if snap.CPUPercent != 12.5 {
		t.Fatalf("expected cpu 12.5, got %v", snap.CPUPercent)
	}
	if s.cpuCalled != 100*time.Millisecond {
		t.Fatalf("expected configured cpu interval, got %v", s.cpuCalled)
	}
}

func TestMonitor_SamplerErrorSurfaces(t *testing.T) {
	s := &fakeSampler{diskErr: errors.New("statfs failed")}
	m := NewMonitorWithSampler(80, 90, s)
	if _, err := m.CheckResources(); err == nil {
		t.Fatalf("expected sampler error to surface")
	}
}

func TestMonitor_StatsUsesInstantCPU(t *testing.T) {
	s := &fakeSampler{
		memUsed:   512 << 20, // 512 MiB
		diskUsed:  5 << 30,   // 5 GiB
		cpuPct:    7,
		cpuCalled: time.Hour, // sentinel, overwritten by the call
	}
	m := NewMonitorWithSampler(80, 90, s)

	stats, err := m.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.MemoryUsedMB != 512 {
		t.Fatalf("expected 512 MB used, got %v", stats.MemoryUsedMB)
	}
	if stats.DiskUsedGB != 5 {
		t.Fatalf("expected 5 GB used, got %v", stats.DiskUsedGB)
	}
	if s.cpuCalled != 0 {
		t.Fatalf("stats must sample cpu without an interval, got %v", s.cpuCalled)
	}
}
