package guard

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	DefaultMaxMemoryPercent = 80.0
	DefaultMaxDiskPercent   = 90.0
	DefaultCPUInterval      = time.Second
)

// Snapshot is one fresh sample of host resources plus the admission verdict.
type Snapshot struct {
	MemoryPercent     float64 `json:"memory_percent"`
	MemoryAvailableGB float64 `json:"memory_available_gb"`
	DiskPercent       float64 `json:"disk_percent"`
	DiskFreeGB        float64 `json:"disk_free_gb"`
	CPUPercent        float64 `json:"cpu_percent"`
	CanDownload       bool    `json:"can_download"`
}

// HostStats is the coarser sample persisted by the monitoring loop.
type HostStats struct {
	MemoryUsedMB float64
	DiskUsedGB   float64
	CPUPercent   float64
}

// Sampler abstracts the host probes so tests can feed fixed readings.
type Sampler interface {
	Memory() (percent float64, availableBytes uint64, usedBytes uint64, err error)
	Disk() (percent float64, freeBytes uint64, usedBytes uint64, err error)
	CPU(interval time.Duration) (percent float64, err error)
}

// Monitor turns host samples into an admission verdict: downloads are
// admitted iff memory and disk usage are strictly below their ceilings.
// Every call samples fresh; there is no smoothing.
type Monitor struct {
	maxMemoryPercent float64
	maxDiskPercent   float64
	cpuInterval      time.Duration
	sampler          Sampler
}

func NewMonitor(maxMemoryPercent, maxDiskPercent float64, diskPath string) *Monitor {
	return NewMonitorWithSampler(maxMemoryPercent, maxDiskPercent, hostSampler{path: diskPath})
}

func NewMonitorWithSampler(maxMemoryPercent, maxDiskPercent float64, s Sampler) *Monitor {
	if maxMemoryPercent <= 0 {
		maxMemoryPercent = DefaultMaxMemoryPercent
	}
	if maxDiskPercent <= 0 {
		maxDiskPercent = DefaultMaxDiskPercent
	}
	return &Monitor{
		maxMemoryPercent: maxMemoryPercent,
		maxDiskPercent:   maxDiskPercent,
		cpuInterval:      DefaultCPUInterval,
		sampler:          s,
	}
}

// SetCPUInterval overrides the blocking CPU sampling interval.
func (m *Monitor) SetCPUInterval(d time.Duration) {
	if d > 0 {
		m.cpuInterval = d
	}
}

// CheckResources samples the host and returns the verdict. The CPU probe
// blocks for the configured interval.
func (m *Monitor) CheckResources() (Snapshot, error) {
	memPct, memAvail, _, err := m.sampler.Memory()
	if err != nil {
		return Snapshot{}, fmt.Errorf("sample memory: %w", err)
	}
	diskPct, diskFree, _, err := m.sampler.Disk()
	if err != nil {
		return Snapshot{}, fmt.Errorf("sample disk: %w", err)
	}
	cpuPct, err := m.sampler.CPU(m.cpuInterval)
	if err != nil {
		return Snapshot{}, fmt.Errorf("sample cpu: %w", err)
	}

	return Snapshot{
		MemoryPercent:     memPct,
		MemoryAvailableGB: float64(memAvail) / (1 << 30),
		DiskPercent:       diskPct,
		DiskFreeGB:        float64(diskFree) / (1 << 30),
		CPUPercent:        cpuPct,
		CanDownload:       memPct < m.maxMemoryPercent && diskPct < m.maxDiskPercent,
	}, nil
}

// Stats samples usage totals for the periodic stats snapshot. The CPU
// probe here is instantaneous.
func (m *Monitor) Stats() (HostStats, error) {
	_, _, memUsed, err := m.sampler.Memory()
	if err != nil {
		return HostStats{}, fmt.Errorf("sample memory: %w", err)
	}
	_, _, diskUsed, err := m.sampler.Disk()
	if err != nil {
		return HostStats{}, fmt.Errorf("sample disk: %w", err)
	}
	cpuPct, err := m.sampler.CPU(0)
	if err != nil {
		return HostStats{}, fmt.Errorf("sample cpu: %w", err)
	}
	return HostStats{
		MemoryUsedMB: float64(memUsed) / (1 << 20),
		DiskUsedGB:   float64(diskUsed) / (1 << 30),
		CPUPercent:   cpuPct,
	}, nil
}

type hostSampler struct {
	path string
}

func (s hostSampler) Memory() (float64, uint64, uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, 0, err
	}
	return vm.UsedPercent, vm.Available, vm.Used, nil
}

func (s hostSampler) Disk() (float64, uint64, uint64, error) {
	path := s.path
	if path == "" {
		path = "/"
	}
	du, err := disk.Usage(path)
	if err != nil {
		return 0, 0, 0, err
	}
	return du.UsedPercent, du.Free, du.Used, nil
}

func (s hostSampler) CPU(interval time.Duration) (float64, error) {
	pcts, err := cpu.Percent(interval, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, nil
	}
	return pcts[0], nil
}
