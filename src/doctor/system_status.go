package doctor

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Default thresholds of a HostStatus.
const (
	DefaultCPUThreshold    = 75.0
	DefaultMemoryThreshold = 100.0
	DefaultLagThreshold    = 100 * time.Millisecond
)

// SystemStatus tells the doctor whether the host has room for a republishing
// round.
type SystemStatus interface {
	Idle() (bool, error)
}

// HostStatus measures the CPU and memory usage of the host, and the time it
// takes the scheduler to run a fresh goroutine. A zero threshold disables the
// corresponding check.
type HostStatus struct {
	// CPUThreshold and MemoryThreshold are percentages (0-100)
	CPUThreshold    float64
	MemoryThreshold float64
	LagThreshold    time.Duration
}

// NewHostStatus returns a HostStatus with the default thresholds.
func NewHostStatus() *HostStatus {
	return &HostStatus{
		CPUThreshold:    DefaultCPUThreshold,
		MemoryThreshold: DefaultMemoryThreshold,
		LagThreshold:    DefaultLagThreshold,
	}
}

// Idle returns true if every enabled measure is below its threshold.
func (s *HostStatus) Idle() (bool, error) {
	if s.CPUThreshold > 0 {
		// usage since the previous call
		usage, err := cpu.Percent(0, false)
		if err != nil {
			return false, err
		}
		if len(usage) > 0 && usage[0] >= s.CPUThreshold {
			return false, nil
		}
	}

	if s.MemoryThreshold > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return false, err
		}
		if vm.UsedPercent >= s.MemoryThreshold {
			return false, nil
		}
	}

	if s.LagThreshold > 0 && SchedulerLag() >= s.LagThreshold {
		return false, nil
	}

	return true, nil
}

// SchedulerLag returns how long a new goroutine waits before it runs.
func SchedulerLag() time.Duration {
	start := time.Now()
	done := make(chan time.Duration)

	go func() {
		done <- time.Since(start)
	}()

	return <-done
}
