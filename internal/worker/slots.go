package worker

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"golang.org/x/sync/semaphore"

	"github.com/therealutkarshpriyadarshi/lecturevod/internal/metrics"
)

// bytesPerEncode is the memory reserved per concurrent x264 encode.
const bytesPerEncode = 512 << 20

// SlotCount returns configured when positive. Otherwise it sizes the encode
// pool to half the logical CPUs, capped by available memory.
func SlotCount(ctx context.Context, configured int) int64 {
	if configured > 0 {
		return int64(configured)
	}

	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil || cpus <= 0 {
		cpus = runtime.NumCPU()
	}
	n := int64(cpus / 2)
	if n < 1 {
		n = 1
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Available > 0 {
		byMem := int64(vm.Available / bytesPerEncode)
		if byMem < 1 {
			byMem = 1
		}
		if byMem < n {
			n = byMem
		}
	}
	return n
}

// Slots is the process-wide encode limiter shared by every job.
type Slots struct {
	sem *semaphore.Weighted
}

// NewSlots creates a limiter with n slots.
func NewSlots(n int64) *Slots {
	return &Slots{sem: semaphore.NewWeighted(n)}
}

// Acquire blocks for n slots or until ctx is done.
func (s *Slots) Acquire(ctx context.Context, n int64) error {
	if err := s.sem.Acquire(ctx, n); err != nil {
		return err
	}
	metrics.EncodeSlotsInUse.Add(float64(n))
	return nil
}

// Release returns n slots.
func (s *Slots) Release(n int64) {
	metrics.EncodeSlotsInUse.Sub(float64(n))
	s.sem.Release(n)
}
