// Package sysinfo reads host resource usage.
package sysinfo

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/mem"
)

// MemoryProbe reports host memory pressure.
type MemoryProbe struct {
	read func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

// NewMemoryProbe creates a probe backed by the OS virtual memory counters.
func NewMemoryProbe() *MemoryProbe {
	return &MemoryProbe{read: mem.VirtualMemoryWithContext}
}

// UsedPercent returns used physical memory in [0, 100].
func (p *MemoryProbe) UsedPercent(ctx context.Context) (float64, error) {
	vm, err := p.read(ctx)
	if err != nil {
		return 0, fmt.Errorf("read virtual memory: %w", err)
	}
	return min(100, max(0, vm.UsedPercent)), nil
}
