package streaming

import (
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	// DefaultEvictionBudget is used when available memory cannot be read.
	DefaultEvictionBudget int64 = 128 * 1024 * 1024
	minEvictionBudget     int64 = 16 * 1024 * 1024
	maxEvictionBudget     int64 = 1024 * 1024 * 1024
)

// AutoEvictionBudget sizes the eviction cache at an eighth of available
// system memory, clamped to [16MB, 1GB].
func AutoEvictionBudget() int64 {
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Available == 0 {
		return DefaultEvictionBudget
	}
	return clampBudget(int64(vm.Available / 8))
}

func clampBudget(b int64) int64 {
	return min(max(b, minEvictionBudget), maxEvictionBudget)
}
