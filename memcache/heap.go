package memcache

import (
	"math"
	"runtime/debug"
)

// fallbackHeapMB is used when neither a runtime memory limit nor the physical
// memory size can be determined.
const fallbackHeapMB = 256

// HeapBudgetMB returns the memory budget of the process in megabytes.
// A soft limit set through GOMEMLIMIT / debug.SetMemoryLimit wins; otherwise
// the physical memory reported by the platform is used.
func HeapBudgetMB() int {
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit != math.MaxInt64 {
		return clampMB(uint64(limit) / megabyte)
	}
	if total := physicalMemory(); total > 0 {
		return clampMB(total / megabyte)
	}
	return fallbackHeapMB
}

func clampMB(mb uint64) int {
	if mb == 0 {
		return 1
	}
	if mb > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(mb)
}
