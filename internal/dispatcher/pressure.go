package dispatcher

import (
	"math"
	"runtime"
	"runtime/debug"
)

// MemorySampler reports process memory use as a percentage of a budget.
// The budget is limitBytes when positive, otherwise the runtime soft limit
// set through GOMEMLIMIT. With neither, pressure is always 0.
type MemorySampler struct {
	limitBytes uint64
}

// NewMemorySampler builds a sampler over limitMB megabytes (0 selects the
// runtime limit).
func NewMemorySampler(limitMB int) *MemorySampler {
	var limit uint64
	if limitMB > 0 {
		limit = uint64(limitMB) << 20
	}
	return &MemorySampler{limitBytes: limit}
}

// Sample implements PressureSampler.
func (s *MemorySampler) Sample() float64 {
	budget := s.limitBytes
	if budget == 0 {
		rt := debug.SetMemoryLimit(-1)
		if rt <= 0 || rt == math.MaxInt64 {
			return 0
		}
		budget = uint64(rt)
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	used := ms.Sys - ms.HeapReleased
	return float64(used) / float64(budget) * 100
}
