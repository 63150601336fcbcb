// Package procstats supplements the core supervisor with best-effort
// CPU/RSS sampling per running child. It is informational only: a
// sampling failure never becomes a lastError and never affects status
// or healthy.
//
// Built on gopsutil's process.NewProcess/CPUPercent/MemoryInfo, narrowed
// down to the two fields that matter here.
package procstats

import (
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

// Sample is one CPU/RSS reading.
type Sample struct {
	CPUPercent float64
	RSSBytes   uint64
}

// Cache holds the last sample per server id.
type Cache struct {
	mu      sync.RWMutex
	samples map[string]Sample
}

// NewCache returns an empty sample cache.
func NewCache() *Cache {
	return &Cache{samples: make(map[string]Sample)}
}

// Sample attempts to read CPU/RSS for pid and caches the result under id.
// Failure (process gone, permission denied) silently drops any cached
// sample for id rather than returning an error the caller must handle.
func (c *Cache) Sample(id string, pid int) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		c.Drop(id)
		return
	}

	cpuPct, err := proc.CPUPercent()
	if err != nil {
		c.Drop(id)
		return
	}
	mem, err := proc.MemoryInfo()
	if err != nil || mem == nil {
		c.Drop(id)
		return
	}

	c.mu.Lock()
	c.samples[id] = Sample{CPUPercent: cpuPct, RSSBytes: mem.RSS}
	c.mu.Unlock()
}

// Get returns the last cached sample for id, if any.
func (c *Cache) Get(id string) (Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.samples[id]
	return s, ok
}

// Drop removes any cached sample for id, e.g. once its server has been
// torn down (Manager.ForceStopAll).
func (c *Cache) Drop(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.samples, id)
}
