// Package gpu is the GPU side consumer of guest memory tracking: it reads
// guest memory and keeps host copies of guest buffers current.
package gpu

import (
	"fmt"

	"github.com/tinyrange/memtrack/internal/tracking"
)

// Memory is the guest memory the GPU reads and writes.
type Memory interface {
	PageSize() uint64
	Read(va uint64, p []byte) error
	Write(va uint64, p []byte) error
	BeginTracking(va, size uint64) *tracking.RegionHandle
	BeginGranularTracking(va, size, granularity uint64) *tracking.MultiRegionHandle
}

// PhysicalMemory is the GPU view of guest memory.
type PhysicalMemory struct {
	mem Memory
}

func NewPhysicalMemory(mem Memory) *PhysicalMemory {
	return &PhysicalMemory{mem: mem}
}

// Read copies guest memory at va into p.
func (pm *PhysicalMemory) Read(va uint64, p []byte) error {
	if err := pm.mem.Read(va, p); err != nil {
		return fmt.Errorf("gpu: read 0x%x: %w", va, err)
	}
	return nil
}

// ReadRange returns a copy of [va, va+size).
func (pm *PhysicalMemory) ReadRange(va, size uint64) ([]byte, error) {
	buf := make([]byte, size)
	if err := pm.Read(va, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Write stores p at va. The write is tracked like a CPU write.
func (pm *PhysicalMemory) Write(va uint64, p []byte) error {
	if err := pm.mem.Write(va, p); err != nil {
		return fmt.Errorf("gpu: write 0x%x: %w", va, err)
	}
	return nil
}

// PageSize returns the tracking page size.
func (pm *PhysicalMemory) PageSize() uint64 {
	return pm.mem.PageSize()
}

func (pm *PhysicalMemory) BeginTracking(va, size uint64) *tracking.RegionHandle {
	return pm.mem.BeginTracking(va, size)
}

func (pm *PhysicalMemory) BeginGranularTracking(va, size, granularity uint64) *tracking.MultiRegionHandle {
	return pm.mem.BeginGranularTracking(va, size, granularity)
}
