// Package bench runs synthetic guest write workloads against the tracker.
package bench

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/memtrack/internal/tracking"
)

// Mapping maps [VA, VA+Size) onto backing memory at PA. Two mappings with the
// same PA alias.
type Mapping struct {
	VA   uint64 `yaml:"va"`
	PA   uint64 `yaml:"pa"`
	Size uint64 `yaml:"size"`
}

// Tracked is a guest range watched for writes. A non-zero Granularity tracks
// it with a granular handle.
type Tracked struct {
	Address     uint64 `yaml:"address"`
	Size        uint64 `yaml:"size"`
	Granularity uint64 `yaml:"granularity,omitempty"`
	Eager       bool   `yaml:"eager,omitempty"`
}

// Buffer is a guest range kept in a GPU buffer cache.
type Buffer struct {
	Address uint64 `yaml:"address"`
	Size    uint64 `yaml:"size"`
}

// Workload describes a benchmark run.
type Workload struct {
	Tracking tracking.Config `yaml:"tracking"`

	AddressSpaceSize uint64 `yaml:"addressSpaceSize"`
	BackingSize      uint64 `yaml:"backingSize"`

	Mappings []Mapping `yaml:"mappings"`
	Tracked  []Tracked `yaml:"tracked"`
	Buffers  []Buffer  `yaml:"buffers"`

	BufferCacheSize int `yaml:"bufferCacheSize,omitempty"`

	Writers            int    `yaml:"writers"`
	Iterations         int    `yaml:"iterations"`
	WritesPerIteration int    `yaml:"writesPerIteration"`
	WriteSize          uint64 `yaml:"writeSize"`
	Seed               int64  `yaml:"seed"`
}

func (w *Workload) normalize() {
	if w.Writers == 0 {
		w.Writers = 1
	}
	if w.Iterations == 0 {
		w.Iterations = 1
	}
	if w.WritesPerIteration == 0 {
		w.WritesPerIteration = 1
	}
	if w.WriteSize == 0 {
		w.WriteSize = 8
	}
	if w.BufferCacheSize == 0 {
		w.BufferCacheSize = max(len(w.Buffers), 1)
	}
}

// Validate fills in defaults and checks the workload is self-consistent.
func (w *Workload) Validate() error {
	w.normalize()

	if err := w.Tracking.Validate(); err != nil {
		return err
	}
	if w.AddressSpaceSize == 0 || w.BackingSize == 0 {
		return fmt.Errorf("bench: addressSpaceSize and backingSize are required")
	}
	if len(w.Mappings) == 0 {
		return fmt.Errorf("bench: workload has no mappings")
	}
	for i, m := range w.Mappings {
		if m.Size == 0 {
			return fmt.Errorf("bench: mapping %d is empty", i)
		}
		if m.VA+m.Size > w.AddressSpaceSize {
			return fmt.Errorf("bench: mapping %d [0x%x-0x%x) exceeds address space of 0x%x", i, m.VA, m.VA+m.Size, w.AddressSpaceSize)
		}
		if m.PA+m.Size > w.BackingSize {
			return fmt.Errorf("bench: mapping %d backing [0x%x-0x%x) exceeds backing of 0x%x", i, m.PA, m.PA+m.Size, w.BackingSize)
		}
	}
	for i, t := range w.Tracked {
		if t.Size == 0 {
			return fmt.Errorf("bench: tracked range %d is empty", i)
		}
	}
	for i, b := range w.Buffers {
		if b.Size == 0 {
			return fmt.Errorf("bench: buffer %d is empty", i)
		}
	}
	if w.Writers < 0 || w.Iterations < 0 || w.WritesPerIteration < 0 {
		return fmt.Errorf("bench: negative writer or iteration count")
	}
	return nil
}

// ParseWorkload decodes and validates a YAML workload.
func ParseWorkload(data []byte) (Workload, error) {
	var w Workload
	if err := yaml.Unmarshal(data, &w); err != nil {
		return Workload{}, fmt.Errorf("bench: parse workload: %w", err)
	}
	if err := w.Validate(); err != nil {
		return Workload{}, err
	}
	return w, nil
}

// LoadWorkload reads a YAML workload from path.
func LoadWorkload(path string) (Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Workload{}, fmt.Errorf("bench: read workload: %w", err)
	}
	return ParseWorkload(data)
}
