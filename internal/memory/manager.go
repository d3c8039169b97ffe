package memory

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/memtrack/internal/tracking"
)

// Manager is a guest memory with write tracking: a backing block, the guest
// page table over it, and the tracker wired to both.
type Manager struct {
	block    *Block
	as       *AddressSpace
	tracking *tracking.Tracking
}

// NewManager maps backingSize bytes of backing memory and creates an empty
// guest range of addressSpaceSize bytes over it. The page size is the larger
// of cfg.PageSize and the host page size.
func NewManager(addressSpaceSize, backingSize uint64, cfg tracking.Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	block, err := NewBlock(backingSize)
	if err != nil {
		return nil, err
	}
	if host := block.PageSize(); cfg.PageSize < host {
		slog.Debug("memory: raising page size to host page size", "configured", cfg.PageSize, "host", host)
		cfg.PageSize = host
	}

	as, err := NewAddressSpace(addressSpaceSize, block.Size(), cfg.PageSize)
	if err != nil {
		block.Close()
		return nil, err
	}

	t, err := tracking.New(as, block, cfg)
	if err != nil {
		block.Close()
		return nil, err
	}

	return &Manager{block: block, as: as, tracking: t}, nil
}

// PageSize returns the page size shared by the page table and the tracker.
func (m *Manager) PageSize() uint64 { return m.as.PageSize() }

// Size returns the size of the guest range.
func (m *Manager) Size() uint64 { return m.as.Size() }

// BackingSize returns the size of the backing block.
func (m *Manager) BackingSize() uint64 { return m.block.Size() }

// Tracking returns the tracker.
func (m *Manager) Tracking() *tracking.Tracking { return m.tracking }

// AddressSpace returns the guest page table.
func (m *Manager) AddressSpace() *AddressSpace { return m.as }

// Map maps [va, va+size) onto backing memory at pa and retranslates every
// tracked region in the range.
func (m *Manager) Map(va, pa, size uint64) error {
	if err := m.as.Map(va, pa, size); err != nil {
		return err
	}
	m.tracking.Map(va, size)
	return nil
}

// Unmap unmaps [va, va+size) and retranslates every tracked region in the
// range.
func (m *Manager) Unmap(va, size uint64) error {
	if err := m.as.Unmap(va, size); err != nil {
		return err
	}
	m.tracking.Unmap(va, size)
	return nil
}

// BeginTracking forwards to Tracking.BeginTracking.
func (m *Manager) BeginTracking(va, size uint64) *tracking.RegionHandle {
	return m.tracking.BeginTracking(va, size)
}

// BeginGranularTracking forwards to Tracking.BeginGranularTracking.
func (m *Manager) BeginGranularTracking(va, size, granularity uint64) *tracking.MultiRegionHandle {
	return m.tracking.BeginGranularTracking(va, size, granularity)
}

// Read copies len(p) bytes of guest memory at va into p.
func (m *Manager) Read(va uint64, p []byte) error {
	return m.eachPage(va, p, func(va, pa uint64, chunk []byte, _ tracking.Permission) error {
		return m.block.Read(pa, chunk)
	})
}

// Write copies p into guest memory at va. A write to a write-protected page
// is reported to the tracker first; it fails if no tracked region covers it.
func (m *Manager) Write(va uint64, p []byte) error {
	return m.eachPage(va, p, func(va, pa uint64, chunk []byte, perm tracking.Permission) error {
		if !perm.CanWrite() && !m.tracking.VirtualMemoryEvent(va, uint64(len(chunk)), true) {
			return fmt.Errorf("%w: write to protected guest address 0x%x", ErrAccessViolation, va)
		}
		return m.block.Write(pa, chunk)
	})
}

func (m *Manager) eachPage(va uint64, p []byte, fn func(va, pa uint64, chunk []byte, perm tracking.Permission) error) error {
	pageSize := m.as.PageSize()
	for len(p) > 0 {
		n := pageSize - va%pageSize
		if n > uint64(len(p)) {
			n = uint64(len(p))
		}

		pa, perm, ok := m.as.Translate(va)
		if !ok {
			return fmt.Errorf("%w: 0x%x", ErrUnmapped, va)
		}
		if err := fn(va, pa, p[:n], perm); err != nil {
			return err
		}

		va += n
		p = p[n:]
	}
	return nil
}

// Close unmaps the backing block.
func (m *Manager) Close() error {
	return m.block.Close()
}
