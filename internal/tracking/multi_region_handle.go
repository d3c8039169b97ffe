package tracking

import "fmt"

// GranularHandle is the consumer view of a MultiRegionHandle.
type GranularHandle interface {
	Dirty() bool
	QueryModified(modified func(address, size uint64))
	QueryModifiedRange(address, size uint64, modified func(address, size uint64))
	InitMinimumGranularity()
	Release()
}

var _ GranularHandle = (*MultiRegionHandle)(nil)

// MultiRegionHandle tracks a large range as granularity sized slots.
//
// Each slot is covered by at most one RegionHandle, stored at the slot where
// it starts; a handle may span several slots. Handles are created and split
// by queries so the partition follows the ranges consumers actually ask for.
type MultiRegionHandle struct {
	tracking *Tracking

	address     uint64
	size        uint64
	granularity uint64

	handles []*RegionHandle

	// dirty is set by any slot write and cleared by a whole range query that
	// found nothing.
	dirty    bool
	released bool
}

func newMultiRegionHandle(t *Tracking, address, size, granularity uint64) *MultiRegionHandle {
	return &MultiRegionHandle{
		tracking:    t,
		address:     address,
		size:        size,
		granularity: granularity,
		handles:     make([]*RegionHandle, size/granularity),
		dirty:       true,
	}
}

func (m *MultiRegionHandle) Address() uint64     { return m.address }
func (m *MultiRegionHandle) Size() uint64        { return m.size }
func (m *MultiRegionHandle) Granularity() uint64 { return m.granularity }

// Dirty reports whether any slot was written since the last whole range
// query that found nothing.
func (m *MultiRegionHandle) Dirty() bool {
	m.tracking.mu.Lock()
	defer m.tracking.mu.Unlock()

	return m.dirty
}

func (m *MultiRegionHandle) signalWriteLocked() {
	m.dirty = true
}

func (m *MultiRegionHandle) slotsToBytes(slots int) uint64 {
	return uint64(slots) * m.granularity
}

// InitMinimumGranularity creates a handle for every slot up front.
func (m *MultiRegionHandle) InitMinimumGranularity() {
	m.tracking.mu.Lock()
	defer m.tracking.mu.Unlock()

	if m.released {
		return
	}
	for i := range m.handles {
		if m.handles[i] == nil {
			m.createHandleLocked(i, i)
		}
		if m.handles[i].size > m.granularity {
			m.splitHandleLocked(i, i+1)
		}
	}
}

// splitHandleLocked replaces the handle starting at slot index with two
// handles meeting at slot splitIndex. The halves inherit the handle's state
// and are registered before it is released, so protection never changes.
func (m *MultiRegionHandle) splitHandleLocked(index, splitIndex int) {
	h := m.handles[index]
	address := m.address + m.slotsToBytes(index)
	size := m.slotsToBytes(splitIndex - index)

	low := m.tracking.beginTrackingLocked(address, size, h)
	low.parent = m
	high := m.tracking.beginTrackingLocked(address+size, h.size-size, h)
	high.parent = m

	m.handles[index] = low
	m.handles[splitIndex] = high

	h.releaseLocked()
}

// createHandleLocked fills the empty slot start, looking no further than
// slot last.
func (m *MultiRegionHandle) createHandleLocked(start, last int) {
	startAddress := m.address + m.slotsToBytes(start)

	// A handle to the left that reaches into this slot is split, and its
	// upper half fills the slot.
	for i := start - 1; i >= 0; i-- {
		h := m.handles[i]
		if h == nil {
			continue
		}
		if h.EndAddress() > startAddress {
			m.splitHandleLocked(i, start)
			return
		}
		break
	}

	// Otherwise fill up to the next handle, or the whole run if there is none.
	end := last + 1
	for i := start + 1; i <= last; i++ {
		if m.handles[i] != nil {
			end = i
			break
		}
	}

	h := m.tracking.beginTrackingLocked(startAddress, m.slotsToBytes(end-start), nil)
	h.parent = m
	m.handles[start] = h
}

type modifiedRange struct {
	address uint64
	size    uint64
}

// QueryModified reports every dirty run of the whole handle. It returns
// immediately when no slot was written since a query last found nothing.
func (m *MultiRegionHandle) QueryModified(modified func(address, size uint64)) {
	m.tracking.mu.Lock()
	if !m.dirty || m.released {
		m.tracking.mu.Unlock()
		return
	}
	runs := m.queryLocked(m.address, m.size)
	if len(runs) == 0 {
		m.dirty = false
	}
	m.tracking.mu.Unlock()

	for _, r := range runs {
		modified(r.address, r.size)
	}
}

// QueryModifiedRange reports the dirty runs of [address, address+size),
// rounded out to slots, and re-arms tracking on them. modified is called once
// per maximal contiguous dirty run, after the tracking lock is released.
//
// It panics if the range is not inside the handle.
func (m *MultiRegionHandle) QueryModifiedRange(address, size uint64, modified func(address, size uint64)) {
	if size == 0 || address < m.address || address+size > m.address+m.size {
		panic(fmt.Sprintf("tracking: query [0x%x-0x%x) outside handle [0x%x-0x%x)",
			address, address+size, m.address, m.address+m.size))
	}

	m.tracking.mu.Lock()
	if m.released {
		m.tracking.mu.Unlock()
		return
	}
	runs := m.queryLocked(address, size)
	m.tracking.mu.Unlock()

	for _, r := range runs {
		modified(r.address, r.size)
	}
}

func (m *MultiRegionHandle) queryLocked(address, size uint64) []modifiedRange {
	start := int((address - m.address) / m.granularity)
	last := int((address + size - 1 - m.address) / m.granularity)
	end := m.address + m.slotsToBytes(last+1)

	var runs []modifiedRange
	run := modifiedRange{address: m.address + m.slotsToBytes(start)}

	for i := start; i <= last; {
		h := m.handles[i]
		if h == nil {
			m.createHandleLocked(i, last)
			h = m.handles[i]
		}
		if h.EndAddress() > end {
			m.splitHandleLocked(i, last+1)
			h = m.handles[i]
		}

		if h.consumeLocked() {
			run.size += h.size
		} else {
			if run.size != 0 {
				runs = append(runs, run)
			}
			run = modifiedRange{address: h.EndAddress()}
		}

		i += int(h.size / m.granularity)
	}
	if run.size != 0 {
		runs = append(runs, run)
	}
	return runs
}

// Release releases every slot handle. Releasing twice is a no-op.
func (m *MultiRegionHandle) Release() {
	m.tracking.mu.Lock()
	defer m.tracking.mu.Unlock()

	if m.released {
		return
	}
	m.released = true
	for i, h := range m.handles {
		if h != nil {
			h.releaseLocked()
			m.handles[i] = nil
		}
	}
}
