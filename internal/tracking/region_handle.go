package tracking

import (
	"log/slog"
	"slices"
)

// RegionHandle tracks writes to one contiguous, page aligned guest range.
//
// A handle is dirty from creation, since nothing is known about earlier
// writes. Consuming the dirty state re-arms write protection, unless the
// handle was written so often that it now reports dirty unconditionally.
type RegionHandle struct {
	tracking *Tracking

	address uint64
	size    uint64

	regions []*VirtualRegion

	dirty          bool
	alwaysDirty    bool
	checkCount     uint32
	reprotectCount uint32

	parent   *MultiRegionHandle
	released bool
}

// newRegionHandleLocked registers a handle on the virtual regions covering
// [address, address+size). When from is set the handle takes over its state.
func newRegionHandleLocked(t *Tracking, address, size uint64, from *RegionHandle) *RegionHandle {
	h := &RegionHandle{
		tracking: t,
		address:  address,
		size:     size,
		dirty:    true,
	}
	if from != nil {
		h.dirty = from.dirty
		h.alwaysDirty = from.alwaysDirty
		h.checkCount = from.checkCount
		h.reprotectCount = from.reprotectCount
	}

	h.regions = t.virtualRegionsForHandleLocked(address, size)
	for _, r := range h.regions {
		r.addHandle(h)
	}
	return h
}

func (h *RegionHandle) Address() uint64    { return h.address }
func (h *RegionHandle) Size() uint64       { return h.size }
func (h *RegionHandle) EndAddress() uint64 { return h.address + h.size }

// Dirty reports whether the range was written since it was last consumed.
func (h *RegionHandle) Dirty() bool {
	h.tracking.mu.Lock()
	defer h.tracking.mu.Unlock()

	return h.dirty
}

// AlwaysDirty reports whether the handle gave up on write protection.
func (h *RegionHandle) AlwaysDirty() bool {
	h.tracking.mu.Lock()
	defer h.tracking.mu.Unlock()

	return h.alwaysDirty
}

// Reprotect clears the dirty flag and re-arms write protection.
func (h *RegionHandle) Reprotect() {
	h.tracking.mu.Lock()
	defer h.tracking.mu.Unlock()

	h.reprotectLocked()
}

func (h *RegionHandle) reprotectLocked() {
	if h.released {
		return
	}
	h.dirty = false
	for _, r := range h.regions {
		r.updateProtection()
	}
}

// QueryModified calls modified with the handle's range if it was written
// since the last query, and re-arms tracking.
func (h *RegionHandle) QueryModified(modified func(address, size uint64)) {
	h.tracking.mu.Lock()
	dirty := h.consumeLocked()
	h.tracking.mu.Unlock()

	if dirty {
		modified(h.address, h.size)
	}
}

// consumeLocked records a check of the handle and reports whether it was
// dirty. A dirty handle is reprotected unless it is always dirty; handles
// reprotected on more than 1/AlwaysDirtyThreshold of their checks stop being
// reprotected once enough checks were made.
func (h *RegionHandle) consumeLocked() bool {
	if h.released {
		return false
	}

	h.checkCount++
	if !h.dirty {
		return false
	}
	if h.alwaysDirty {
		return true
	}

	cfg := h.tracking.cfg
	if h.checkCount > cfg.CheckCountToMakeDecision && h.reprotectCount > h.checkCount/cfg.AlwaysDirtyThreshold {
		h.alwaysDirty = true
		h.tracking.stats.AlwaysDirtyHandles++
		slog.Debug("tracking: handle is always dirty",
			"address", h.address, "size", h.size,
			"checks", h.checkCount, "reprotects", h.reprotectCount)
		return true
	}

	h.reprotectCount++
	h.reprotectLocked()
	return true
}

func (h *RegionHandle) signal(write bool) {
	if !write {
		return
	}
	h.dirty = true
	if h.parent != nil {
		h.parent.signalWriteLocked()
	}
}

// insertRegionAfter records upper, the new half of lower after a split.
func (h *RegionHandle) insertRegionAfter(lower, upper *VirtualRegion) {
	i := slices.Index(h.regions, lower)
	h.regions = slices.Insert(h.regions, i+1, upper)
}

// Release stops tracking. Regions left without handles are deleted and their
// memory unprotected. Releasing twice is a no-op.
func (h *RegionHandle) Release() {
	h.tracking.mu.Lock()
	defer h.tracking.mu.Unlock()

	h.releaseLocked()
}

func (h *RegionHandle) releaseLocked() {
	if h.released {
		return
	}
	h.released = true

	for _, r := range h.regions {
		r.removeHandle(h)
	}
	h.regions = nil
	h.parent = nil
}
