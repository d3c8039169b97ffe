// Package tracking detects guest memory writes by trapping them with page
// protection.
//
// The tracker keeps two non-overlapping range lists. Virtual regions cover the
// guest ranges consumers asked to track; physical regions cover the backing
// memory those ranges translate to. A physical region may have several
// virtual parents when guest mappings alias. Consumers hold RegionHandles (or
// MultiRegionHandles made of them) registered on virtual regions.
//
// A fault on a physical region lifts its protection and marks every handle of
// every parent dirty. Consuming a dirty handle re-arms the trap.
//
// All graph state is guarded by the Tracking mutex. Every exported method
// takes it for its whole duration; the unexported ...Locked methods assume it
// is held, so internal call chains never lock twice.
package tracking

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/tinyrange/memtrack/internal/rangelist"
)

// physicalAccessSize is the span looked up around a physical fault address.
const physicalAccessSize = 8

// Stats is a snapshot of the tracker's counters.
type Stats struct {
	VirtualRegions  int
	PhysicalRegions int

	VirtualReprotects  uint64
	PhysicalReprotects uint64

	VirtualFaults           uint64
	PhysicalFaults          uint64
	UntrackedPhysicalFaults uint64
	UnhandledVirtualFaults  uint64

	AlwaysDirtyHandles uint64
}

// Tracking coordinates write tracking for one guest address space.
type Tracking struct {
	mu sync.Mutex

	addressSpace AddressSpace
	block        Block
	cfg          Config

	virtualRegions  *rangelist.List[*VirtualRegion]
	physicalRegions *rangelist.List[*PhysicalRegion]

	stats Stats
}

// New creates a tracker and registers its fault handler with block.
func New(addressSpace AddressSpace, block Block, cfg Config) (*Tracking, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Tracking{
		addressSpace:    addressSpace,
		block:           block,
		cfg:             cfg,
		virtualRegions:  rangelist.New[*VirtualRegion](),
		physicalRegions: rangelist.New[*PhysicalRegion](),
	}
	block.RegisterTrackingAction(t.PhysicalMemoryEvent)
	return t, nil
}

// PageSize returns the protection granularity.
func (t *Tracking) PageSize() uint64 {
	return t.cfg.PageSize
}

func (t *Tracking) pageAlign(address, size uint64) (uint64, uint64) {
	mask := t.cfg.PageSize - 1
	start := address &^ mask
	end := (address + size + mask) &^ mask
	return start, end - start
}

// Map must be called after [va, va+size) is mapped in the address space.
func (t *Tracking) Map(va, size uint64) {
	t.remap(va, size)
}

// Unmap must be called after [va, va+size) is unmapped in the address space.
func (t *Tracking) Unmap(va, size uint64) {
	t.remap(va, size)
}

func (t *Tracking) remap(va, size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	va, size = t.pageAlign(va, size)
	for _, region := range t.virtualRegions.FindOverlaps(va, size) {
		region.recalculatePhysicalChildren(true)
	}
}

// BeginTracking returns a handle reporting writes to [address, address+size).
// The range is widened to page boundaries. The handle starts dirty.
func (t *Tracking) BeginTracking(address, size uint64) *RegionHandle {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.beginTrackingLocked(address, size, nil)
}

func (t *Tracking) beginTrackingLocked(address, size uint64, from *RegionHandle) *RegionHandle {
	address, size = t.pageAlign(address, size)
	if size == 0 {
		panic(fmt.Sprintf("tracking: zero-size tracking request at 0x%x", address))
	}
	return newRegionHandleLocked(t, address, size, from)
}

// BeginGranularTracking returns a handle over [address, address+size) that
// tracks each granularity sized piece independently. Pieces are created
// lazily by queries unless InitMinimumGranularity is called.
func (t *Tracking) BeginGranularTracking(address, size, granularity uint64) *MultiRegionHandle {
	if granularity == 0 || granularity%t.cfg.PageSize != 0 {
		panic(fmt.Sprintf("tracking: granularity 0x%x is not a multiple of page size 0x%x", granularity, t.cfg.PageSize))
	}

	address, size = t.pageAlign(address, size)
	if size == 0 {
		panic(fmt.Sprintf("tracking: zero-size tracking request at 0x%x", address))
	}
	size = (size + granularity - 1) / granularity * granularity

	return newMultiRegionHandle(t, address, size, granularity)
}

// virtualRegionsForHandleLocked returns virtual regions exactly covering
// [va, va+size), splitting existing regions at the bounds.
func (t *Tracking) virtualRegionsForHandleLocked(va, size uint64) []*VirtualRegion {
	t.virtualRegions.SplitAt(va)
	t.virtualRegions.SplitAt(va + size)

	return t.virtualRegions.GetOrAddRegions(va, size, func(va, size uint64) *VirtualRegion {
		return newVirtualRegionLocked(t, va, size)
	})
}

// physicalRegionsForVirtualLocked returns physical regions exactly covering
// the current translation of [va, va+size), in translation order.
func (t *Tracking) physicalRegionsForVirtualLocked(va, size uint64) []*PhysicalRegion {
	var ranges []rangelist.AddressRange
	for _, r := range t.addressSpace.PhysicalRegions(va, size) {
		if r.Size != 0 {
			ranges = append(ranges, r)
		}
	}

	// Translated ranges overlap when the guest range maps the same backing
	// memory twice. Gaps are filled and every bound split before anything is
	// collected, so no collected region is split afterwards.
	for _, r := range ranges {
		t.physicalRegions.GetOrAddRegions(r.Address, r.Size, func(pa, size uint64) *PhysicalRegion {
			return newPhysicalRegion(t, pa, size)
		})
	}
	for _, r := range ranges {
		t.physicalRegions.SplitAt(r.Address)
		t.physicalRegions.SplitAt(r.EndAddress())
	}

	var result []*PhysicalRegion
	for _, r := range ranges {
		result = append(result, t.physicalRegions.FindOverlaps(r.Address, r.Size)...)
	}
	return result
}

func (t *Tracking) removeVirtualLocked(region *VirtualRegion) {
	t.virtualRegions.Remove(region)
}

func (t *Tracking) removePhysicalLocked(region *PhysicalRegion) {
	t.physicalRegions.Remove(region)
}

// PhysicalMemoryEvent handles a fault on backing memory. It always reports
// the access as handled: untracked pages are simply unprotected.
func (t *Tracking) PhysicalMemoryEvent(address uint64, write bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	regions := t.physicalRegions.FindOverlaps(address, physicalAccessSize)
	if len(regions) == 0 {
		t.stats.UntrackedPhysicalFaults++
		page, _ := t.pageAlign(address, 1)
		slog.Debug("tracking: untracked physical fault", "address", address, "write", write)
		t.reprotectPhysicalLocked(page, t.cfg.PageSize, PermissionReadWrite)
		return true
	}

	t.stats.PhysicalFaults++
	for _, region := range regions {
		region.signal(write)
	}
	return true
}

// VirtualMemoryEvent handles a protected guest access. It returns false when
// no tracked region covers the access, which makes it a real invalid access.
func (t *Tracking) VirtualMemoryEvent(address, size uint64, write bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	regions := t.virtualRegions.FindOverlaps(address, size)
	if len(regions) == 0 {
		t.stats.UnhandledVirtualFaults++
		return false
	}

	t.stats.VirtualFaults++
	for _, region := range regions {
		region.signal(write)
	}
	t.updateSignalledLocked(regions, write)
	return true
}

// updateSignalledLocked re-evaluates protection once regions were signalled.
// A write also reaches every other region of the handles it dirtied.
func (t *Tracking) updateSignalledLocked(regions []*VirtualRegion, write bool) {
	affected := slices.Clone(regions)
	if write {
		for _, r := range regions {
			for _, h := range r.handles {
				for _, other := range h.regions {
					if !slices.Contains(affected, other) {
						affected = append(affected, other)
					}
				}
			}
		}
	}
	for _, r := range affected {
		r.updateProtection()
	}
}

func (t *Tracking) protectPhysicalRegionLocked(region *PhysicalRegion, perm Permission) {
	t.reprotectPhysicalLocked(region.Address(), region.Size(), perm)
}

func (t *Tracking) reprotectPhysicalLocked(address, size uint64, perm Permission) {
	t.stats.PhysicalReprotects++
	if err := t.block.Reprotect(address, size, perm); err != nil {
		slog.Error("tracking: reprotect physical", "address", address, "size", size, "perm", perm, "error", err)
	}
}

func (t *Tracking) protectVirtualRegionLocked(region *VirtualRegion, perm Permission) {
	t.stats.VirtualReprotects++
	if err := t.addressSpace.Reprotect(region.Address(), region.Size(), perm); err != nil {
		slog.Error("tracking: reprotect virtual", "address", region.Address(), "size", region.Size(), "perm", perm, "error", err)
	}
}

// Stats returns a snapshot of the tracker's counters.
func (t *Tracking) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stats
	s.VirtualRegions = t.virtualRegions.Len()
	s.PhysicalRegions = t.physicalRegions.Len()
	return s
}
