package tracking

import (
	"slices"

	"github.com/tinyrange/memtrack/internal/rangelist"
)

// PhysicalRegion is a backing range and the virtual regions mapping it.
type PhysicalRegion struct {
	rangelist.Base

	tracking *Tracking
	parents  []*VirtualRegion

	protection Permission
}

func newPhysicalRegion(t *Tracking, address, size uint64) *PhysicalRegion {
	return &PhysicalRegion{
		Base:       rangelist.NewBase(address, size),
		tracking:   t,
		protection: PermissionReadWrite,
	}
}

// Protection returns the permission currently applied to the backing range.
func (r *PhysicalRegion) Protection() Permission {
	return r.protection
}

// Parents returns the number of virtual regions mapping the region.
func (r *PhysicalRegion) Parents() int {
	return len(r.parents)
}

// signal lifts protection straight away so the faulting burst of accesses
// does not fault again, then notifies every parent.
func (r *PhysicalRegion) signal(write bool) {
	r.protection = PermissionReadWrite
	r.tracking.protectPhysicalRegionLocked(r, PermissionReadWrite)

	// Every handle is marked before any parent re-evaluates protection, so
	// an alias that is still clean cannot re-arm the trap halfway through.
	parents := slices.Clone(r.parents)
	for _, parent := range parents {
		parent.signal(write)
	}
	r.tracking.updateSignalledLocked(parents, write)
}

// updateProtection applies the intersection of what every parent requires.
func (r *PhysicalRegion) updateProtection() {
	perm := PermissionReadWrite
	for _, parent := range r.parents {
		perm = perm.Intersect(parent.requiredPermission())
		if perm == PermissionNone {
			break
		}
	}

	if perm != r.protection {
		r.protection = perm
		r.tracking.protectPhysicalRegionLocked(r, perm)
	}
}

func (r *PhysicalRegion) addParent(parent *VirtualRegion) {
	if slices.Contains(r.parents, parent) {
		return
	}
	r.parents = append(r.parents, parent)
	r.updateProtection()
}

// removeParent detaches parent and reports whether the region is orphaned.
func (r *PhysicalRegion) removeParent(parent *VirtualRegion) bool {
	r.parents = slices.DeleteFunc(r.parents, func(other *VirtualRegion) bool {
		return other == parent
	})
	r.updateProtection()
	return len(r.parents) == 0
}

// Split implements rangelist.Region. The upper half inherits every parent.
func (r *PhysicalRegion) Split(at uint64) *PhysicalRegion {
	upper := newPhysicalRegion(r.tracking, at, r.EndAddress()-at)
	upper.protection = r.protection
	r.Truncate(at)

	upper.parents = slices.Clone(r.parents)
	for _, parent := range upper.parents {
		parent.addChild(upper)
	}
	return upper
}
