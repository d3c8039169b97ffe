package tracking

import (
	"slices"

	"github.com/tinyrange/memtrack/internal/rangelist"
)

// VirtualRegion is a guest range with the handles tracking it and the
// physical regions it translates to.
type VirtualRegion struct {
	rangelist.Base

	tracking *Tracking

	handles  []*RegionHandle
	children []*PhysicalRegion

	// protection is the last permission applied through the address space.
	protection Permission
}

func newVirtualRegionLocked(t *Tracking, address, size uint64) *VirtualRegion {
	r := &VirtualRegion{
		Base:       rangelist.NewBase(address, size),
		tracking:   t,
		protection: PermissionReadWrite,
	}
	r.recalculatePhysicalChildren(false)
	return r
}

// Handles returns the number of handles registered on the region.
func (r *VirtualRegion) Handles() int {
	return len(r.handles)
}

// requiredPermission is ReadOnly while any handle is clean and still
// tracking, so its next write traps. Otherwise nothing needs protecting.
func (r *VirtualRegion) requiredPermission() Permission {
	for _, h := range r.handles {
		if !h.dirty && !h.alwaysDirty {
			return PermissionRead
		}
	}
	return PermissionReadWrite
}

// recalculatePhysicalChildren retranslates the region and rewires its
// physical children. remapped forces the virtual protection to be applied
// again, since a new mapping carries default permissions.
func (r *VirtualRegion) recalculatePhysicalChildren(remapped bool) {
	next := dedupe(r.tracking.physicalRegionsForVirtualLocked(r.Address(), r.Size()))

	// Splitting physical regions above may have added children, so the old
	// set is read only now.
	for _, old := range r.children {
		if slices.Contains(next, old) {
			continue
		}
		if old.removeParent(r) {
			r.tracking.removePhysicalLocked(old)
		}
	}
	for _, child := range next {
		if !slices.Contains(r.children, child) {
			child.addParent(r)
		}
	}
	r.children = next

	if remapped {
		r.protection = PermissionReadWrite
	}
	r.updateProtection()
}

func (r *VirtualRegion) addChild(child *PhysicalRegion) {
	if !slices.Contains(r.children, child) {
		r.children = append(r.children, child)
	}
}

// updateProtection applies the required permission to the guest range and
// lets every child re-evaluate its own.
func (r *VirtualRegion) updateProtection() {
	perm := r.requiredPermission()
	if perm != r.protection {
		r.protection = perm
		r.tracking.protectVirtualRegionLocked(r, perm)
	}
	for _, child := range r.children {
		child.updateProtection()
	}
}

// signal forwards an access to every handle. Callers re-evaluate protection
// once all affected regions are signalled.
func (r *VirtualRegion) signal(write bool) {
	for _, h := range r.handles {
		h.signal(write)
	}
}

func (r *VirtualRegion) addHandle(h *RegionHandle) {
	r.handles = append(r.handles, h)
	if !h.dirty {
		r.updateProtection()
	}
}

// removeHandle unregisters h and deletes the region once it has no handles.
func (r *VirtualRegion) removeHandle(h *RegionHandle) {
	r.handles = slices.DeleteFunc(r.handles, func(other *RegionHandle) bool {
		return other == h
	})
	if len(r.handles) == 0 {
		r.deleteLocked()
		return
	}
	r.updateProtection()
}

// deleteLocked restores full access, detaches from every child (deleting
// orphans) and only then removes the region from the virtual list.
func (r *VirtualRegion) deleteLocked() {
	if r.protection != PermissionReadWrite {
		r.protection = PermissionReadWrite
		r.tracking.protectVirtualRegionLocked(r, PermissionReadWrite)
	}
	for _, child := range r.children {
		if child.removeParent(r) {
			r.tracking.removePhysicalLocked(child)
		}
	}
	r.children = nil
	r.tracking.removeVirtualLocked(r)
}

// Split implements rangelist.Region. The upper half keeps every handle and
// starts from the same children; both halves then retranslate.
func (r *VirtualRegion) Split(at uint64) *VirtualRegion {
	upper := &VirtualRegion{
		Base:       rangelist.NewBase(at, r.EndAddress()-at),
		tracking:   r.tracking,
		protection: r.protection,
	}
	r.Truncate(at)

	upper.handles = slices.Clone(r.handles)
	for _, h := range upper.handles {
		h.insertRegionAfter(r, upper)
	}
	upper.children = slices.Clone(r.children)
	for _, child := range upper.children {
		child.addParent(upper)
	}

	r.recalculatePhysicalChildren(false)
	upper.recalculatePhysicalChildren(false)
	return upper
}

func dedupe(regions []*PhysicalRegion) []*PhysicalRegion {
	out := regions[:0]
	for _, r := range regions {
		if !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}
