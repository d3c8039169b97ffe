package tracking

import "github.com/tinyrange/memtrack/internal/rangelist"

// AddressSpace is the guest address-space manager seen from the tracker.
type AddressSpace interface {
	// PhysicalRegions translates [va, va+size) into the disjoint backing
	// ranges it currently maps to. Unmapped pages are omitted.
	PhysicalRegions(va, size uint64) []rangelist.AddressRange

	// Reprotect applies perm to the guest pages in [va, va+size).
	Reprotect(va, size uint64, perm Permission) error
}

// TrackingAction is called when an access hits a protected page of a Block.
// Returning true means the access may be retried.
type TrackingAction func(address uint64, write bool) bool

// Block is the host memory backing the physical address space.
type Block interface {
	// Reprotect applies perm to the backing range [address, address+size).
	Reprotect(address, size uint64, perm Permission) error

	// RegisterTrackingAction installs the fault callback.
	RegisterTrackingAction(action TrackingAction)
}
