package memory

import (
	"fmt"
	"sync"

	"github.com/tinyrange/memtrack/internal/rangelist"
	"github.com/tinyrange/memtrack/internal/tracking"
)

type pageEntry struct {
	ppn  uint64
	perm tracking.Permission
}

// AddressSpace is a guest page table over a backing block.
// Guest pages map to backing pages; several guest pages may map the same
// backing page.
type AddressSpace struct {
	mu sync.Mutex

	size        uint64
	backingSize uint64
	pageSize    uint64

	pages map[uint64]pageEntry
}

var _ tracking.AddressSpace = (*AddressSpace)(nil)

// NewAddressSpace creates an empty page table for a guest range of size bytes
// over backingSize bytes of backing memory.
func NewAddressSpace(size, backingSize, pageSize uint64) (*AddressSpace, error) {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("address_space: page size 0x%x is not a power of 2", pageSize)
	}
	return &AddressSpace{
		size:        alignUp(size, pageSize),
		backingSize: alignUp(backingSize, pageSize),
		pageSize:    pageSize,
		pages:       make(map[uint64]pageEntry),
	}, nil
}

// Size returns the size of the guest range.
func (a *AddressSpace) Size() uint64 { return a.size }

// PageSize returns the page table granularity.
func (a *AddressSpace) PageSize() uint64 { return a.pageSize }

func (a *AddressSpace) checkAligned(op string, address, size uint64) error {
	if size == 0 {
		return fmt.Errorf("address_space: cannot %s zero-size range at 0x%x", op, address)
	}
	if address%a.pageSize != 0 || size%a.pageSize != 0 {
		return fmt.Errorf("address_space: %s [0x%x-0x%x) is not aligned to 0x%x", op, address, address+size, a.pageSize)
	}
	return nil
}

// Map maps [va, va+size) onto backing memory at pa with full access,
// replacing any existing mapping.
func (a *AddressSpace) Map(va, pa, size uint64) error {
	if err := a.checkAligned("map", va, size); err != nil {
		return err
	}
	if va > a.size || size > a.size-va {
		return fmt.Errorf("address_space: map [0x%x-0x%x) outside guest range of 0x%x", va, va+size, a.size)
	}
	if pa%a.pageSize != 0 || pa > a.backingSize || size > a.backingSize-pa {
		return fmt.Errorf("address_space: backing [0x%x-0x%x) outside block of 0x%x", pa, pa+size, a.backingSize)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for off := uint64(0); off < size; off += a.pageSize {
		a.pages[(va+off)/a.pageSize] = pageEntry{
			ppn:  (pa + off) / a.pageSize,
			perm: tracking.PermissionReadWrite,
		}
	}
	return nil
}

// Unmap removes every mapping in [va, va+size). Unmapped pages are ignored.
func (a *AddressSpace) Unmap(va, size uint64) error {
	if err := a.checkAligned("unmap", va, size); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for off := uint64(0); off < size; off += a.pageSize {
		delete(a.pages, (va+off)/a.pageSize)
	}
	return nil
}

// Translate returns the backing address and permission of va.
func (a *AddressSpace) Translate(va uint64) (uint64, tracking.Permission, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.pages[va/a.pageSize]
	if !ok {
		return 0, tracking.PermissionNone, false
	}
	return e.ppn*a.pageSize + va%a.pageSize, e.perm, true
}

// PhysicalRegions implements tracking.AddressSpace. Runs of mapped guest
// pages with contiguous backing are coalesced; unmapped pages are skipped.
func (a *AddressSpace) PhysicalRegions(va, size uint64) []rangelist.AddressRange {
	a.mu.Lock()
	defer a.mu.Unlock()

	var result []rangelist.AddressRange
	first := va / a.pageSize
	last := (va + size + a.pageSize - 1) / a.pageSize
	extend := false
	for vpn := first; vpn < last; vpn++ {
		e, ok := a.pages[vpn]
		if !ok {
			extend = false
			continue
		}
		pa := e.ppn * a.pageSize
		if n := len(result); extend && result[n-1].EndAddress() == pa {
			result[n-1].Size += a.pageSize
			continue
		}
		result = append(result, rangelist.AddressRange{Address: pa, Size: a.pageSize})
		extend = true
	}
	return result
}

// Reprotect implements tracking.AddressSpace. Unmapped pages are ignored.
func (a *AddressSpace) Reprotect(va, size uint64, perm tracking.Permission) error {
	if err := a.checkAligned("reprotect", va, size); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for off := uint64(0); off < size; off += a.pageSize {
		vpn := (va + off) / a.pageSize
		if e, ok := a.pages[vpn]; ok {
			e.perm = perm
			a.pages[vpn] = e
		}
	}
	return nil
}

// MappedPages returns the number of mapped guest pages.
func (a *AddressSpace) MappedPages() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.pages)
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
