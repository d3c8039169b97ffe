// Package rangelist stores address ranges that never overlap.
//
// The list is specialised for the tracking graph: entries are page aligned,
// mostly disjoint from new requests, and are only ever reshaped by splitting.
package rangelist

import "fmt"

// AddressRange is the half-open interval [Address, Address+Size).
type AddressRange struct {
	Address uint64
	Size    uint64
}

// EndAddress returns the first address after the range.
func (r AddressRange) EndAddress() uint64 {
	return r.Address + r.Size
}

// OverlapsWith reports whether [address, address+size) intersects the range.
func (r AddressRange) OverlapsWith(address, size uint64) bool {
	return r.Address < address+size && address < r.EndAddress()
}

// Contains reports whether address falls inside the range.
func (r AddressRange) Contains(address uint64) bool {
	return r.Address <= address && address < r.EndAddress()
}

func (r AddressRange) String() string {
	return fmt.Sprintf("[0x%x-0x%x)", r.Address, r.EndAddress())
}

// Region is the contract every list entry implements.
//
// Split truncates the receiver to [Address, at) and returns a new entry
// covering [at, EndAddress). The new entry must carry over whatever
// relationships the receiver had.
type Region[T any] interface {
	comparable
	Range() AddressRange
	Split(at uint64) T
}

// Base holds the bounds shared by every region kind. Embed it to get the
// accessor half of Region.
type Base struct {
	r AddressRange
}

// NewBase returns a Base for [address, address+size). size must be non-zero.
func NewBase(address, size uint64) Base {
	if size == 0 {
		panic(fmt.Sprintf("rangelist: zero-size region at 0x%x", address))
	}
	return Base{r: AddressRange{Address: address, Size: size}}
}

func (b *Base) Range() AddressRange { return b.r }
func (b *Base) Address() uint64     { return b.r.Address }
func (b *Base) Size() uint64        { return b.r.Size }
func (b *Base) EndAddress() uint64  { return b.r.EndAddress() }

// OverlapsWith reports whether [address, address+size) intersects the region.
func (b *Base) OverlapsWith(address, size uint64) bool {
	return b.r.OverlapsWith(address, size)
}

// Truncate shrinks the region to end at at. It is the lower half of a split.
func (b *Base) Truncate(at uint64) {
	if at <= b.r.Address || at >= b.r.EndAddress() {
		panic(fmt.Sprintf("rangelist: split point 0x%x outside %s", at, b.r))
	}
	b.r.Size = at - b.r.Address
}
