package tracking

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/memtrack/internal/rangelist"
)

const testPageSize = 0x1000

type protectCall struct {
	address uint64
	size    uint64
	perm    Permission
}

// fakeAddressSpace is a page table from guest pages to backing pages.
type fakeAddressSpace struct {
	mu    sync.Mutex
	pages map[uint64]uint64
	calls []protectCall
}

func newFakeAddressSpace() *fakeAddressSpace {
	return &fakeAddressSpace{pages: make(map[uint64]uint64)}
}

func (as *fakeAddressSpace) mapRange(va, pa, size uint64) {
	as.mu.Lock()
	defer as.mu.Unlock()

	for off := uint64(0); off < size; off += testPageSize {
		as.pages[va+off] = pa + off
	}
}

func (as *fakeAddressSpace) unmapRange(va, size uint64) {
	as.mu.Lock()
	defer as.mu.Unlock()

	for off := uint64(0); off < size; off += testPageSize {
		delete(as.pages, va+off)
	}
}

func (as *fakeAddressSpace) PhysicalRegions(va, size uint64) []rangelist.AddressRange {
	as.mu.Lock()
	defer as.mu.Unlock()

	var out []rangelist.AddressRange
	for off := uint64(0); off < size; off += testPageSize {
		pa, ok := as.pages[va+off]
		if !ok {
			continue
		}
		if n := len(out); n > 0 && out[n-1].EndAddress() == pa {
			out[n-1].Size += testPageSize
			continue
		}
		out = append(out, rangelist.AddressRange{Address: pa, Size: testPageSize})
	}
	return out
}

func (as *fakeAddressSpace) Reprotect(va, size uint64, perm Permission) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	as.calls = append(as.calls, protectCall{va, size, perm})
	return nil
}

func (as *fakeAddressSpace) callCount() int {
	as.mu.Lock()
	defer as.mu.Unlock()

	return len(as.calls)
}

// fakeBlock records protection changes and lets tests raise faults.
type fakeBlock struct {
	mu     sync.Mutex
	calls  []protectCall
	action TrackingAction
}

func (b *fakeBlock) Reprotect(address, size uint64, perm Permission) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls = append(b.calls, protectCall{address, size, perm})
	return nil
}

func (b *fakeBlock) RegisterTrackingAction(action TrackingAction) {
	b.action = action
}

func (b *fakeBlock) write(address uint64) bool {
	return b.action(address, true)
}

func (b *fakeBlock) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.calls)
}

func (b *fakeBlock) count(perm Permission) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, c := range b.calls {
		if c.perm == perm {
			n++
		}
	}
	return n
}

func (b *fakeBlock) last() protectCall {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.calls[len(b.calls)-1]
}

// newTestTracking returns a tracker whose guest range [0, size) maps one to
// one onto backing memory.
func newTestTracking(t *testing.T, size uint64) (*Tracking, *fakeAddressSpace, *fakeBlock) {
	t.Helper()

	as := newFakeAddressSpace()
	as.mapRange(0, 0, size)
	block := &fakeBlock{}

	tr, err := New(as, block, DefaultConfig())
	require.NoError(t, err)
	return tr, as, block
}

type modifiedRecorder struct {
	mu     sync.Mutex
	ranges []rangelist.AddressRange
}

func (r *modifiedRecorder) record(address, size uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ranges = append(r.ranges, rangelist.AddressRange{Address: address, Size: size})
}

func (r *modifiedRecorder) take() []rangelist.AddressRange {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.ranges
	r.ranges = nil
	return out
}

func physicalRegionAt(t *testing.T, tr *Tracking, address uint64) *PhysicalRegion {
	t.Helper()

	tr.mu.Lock()
	defer tr.mu.Unlock()

	regions := tr.physicalRegions.FindOverlaps(address, 1)
	require.Len(t, regions, 1)
	return regions[0]
}
