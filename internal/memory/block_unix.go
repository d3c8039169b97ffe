//go:build unix

package memory

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/memtrack/internal/tracking"
)

// Block is an anonymous host mapping used as guest backing memory.
//
// Protection set through Reprotect is enforced by the host MMU. A write that
// faults calls the registered tracking action with the faulting offset and is
// retried once the action handled it.
type Block struct {
	mem      []byte
	pageSize uint64

	action atomic.Pointer[tracking.TrackingAction]
	closed atomic.Bool
}

var _ tracking.Block = (*Block)(nil)

// NewBlock maps size bytes of zeroed memory, rounded up to the host page size.
func NewBlock(size uint64) (*Block, error) {
	pageSize := uint64(unix.Getpagesize())
	if size == 0 {
		return nil, fmt.Errorf("memory: cannot map zero-size block")
	}
	size = alignUp(size, pageSize)

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("memory: mmap block: %w", err)
	}

	return &Block{mem: mem, pageSize: pageSize}, nil
}

// Size returns the size of the block in bytes.
func (b *Block) Size() uint64 { return uint64(len(b.mem)) }

// PageSize returns the host page size.
func (b *Block) PageSize() uint64 { return b.pageSize }

func (b *Block) check(address, size uint64) error {
	if b.closed.Load() {
		return fmt.Errorf("memory: block is closed")
	}
	if address > b.Size() || size > b.Size()-address {
		return fmt.Errorf("%w: [0x%x-0x%x) in block of 0x%x", ErrOutOfRange, address, address+size, b.Size())
	}
	return nil
}

// Reprotect implements tracking.Block.
func (b *Block) Reprotect(address, size uint64, perm tracking.Permission) error {
	if err := b.check(address, size); err != nil {
		return err
	}
	if address%b.pageSize != 0 || size%b.pageSize != 0 {
		return fmt.Errorf("memory: reprotect [0x%x-0x%x) is not page aligned", address, address+size)
	}
	if err := unix.Mprotect(b.mem[address:address+size], perm.AccessType().Prot()); err != nil {
		return fmt.Errorf("memory: mprotect [0x%x-0x%x) %s: %w", address, address+size, perm, err)
	}
	return nil
}

// RegisterTrackingAction implements tracking.Block.
func (b *Block) RegisterTrackingAction(action tracking.TrackingAction) {
	b.action.Store(&action)
}

// Read copies len(p) bytes at address into p.
func (b *Block) Read(address uint64, p []byte) error {
	if err := b.check(address, uint64(len(p))); err != nil {
		return err
	}
	return b.access(false, func() {
		copy(p, b.mem[address:])
	})
}

// Write copies p into the block at address.
func (b *Block) Write(address uint64, p []byte) error {
	if err := b.check(address, uint64(len(p))); err != nil {
		return err
	}
	return b.access(true, func() {
		copy(b.mem[address:], p)
	})
}

func (b *Block) access(write bool, fn func()) error {
	base := uintptr(unsafe.Pointer(&b.mem[0]))

	for attempt := 0; ; attempt++ {
		addr, faulted := runFaultable(fn)
		if !faulted {
			return nil
		}
		if addr < base || addr >= base+uintptr(len(b.mem)) {
			return fmt.Errorf("%w: fault at host address 0x%x outside block", ErrAccessViolation, addr)
		}
		offset := uint64(addr - base)
		if attempt >= maxFaultRetries {
			return fmt.Errorf("%w: offset 0x%x still faulting after %d retries", ErrAccessViolation, offset, attempt)
		}

		action := b.action.Load()
		if action == nil || !(*action)(offset, write) {
			return fmt.Errorf("%w: offset 0x%x", ErrAccessViolation, offset)
		}
	}
}

// runFaultable runs fn with memory faults turned into panics and reports the
// faulting address, if any.
func runFaultable(fn func()) (addr uintptr, faulted bool) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		fault, ok := r.(interface{ Addr() uintptr })
		if !ok {
			panic(r)
		}
		addr, faulted = fault.Addr(), true
	}()

	fn()
	return 0, false
}

// Close unmaps the block. Closing twice is a no-op.
func (b *Block) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := unix.Munmap(b.mem); err != nil {
		return fmt.Errorf("memory: munmap block: %w", err)
	}
	return nil
}
