package gpu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tinyrange/memtrack/internal/tracking"
)

// Buffer is a host copy of a guest memory range.
type Buffer struct {
	address uint64
	size    uint64
	data    []byte

	handle tracking.GranularHandle
}

func (b *Buffer) Address() uint64 { return b.address }
func (b *Buffer) Size() uint64    { return b.size }

// Data returns the host copy. It is current as of the last synchronization.
func (b *Buffer) Data() []byte { return b.data }

// BufferCacheStats counts cache activity.
type BufferCacheStats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	SyncedBytes uint64
	Syncs       uint64
}

// BufferCache keeps host copies of guest buffers and re-reads only the parts
// the guest wrote. The least recently used buffer is evicted and its tracking
// released once the cache is full.
type BufferCache struct {
	mu sync.Mutex

	mem         *PhysicalMemory
	granularity uint64
	buffers     *lru.Cache[uint64, *Buffer]

	stats BufferCacheStats
}

// NewBufferCache creates a cache of at most capacity buffers tracked at
// granularity. A zero granularity tracks every page separately.
func NewBufferCache(mem *PhysicalMemory, capacity int, granularity uint64) (*BufferCache, error) {
	if granularity == 0 {
		granularity = mem.PageSize()
	}

	c := &BufferCache{mem: mem, granularity: granularity}
	buffers, err := lru.NewWithEvict[uint64, *Buffer](capacity, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("gpu: create buffer cache: %w", err)
	}
	c.buffers = buffers
	return c, nil
}

func (c *BufferCache) onEvict(address uint64, b *Buffer) {
	b.handle.Release()
	c.stats.Evictions++
	slog.Debug("gpu: buffer evicted", "address", address, "size", b.size)
}

// Get returns the buffer for [address, address+size), synchronized with
// guest memory. A cached buffer at address with another size is replaced.
func (c *BufferCache) Get(address, size uint64) (*Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("gpu: zero-size buffer at 0x%x", address)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.buffers.Get(address); ok {
		if b.size == size {
			c.stats.Hits++
			return b, c.synchronizeLocked(b, b.address, b.size)
		}
		c.buffers.Remove(address)
	}

	c.stats.Misses++
	b := &Buffer{
		address: address,
		size:    size,
		data:    make([]byte, size),
		handle:  c.mem.BeginGranularTracking(address, size, c.granularity),
	}
	b.handle.InitMinimumGranularity()
	if err := c.synchronizeLocked(b, address, size); err != nil {
		b.handle.Release()
		return nil, err
	}
	c.buffers.Add(address, b)
	return b, nil
}

// Synchronize re-reads the parts of [address, address+size) the guest wrote
// into the buffer starting at bufferAddress.
func (c *BufferCache) Synchronize(bufferAddress, address, size uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buffers.Peek(bufferAddress)
	if !ok {
		return fmt.Errorf("gpu: no buffer at 0x%x", bufferAddress)
	}
	if address < b.address || size == 0 || address+size > b.address+b.size {
		return fmt.Errorf("gpu: synchronize [0x%x-0x%x) outside buffer [0x%x-0x%x)",
			address, address+size, b.address, b.address+b.size)
	}
	return c.synchronizeLocked(b, address, size)
}

// SynchronizeAll brings every cached buffer up to date.
func (c *BufferCache) SynchronizeAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, address := range c.buffers.Keys() {
		b, ok := c.buffers.Peek(address)
		if !ok {
			continue
		}
		if err := c.synchronizeLocked(b, b.address, b.size); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *BufferCache) synchronizeLocked(b *Buffer, address, size uint64) error {
	c.stats.Syncs++

	var err error
	b.handle.QueryModifiedRange(address, size, func(start, length uint64) {
		// Slots may extend past the buffer.
		end := min(start+length, b.address+b.size)
		start = max(start, b.address)
		if start >= end || err != nil {
			return
		}
		if readErr := c.mem.Read(start, b.data[start-b.address:end-b.address]); readErr != nil {
			err = readErr
			return
		}
		c.stats.SyncedBytes += end - start
	})
	return err
}

// Remove drops the buffer at address and releases its tracking.
func (c *BufferCache) Remove(address uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.buffers.Remove(address)
}

// Len returns the number of cached buffers.
func (c *BufferCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.buffers.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *BufferCache) Stats() BufferCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stats
}

// Close releases every buffer.
func (c *BufferCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buffers.Purge()
}
