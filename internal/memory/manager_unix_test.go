//go:build unix

package memory

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/memtrack/internal/tracking"
)

func newTestManager(t *testing.T, pages uint64) *Manager {
	t.Helper()

	m, err := NewManager(4*pages*0x10000, pages*0x10000, tracking.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m
}

func TestBlockFaultCallsTrackingAction(t *testing.T) {
	block, err := NewBlock(1)
	require.NoError(t, err)
	defer block.Close()

	page := block.PageSize()
	require.Equal(t, page, block.Size())

	var faults []uint64
	block.RegisterTrackingAction(func(address uint64, write bool) bool {
		require.True(t, write)
		faults = append(faults, address)
		require.NoError(t, block.Reprotect(0, page, tracking.PermissionReadWrite))
		return true
	})

	require.NoError(t, block.Reprotect(0, page, tracking.PermissionRead))
	require.NoError(t, block.Write(0x10, []byte("hello")))
	require.Len(t, faults, 1)
	require.GreaterOrEqual(t, faults[0], uint64(0x10))
	require.Less(t, faults[0], uint64(0x15))

	got := make([]byte, 5)
	require.NoError(t, block.Read(0x10, got))
	require.Equal(t, []byte("hello"), got)
}

func TestBlockUnhandledFault(t *testing.T) {
	block, err := NewBlock(1)
	require.NoError(t, err)
	defer block.Close()

	require.NoError(t, block.Reprotect(0, block.PageSize(), tracking.PermissionRead))
	err = block.Write(0, []byte{1})
	require.True(t, errors.Is(err, ErrAccessViolation), "got %v", err)

	block.RegisterTrackingAction(func(address uint64, write bool) bool { return false })
	err = block.Write(0, []byte{1})
	require.True(t, errors.Is(err, ErrAccessViolation), "got %v", err)

	// Reads are still allowed.
	require.NoError(t, block.Read(0, make([]byte, 1)))
}

func TestBlockBounds(t *testing.T) {
	block, err := NewBlock(1)
	require.NoError(t, err)
	defer block.Close()

	err = block.Write(block.Size()-1, []byte{1, 2})
	require.True(t, errors.Is(err, ErrOutOfRange))
	require.Error(t, block.Reprotect(1, block.PageSize(), tracking.PermissionRead))

	require.NoError(t, block.Close())
	require.NoError(t, block.Close())
	require.Error(t, block.Read(0, make([]byte, 1)))
}

func TestManagerTracksWrites(t *testing.T) {
	m := newTestManager(t, 4)
	page := m.PageSize()

	require.NoError(t, m.Map(0, 0, 4*page))
	h := m.BeginTracking(page, page)
	h.Reprotect()

	data := bytes.Repeat([]byte{0xab}, 64)
	require.NoError(t, m.Write(0, data))
	require.False(t, h.Dirty(), "write outside the handle")

	require.NoError(t, m.Write(page+8, data))
	require.True(t, h.Dirty())

	got := make([]byte, len(data))
	require.NoError(t, m.Read(page+8, got))
	require.Equal(t, data, got)

	stats := m.Tracking().Stats()
	require.NotZero(t, stats.VirtualFaults)
	require.NotZero(t, stats.VirtualReprotects)
}

func TestManagerWriteSpanningPages(t *testing.T) {
	m := newTestManager(t, 4)
	page := m.PageSize()

	require.NoError(t, m.Map(0, 2*page, page))
	require.NoError(t, m.Map(page, 0, page))

	a := m.BeginTracking(0, page)
	b := m.BeginTracking(page, page)
	a.Reprotect()
	b.Reprotect()

	data := []byte("crosses a page boundary")
	require.NoError(t, m.Write(page-4, data))
	require.True(t, a.Dirty())
	require.True(t, b.Dirty())

	got := make([]byte, len(data))
	require.NoError(t, m.Read(page-4, got))
	require.Equal(t, data, got)

	// The halves landed in their own backing pages.
	tail := make([]byte, len(data)-4)
	require.NoError(t, m.block.Read(0, tail))
	require.Equal(t, data[4:], tail)
}

func TestManagerAliasedWrite(t *testing.T) {
	m := newTestManager(t, 4)
	page := m.PageSize()

	require.NoError(t, m.Map(0, 0, page))
	require.NoError(t, m.Map(8*page, 0, page))

	a := m.BeginTracking(0, page)
	b := m.BeginTracking(8*page, page)
	a.Reprotect()
	b.Reprotect()

	require.NoError(t, m.Write(0x20, []byte{1, 2, 3}))
	require.True(t, a.Dirty())
	require.True(t, b.Dirty(), "the store changed memory visible through the alias")

	got := make([]byte, 3)
	require.NoError(t, m.Read(8*page+0x20, got))
	require.Equal(t, []byte{1, 2, 3}, got)
}

func TestManagerMirrorInsideTrackedRange(t *testing.T) {
	m := newTestManager(t, 4)
	page := m.PageSize()

	require.NoError(t, m.Map(0, 0, 2*page))
	require.NoError(t, m.Map(2*page, 0, page))
	require.NoError(t, m.Map(5*page, page, page))

	h := m.BeginTracking(0, 3*page)
	h.Reprotect()

	require.NoError(t, m.Write(5*page+16, []byte{1, 2, 3}))
	require.True(t, h.Dirty(), "store through an untracked alias of tracked backing")
}

func TestManagerGranularTracking(t *testing.T) {
	m := newTestManager(t, 4)
	page := m.PageSize()

	require.NoError(t, m.Map(0, 0, 4*page))
	mh := m.BeginGranularTracking(0, 4*page, page)
	mh.InitMinimumGranularity()
	mh.QueryModified(func(address, size uint64) {})

	require.NoError(t, m.Write(2*page+1, []byte{1}))

	var got [][2]uint64
	mh.QueryModified(func(address, size uint64) {
		got = append(got, [2]uint64{address, size})
	})
	require.Equal(t, [][2]uint64{{2 * page, page}}, got)
}

func TestManagerUnmapped(t *testing.T) {
	m := newTestManager(t, 4)

	err := m.Write(0, []byte{1})
	require.True(t, errors.Is(err, ErrUnmapped))
	err = m.Read(0, make([]byte, 1))
	require.True(t, errors.Is(err, ErrUnmapped))
}

func TestManagerRemapMovesTracking(t *testing.T) {
	m := newTestManager(t, 4)
	page := m.PageSize()

	require.NoError(t, m.Map(0, 0, page))
	h := m.BeginTracking(0, page)
	h.Reprotect()

	require.NoError(t, m.Unmap(0, page))
	require.NoError(t, m.Map(0, page, page))
	require.False(t, h.Dirty())

	require.NoError(t, m.Write(0, []byte{1}))
	require.True(t, h.Dirty())

	// The previous backing page was unprotected when it was orphaned.
	require.NoError(t, m.block.Write(0, []byte{1}))
}
