package tracking

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/memtrack/internal/rangelist"
)

func TestRegionHandleStartsDirty(t *testing.T) {
	tr, _, block := newTestTracking(t, 0x10000)

	h := tr.BeginTracking(0x2000, testPageSize)
	require.True(t, h.Dirty())
	require.Zero(t, block.callCount(), "a dirty handle needs no protection")
}

func TestRegionHandleQueryModified(t *testing.T) {
	tr, _, block := newTestTracking(t, 0x10000)
	h := tr.BeginTracking(0x2000, testPageSize)

	var rec modifiedRecorder
	h.QueryModified(rec.record)
	require.Equal(t, []rangelist.AddressRange{{Address: 0x2000, Size: testPageSize}}, rec.take())
	require.False(t, h.Dirty())
	require.Equal(t, protectCall{0x2000, testPageSize, PermissionRead}, block.last())

	h.QueryModified(rec.record)
	require.Empty(t, rec.take())

	block.write(0x2abc)
	require.True(t, h.Dirty())
	h.QueryModified(rec.record)
	require.Equal(t, []rangelist.AddressRange{{Address: 0x2000, Size: testPageSize}}, rec.take())
}

func TestRegionHandleReadFaultDoesNotDirty(t *testing.T) {
	tr, _, block := newTestTracking(t, 0x10000)
	h := tr.BeginTracking(0x2000, testPageSize)
	h.Reprotect()

	require.True(t, block.action(0x2000, false))
	require.False(t, h.Dirty())
	require.Equal(t, PermissionRead, physicalRegionAt(t, tr, 0x2000).Protection(), "read fault re-arms protection")
}

func TestRegionHandleBecomesAlwaysDirty(t *testing.T) {
	tr, _, block := newTestTracking(t, 0x10000)
	h := tr.BeginTracking(0, testPageSize)

	var rec modifiedRecorder
	for i := 0; i < DefaultCheckCountToMakeDecision; i++ {
		h.QueryModified(rec.record)
		require.Len(t, rec.take(), 1)
		require.False(t, h.AlwaysDirty(), "check %d", i+1)
		block.write(0)
	}
	require.Equal(t, DefaultCheckCountToMakeDecision, block.count(PermissionRead))

	// Check 401 has been reprotected on every previous check.
	h.QueryModified(rec.record)
	require.Len(t, rec.take(), 1)
	require.True(t, h.AlwaysDirty())
	require.Equal(t, uint64(1), tr.Stats().AlwaysDirtyHandles)

	for i := 0; i < 10; i++ {
		h.QueryModified(rec.record)
		require.Len(t, rec.take(), 1)
	}
	require.Equal(t, DefaultCheckCountToMakeDecision, block.count(PermissionRead), "no reprotection once always dirty")
	require.Equal(t, PermissionReadWrite, physicalRegionAt(t, tr, 0).Protection())
}

func TestRegionHandleQuietHandleStaysTracking(t *testing.T) {
	tr, _, block := newTestTracking(t, 0x10000)
	h := tr.BeginTracking(0, testPageSize)

	// Written on one check in five: below the 1/4 threshold.
	for i := 0; i < 1000; i++ {
		if i%5 == 0 {
			block.write(0)
		}
		h.QueryModified(func(address, size uint64) {})
	}
	require.False(t, h.AlwaysDirty())
}

func TestRegionHandleReleaseIsIdempotent(t *testing.T) {
	tr, _, _ := newTestTracking(t, 0x10000)
	h := tr.BeginTracking(0, testPageSize)

	h.Release()
	require.NotPanics(t, h.Release)

	var rec modifiedRecorder
	h.QueryModified(rec.record)
	require.Empty(t, rec.take())
}
