package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsyscall/rsyscall/near"
)

func fakeArenaSource(t *testing.T) func(minSize int) (near.MemoryMapping, error) {
	next := near.Address(0x10000)
	return func(minSize int) (near.MemoryMapping, error) {
		m := near.MemoryMapping{Addr: next, Length: minSize, PageSize: 4096}
		next = next.Add(minSize)
		return m, nil
	}
}

// Test that Allocate bumps sequentially within one arena.
func TestAllocateBumpsWithinArena(t *testing.T) {
	a := New(fakeArenaSource(t))

	r1, err := a.Allocate(64)
	require.NoError(t, err)
	r2, err := a.Allocate(64)
	require.NoError(t, err)

	assert.Equal(t, r1.End(), r2.Addr)
}

// Test that Allocate requests a new arena once the current one is
// exhausted.
func TestAllocateGrowsArena(t *testing.T) {
	a := New(fakeArenaSource(t))

	first, err := a.Allocate(ar4KDefault)
	require.NoError(t, err)
	second, err := a.Allocate(64)
	require.NoError(t, err)

	assert.NotEqual(t, first.Addr, second.Addr)
	// fakeArenaSource hands out contiguous mappings, so the second arena
	// starts exactly where the first one ends.
	assert.Len(t, a.arenas, 2)
	assert.Equal(t, first.End(), second.Addr)
}

// Test that Free makes a region available for reuse via takeFree, and that
// freeing adjacent regions coalesces them into one.
func TestFreeAndCoalesce(t *testing.T) {
	a := New(fakeArenaSource(t))

	r1, err := a.Allocate(32)
	require.NoError(t, err)
	r2, err := a.Allocate(32)
	require.NoError(t, err)

	require.NoError(t, a.Free(r1))
	require.NoError(t, a.Free(r2))

	require.Len(t, a.arenas, 1)
	assert.Len(t, a.arenas[0].free, 1)
	assert.Equal(t, 64, a.arenas[0].free[0].Len)

	reused, err := a.Allocate(64)
	require.NoError(t, err)
	assert.Equal(t, r1.Addr, reused.Addr)
}

// Test that Free rejects a region belonging to no known arena.
func TestFreeUnknownRegion(t *testing.T) {
	a := New(fakeArenaSource(t))
	err := a.Free(Region{Addr: 0xdeadbeef, Len: 16})
	assert.Error(t, err)
}

// Test Split and Merge round-trip.
func TestSplitAndMerge(t *testing.T) {
	r := Region{Addr: 0x1000, Len: 100}

	left, right, err := Split(r, 40)
	require.NoError(t, err)
	assert.Equal(t, 40, left.Len)
	assert.Equal(t, 60, right.Len)
	assert.Equal(t, left.End(), right.Addr)

	merged, err := Merge(left, right)
	require.NoError(t, err)
	assert.Equal(t, r, merged)
}

// Test that Merge rejects non-adjacent regions.
func TestMergeNonAdjacent(t *testing.T) {
	_, err := Merge(Region{Addr: 0x1000, Len: 16}, Region{Addr: 0x2000, Len: 16})
	assert.Error(t, err)
}

// Test that negative-size allocations are rejected.
func TestAllocateNegativeSize(t *testing.T) {
	a := New(fakeArenaSource(t))
	_, err := a.Allocate(-1)
	assert.Error(t, err)
}

// Test that Inherit returns the same allocator instance.
func TestInheritSharesAllocator(t *testing.T) {
	a := New(fakeArenaSource(t))
	assert.Same(t, a, a.Inherit())
}
