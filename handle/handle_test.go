package handle

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/rsyscall/rsyscall/alloc"
	"github.com/rsyscall/rsyscall/far"
	"github.com/rsyscall/rsyscall/near"
)

// fakeOwner is a fake Owner that records syscalls and answers the subset
// this package's handles actually issue (mmap/munmap/close/dup/dup3/fcntl),
// without touching any real kernel resource.
type fakeOwner struct {
	fdtable far.FDTable
	space   far.AddressSpace

	mu       sync.Mutex
	calls    []near.SyscallNumber
	nextAddr int64
	nextFD   int64
	fcntl    map[int64]int64
}

func newFakeOwner() *fakeOwner {
	return &fakeOwner{
		fdtable:  far.NewFDTable(),
		space:    far.NewAddressSpace(),
		nextAddr: 0x40000000,
		nextFD:   100,
		fcntl:    make(map[int64]int64),
	}
}

func (o *fakeOwner) FDTableID() far.FDTable           { return o.fdtable }
func (o *fakeOwner) AddressSpaceID() far.AddressSpace { return o.space }

func (o *fakeOwner) Syscall(ctx context.Context, nr near.SyscallNumber, a1, a2, a3, a4, a5, a6 int64) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, nr)

	switch nr {
	case unix.SYS_MMAP:
		addr := o.nextAddr
		o.nextAddr += a2
		return addr, nil
	case unix.SYS_MUNMAP, unix.SYS_CLOSE:
		return 0, nil
	case unix.SYS_DUP:
		fd := o.nextFD
		o.nextFD++
		return fd, nil
	case unix.SYS_DUP3:
		return 0, nil
	case unix.SYS_FCNTL:
		if a2 == unix.F_SETFD {
			o.fcntl[a1] = a3
			return 0, nil
		}
		return o.fcntl[a1], nil
	default:
		return 0, nil
	}
}

// Test that Mmap records the returned address and that Near/Munmap round
// trip, invalidating the handle.
func TestMmapAndMunmap(t *testing.T) {
	owner := newFakeOwner()
	ctx := context.Background()

	m, err := Mmap(ctx, owner, 10, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	require.NoError(t, err)

	n, err := m.Near()
	require.NoError(t, err)
	assert.Equal(t, unix.Getpagesize(), n.Length)

	require.NoError(t, m.Munmap(ctx))
	_, err = m.Near()
	assert.Error(t, err)

	// Munmap is idempotent.
	assert.NoError(t, m.Munmap(ctx))
}

// Test roundUp for exact multiples and remainders.
func TestRoundUp(t *testing.T) {
	assert.Equal(t, 4096, roundUp(4096, 4096))
	assert.Equal(t, 8192, roundUp(4097, 4096))
	assert.Equal(t, 0, roundUp(0, 4096))
}

func newTestMapping(t *testing.T, owner Owner) *MemoryMapping {
	t.Helper()
	m, err := Mmap(context.Background(), owner, 4096, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	require.NoError(t, err)
	return m
}

func fakeArena(owner Owner, mapping *MemoryMapping) func(int) (near.MemoryMapping, error) {
	return func(minSize int) (near.MemoryMapping, error) {
		return mapping.Near()
	}
}

// Test Allocate/Near/Release round trip and that a released Allocation
// rejects further use.
func TestAllocationLifecycle(t *testing.T) {
	owner := newFakeOwner()
	mapping := newTestMapping(t, owner)
	a := alloc.New(fakeArena(owner, mapping))

	alc, err := Allocate(mapping, a, 64)
	require.NoError(t, err)
	assert.Same(t, mapping, alc.Mapping())

	addr, length, err := alc.Near()
	require.NoError(t, err)
	assert.Equal(t, 64, length)
	assert.NotZero(t, addr)

	require.NoError(t, alc.Release())
	_, _, err = alc.Near()
	assert.Error(t, err)

	// Release is idempotent.
	assert.NoError(t, alc.Release())
}

// Test that Split produces two adjacent allocations and invalidates self,
// and that the halves can be merged back together.
func TestAllocationSplitAndMerge(t *testing.T) {
	owner := newFakeOwner()
	mapping := newTestMapping(t, owner)
	a := alloc.New(fakeArena(owner, mapping))

	alc, err := Allocate(mapping, a, 100)
	require.NoError(t, err)

	left, right, err := alc.Split(40)
	require.NoError(t, err)
	_, _, err = alc.Near()
	assert.Error(t, err, "split allocation should be invalidated")

	leftAddr, leftLen, err := left.Near()
	require.NoError(t, err)
	assert.Equal(t, 40, leftLen)
	rightAddr, _, err := right.Near()
	require.NoError(t, err)
	assert.Equal(t, leftAddr+near.Address(leftLen), rightAddr)

	merged, err := MergeAllocations(left, right)
	require.NoError(t, err)
	_, mergedLen, err := merged.Near()
	require.NoError(t, err)
	assert.Equal(t, 100, mergedLen)
}

// Test that MergeAllocations rejects allocations drawn from different
// mappings even if their regions happen to be adjacent.
func TestMergeAllocationsCrossMapping(t *testing.T) {
	owner := newFakeOwner()
	m1 := newTestMapping(t, owner)
	m2 := newTestMapping(t, owner)
	a := alloc.New(fakeArena(owner, m1))

	alc1, err := Allocate(m1, a, 32)
	require.NoError(t, err)
	alc2 := &Allocation{mapping: m2, allocator: a, region: alloc.Region{Addr: 0, Len: 32}, valid: true}

	_, err = MergeAllocations(alc1, alc2)
	assert.Error(t, err)
}

// Test FDHandle refcounting: two handles on the same fd only close(2) the
// kernel fd once the last is closed.
func TestFDHandleRefcounting(t *testing.T) {
	owner := newFakeOwner()
	table := NewFDTableState(owner.FDTableID())
	ctx := context.Background()

	h1 := MakeFDHandle(owner, table, near.FileDescriptor(9))
	h2, err := h1.Inherit(owner)
	require.NoError(t, err)

	require.NoError(t, h1.Close(ctx))
	assert.False(t, h1.Valid())
	assert.True(t, h2.Valid())
	assert.Empty(t, owner.calls)

	require.NoError(t, h2.Close(ctx))
	assert.False(t, h2.Valid())
	assert.Equal(t, []near.SyscallNumber{unix.SYS_CLOSE}, owner.calls)
}

// Test that Move transfers ownership without changing the shared refcount,
// while Inherit increments it.
func TestFDHandleMoveVsInherit(t *testing.T) {
	owner := newFakeOwner()
	other := newFakeOwner()
	other.fdtable = owner.fdtable
	table := NewFDTableState(owner.FDTableID())

	h := MakeFDHandle(owner, table, near.FileDescriptor(5))
	moved, err := h.Move(other)
	require.NoError(t, err)
	assert.False(t, h.Valid())
	assert.True(t, moved.Valid())
	assert.Equal(t, 1, table.refs[5])

	inherited, err := moved.Inherit(owner)
	require.NoError(t, err)
	assert.True(t, moved.Valid())
	assert.True(t, inherited.Valid())
	assert.Equal(t, 2, table.refs[5])
}

// Test that operations on an invalidated FDHandle fail.
func TestFDHandleUseAfterClose(t *testing.T) {
	owner := newFakeOwner()
	table := NewFDTableState(owner.FDTableID())
	ctx := context.Background()

	h := MakeFDHandle(owner, table, near.FileDescriptor(3))
	require.NoError(t, h.Close(ctx))

	_, err := h.Near()
	assert.Error(t, err)
	_, err = h.DupToNew(ctx)
	assert.Error(t, err)
}

// Test that Inherit rejects an owner that does not share the FDTable.
func TestFDHandleInheritForeignTable(t *testing.T) {
	owner := newFakeOwner()
	foreign := newFakeOwner()
	table := NewFDTableState(owner.FDTableID())

	h := MakeFDHandle(owner, table, near.FileDescriptor(3))
	_, err := h.Inherit(foreign)
	assert.Error(t, err)
}

// Test DisableCloexec issues the expected F_GETFD/F_SETFD pair.
func TestFDHandleDisableCloexec(t *testing.T) {
	owner := newFakeOwner()
	table := NewFDTableState(owner.FDTableID())
	ctx := context.Background()

	owner.fcntl[3] = unix.FD_CLOEXEC
	h := MakeFDHandle(owner, table, near.FileDescriptor(3))

	require.NoError(t, h.DisableCloexec(ctx))
	assert.Equal(t, int64(0), owner.fcntl[3])
}
