package handle

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/rsyscall/rsyscall/far"
	"github.com/rsyscall/rsyscall/near"
	"github.com/rsyscall/rsyscall/rsyscallerr"
)

// MemoryMapping is an owning handle for one mmap'd range within one
// AddressSpace. Munmap releases it; calling Munmap on an already-released
// handle is a no-op.
type MemoryMapping struct {
	owner Owner
	space far.AddressSpace
	near  near.MemoryMapping

	mu    sync.Mutex
	valid bool
}

// Mmap issues mmap(2) for length bytes of anonymous memory, rounded up to a
// whole number of pages, in owner's address space and returns the owning
// handle.
func Mmap(ctx context.Context, owner Owner, length int, prot, flags int) (*MemoryMapping, error) {
	pageSize := unix.Getpagesize()
	length = roundUp(length, pageSize)

	ret, err := owner.Syscall(ctx, unix.SYS_MMAP, 0, int64(length), int64(prot), int64(flags|unix.MAP_ANONYMOUS), -1, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap(%d): %w", length, err)
	}

	return &MemoryMapping{
		owner: owner,
		space: owner.AddressSpaceID(),
		near: near.MemoryMapping{
			Addr:     near.Address(ret),
			Length:   length,
			PageSize: pageSize,
		},
		valid: true,
	}, nil
}

func roundUp(n, to int) int {
	if n%to == 0 {
		return n
	}
	return (n/to + 1) * to
}

// Near returns the raw mapping descriptor, failing if invalid.
func (m *MemoryMapping) Near() (near.MemoryMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.valid {
		return near.MemoryMapping{}, rsyscallerr.NewInvariant("use of invalidated MemoryMapping %s", m.near)
	}
	return m.near, nil
}

// AddressSpace returns the AddressSpace this mapping belongs to.
func (m *MemoryMapping) AddressSpace() far.AddressSpace { return m.space }

// Munmap releases the mapping.
func (m *MemoryMapping) Munmap(ctx context.Context) error {
	m.mu.Lock()
	if !m.valid {
		m.mu.Unlock()
		return nil
	}
	m.valid = false
	n := m.near
	m.mu.Unlock()

	if _, err := m.owner.Syscall(ctx, unix.SYS_MUNMAP, int64(n.Addr), int64(n.Length), 0, 0, 0, 0); err != nil {
		return fmt.Errorf("munmap(%s): %w", n, err)
	}
	return nil
}

// checkTask verifies owner shares this mapping's AddressSpace.
func (m *MemoryMapping) checkTask(owner Owner) error {
	if !m.space.Equal(owner.AddressSpaceID()) {
		return rsyscallerr.NewInvariant("mapping %s used against foreign AddressSpace %s", m.near, owner.AddressSpaceID())
	}
	return nil
}

// NewArenaFunc adapts Mmap into the alloc.Allocator's arena-growth callback,
// pairing each new arena's near.MemoryMapping with the owning handle so it
// can later be munmap'd. mappings receives every handle created, so callers
// can tear them down when the RAM facade is torn down.
func NewArenaFunc(ctx context.Context, owner Owner, mappings *[]*MemoryMapping, mu *sync.Mutex) func(minSize int) (near.MemoryMapping, error) {
	return func(minSize int) (near.MemoryMapping, error) {
		mm, err := Mmap(ctx, owner, minSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
		if err != nil {
			return near.MemoryMapping{}, err
		}
		mu.Lock()
		*mappings = append(*mappings, mm)
		mu.Unlock()
		n, err := mm.Near()
		if err != nil {
			return near.MemoryMapping{}, err
		}
		return n, nil
	}
}
