// Package alloc implements the per-address-space allocator:
// a bump/slab allocator handing out subranges of anonymous mappings, with
// split/merge of adjacent allocations and inheritance for a Task that shares
// the AddressSpace.
package alloc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rsyscall/rsyscall/near"
	"github.com/rsyscall/rsyscall/rsyscallerr"
)

// Region is one free or allocated subrange of an arena.
type Region struct {
	Addr near.Address
	Len  int
}

func (r Region) End() near.Address { return r.Addr.Add(r.Len) }

// arena is one anonymous mapping the allocator bumps through.
type arena struct {
	mapping near.MemoryMapping
	offset  int // bump pointer, relative to mapping.Addr
	free    []Region
}

// Allocator hands out Regions by bumping through a list of arenas, growing
// the list (via NewArena) when none has room. It is shared within one
// AddressSpace and protected by a mutex.
type Allocator struct {
	mu     sync.Mutex
	arenas []*arena
	// NewArena is called to obtain a fresh anonymous mapping when no
	// existing arena can satisfy an allocation. Supplied by the caller
	// (normally handle.RAM) since mmap itself is a Task-scoped syscall.
	NewArena func(minSize int) (near.MemoryMapping, error)
}

// New constructs an empty Allocator. newArena is invoked lazily on first use
// and whenever existing arenas are exhausted.
func New(newArena func(minSize int) (near.MemoryMapping, error)) *Allocator {
	return &Allocator{NewArena: newArena}
}

// Allocate returns a Region of at least size bytes, bumping through an
// existing arena or requesting a new one.
func (a *Allocator) Allocate(size int) (Region, error) {
	if size < 0 {
		return Region{}, rsyscallerr.NewInvariant("alloc: negative size %d", size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, ar := range a.arenas {
		if r, ok := ar.takeFree(size); ok {
			return r, nil
		}
		if ar.offset+size <= ar.mapping.Length {
			r := Region{Addr: ar.mapping.Addr.Add(ar.offset), Len: size}
			ar.offset += size
			return r, nil
		}
	}

	if a.NewArena == nil {
		return Region{}, fmt.Errorf("alloc: no arena available and NewArena unset")
	}
	minSize := size
	if minSize < ar4KDefault {
		minSize = ar4KDefault
	}
	mapping, err := a.NewArena(minSize)
	if err != nil {
		return Region{}, fmt.Errorf("alloc: mmap new arena: %w", err)
	}
	ar := &arena{mapping: mapping}
	a.arenas = append(a.arenas, ar)
	r := Region{Addr: mapping.Addr, Len: size}
	ar.offset = size
	return r, nil
}

const ar4KDefault = 4096 * 16

// takeFree looks for a free region big enough for size, splitting it if
// it's larger than needed.
func (ar *arena) takeFree(size int) (Region, bool) {
	for i, f := range ar.free {
		if f.Len < size {
			continue
		}
		taken := Region{Addr: f.Addr, Len: size}
		if f.Len == size {
			ar.free = append(ar.free[:i], ar.free[i+1:]...)
		} else {
			ar.free[i] = Region{Addr: f.Addr.Add(size), Len: f.Len - size}
		}
		return taken, true
	}
	return Region{}, false
}

// Free returns r to its owning arena's free list and merges it with any
// adjacent free region.
func (a *Allocator) Free(r Region) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, ar := range a.arenas {
		if r.Addr < ar.mapping.Addr || r.End() > ar.mapping.End() {
			continue
		}
		ar.free = append(ar.free, r)
		ar.coalesce()
		return nil
	}
	return rsyscallerr.NewInvariant("alloc: freed region %s belongs to no known arena", r.Addr)
}

func (ar *arena) coalesce() {
	sort.Slice(ar.free, func(i, j int) bool { return ar.free[i].Addr < ar.free[j].Addr })
	merged := ar.free[:0]
	for _, f := range ar.free {
		if n := len(merged); n > 0 && merged[n-1].End() == f.Addr {
			merged[n-1].Len += f.Len
			continue
		}
		merged = append(merged, f)
	}
	ar.free = merged
}

// Split divides r into two adjacent regions at offset n (0 <= n <= r.Len).
func Split(r Region, n int) (Region, Region, error) {
	if n < 0 || n > r.Len {
		return Region{}, Region{}, rsyscallerr.NewInvariant("alloc: split offset %d out of range [0,%d]", n, r.Len)
	}
	left := Region{Addr: r.Addr, Len: n}
	right := Region{Addr: r.Addr.Add(n), Len: r.Len - n}
	return left, right, nil
}

// Merge combines two adjacent regions (a.End() == b.Addr) from the same
// mapping into one.
func Merge(a, b Region) (Region, error) {
	if a.End() != b.Addr {
		return Region{}, rsyscallerr.NewInvariant("alloc: regions %s and %s are not adjacent", a.Addr, b.Addr)
	}
	return Region{Addr: a.Addr, Len: a.Len + b.Len}, nil
}

// Inherit returns a thin client reusing this Allocator's arenas, for a Task
// that shares the owning AddressSpace. The returned Allocator shares the
// same underlying arenas and mutex semantics (it is literally the same
// allocator; inheritance does not require copying state because arenas are
// already address-space scoped, not Task scoped).
func (a *Allocator) Inherit() *Allocator {
	return a
}
