package handle

import (
	"sync"

	"github.com/rsyscall/rsyscall/alloc"
	"github.com/rsyscall/rsyscall/near"
	"github.com/rsyscall/rsyscall/rsyscallerr"
)

// Allocation is an owning handle for a subrange of a MemoryMapping's
// address range. It holds a weak back-reference to its Mapping (a plain pointer; the
// Mapping outlives any Allocation drawn from it in every path this library
// exercises) and releases its region back to the Allocator on Release.
type Allocation struct {
	mapping   *MemoryMapping
	allocator *alloc.Allocator
	region    alloc.Region

	mu    sync.Mutex
	valid bool
}

// Allocate draws a new Allocation of size bytes from allocator, backed by
// mapping.
func Allocate(mapping *MemoryMapping, allocator *alloc.Allocator, size int) (*Allocation, error) {
	region, err := allocator.Allocate(size)
	if err != nil {
		return nil, err
	}
	return &Allocation{mapping: mapping, allocator: allocator, region: region, valid: true}, nil
}

// Near returns the raw address/length of this allocation.
func (a *Allocation) Near() (near.Address, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.valid {
		return 0, 0, rsyscallerr.NewInvariant("use of invalidated Allocation %s", a.region.Addr)
	}
	return a.region.Addr, a.region.Len, nil
}

// Mapping returns the MemoryMapping this allocation was drawn from.
func (a *Allocation) Mapping() *MemoryMapping { return a.mapping }

func (a *Allocation) invalidate() {
	a.mu.Lock()
	a.valid = false
	a.mu.Unlock()
}

// Release returns the allocation to its allocator. A released Allocation
// must not be used again.
func (a *Allocation) Release() error {
	a.mu.Lock()
	if !a.valid {
		a.mu.Unlock()
		return nil
	}
	a.valid = false
	region := a.region
	a.mu.Unlock()
	return a.allocator.Free(region)
}

// Split divides this allocation into two adjacent allocations at offset n
// bytes (0 <= n <= size), invalidating self. Splitting at size 0 yields an
// empty left allocation.
func (a *Allocation) Split(n int) (*Allocation, *Allocation, error) {
	a.mu.Lock()
	if !a.valid {
		a.mu.Unlock()
		return nil, nil, rsyscallerr.NewInvariant("split of invalidated Allocation")
	}
	region := a.region
	a.mu.Unlock()

	left, right, err := alloc.Split(region, n)
	if err != nil {
		return nil, nil, err
	}
	a.invalidate()
	return &Allocation{mapping: a.mapping, allocator: a.allocator, region: left, valid: true},
		&Allocation{mapping: a.mapping, allocator: a.allocator, region: right, valid: true}, nil
}

// MergeAllocations combines two adjacent allocations from the same mapping
// into one, invalidating both. Merging non-adjacent allocations, or
// allocations from different mappings, is an error.
func MergeAllocations(a, b *Allocation) (*Allocation, error) {
	a.mu.Lock()
	b.mu.Lock()
	validA, validB := a.valid, b.valid
	ra, rb := a.region, b.region
	mapA, mapB := a.mapping, b.mapping
	a.mu.Unlock()
	b.mu.Unlock()

	if !validA || !validB {
		return nil, rsyscallerr.NewInvariant("merge of invalidated Allocation")
	}
	if mapA != mapB {
		return nil, rsyscallerr.NewInvariant("merge across different mappings")
	}

	merged, err := alloc.Merge(ra, rb)
	if err != nil {
		return nil, err
	}
	a.invalidate()
	b.invalidate()
	return &Allocation{mapping: mapA, allocator: a.allocator, region: merged, valid: true}, nil
}
