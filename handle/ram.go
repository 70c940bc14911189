package handle

import (
	"context"
	"fmt"
	"sync"

	"github.com/rsyscall/rsyscall/alloc"
	"github.com/rsyscall/rsyscall/far"
	"github.com/rsyscall/rsyscall/memtransport"
	"github.com/rsyscall/rsyscall/near"
)

// RAM is the aggregate of {address space, transport, allocator} that
// RAM is the one-stop entry point for
// allocating and writing remote memory.
type RAM struct {
	Space     far.AddressSpace
	Transport *memtransport.Transport
	Allocator *alloc.Allocator

	mu       sync.Mutex
	mappings []*MemoryMapping
}

// NewRAM constructs a RAM facade over owner's address space. Its allocator
// creates fresh anonymous mappings on demand via Mmap(owner, ...), tracked here so
// Allocations can report which MemoryMapping they belong to and so Close can
// munmap everything at once.
func NewRAM(ctx context.Context, owner Owner, space far.AddressSpace, transport *memtransport.Transport) *RAM {
	r := &RAM{Space: space, Transport: transport}
	r.Allocator = alloc.New(NewArenaFunc(ctx, owner, &r.mappings, &r.mu))
	return r
}

// findMapping locates the MemoryMapping handle whose range contains addr.
func (r *RAM) findMapping(addr near.Address) (*MemoryMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.mappings {
		n, err := m.Near()
		if err != nil {
			continue
		}
		if addr >= n.Addr && addr < n.End() {
			return m, nil
		}
	}
	return nil, fmt.Errorf("ram: no known mapping contains address %s", addr)
}

// Malloc allocates size bytes in this address space, returning an owning
// Allocation backed by whichever arena served the request.
func (r *RAM) Malloc(size int) (*Allocation, error) {
	region, err := r.Allocator.Allocate(size)
	if err != nil {
		return nil, err
	}
	mapping, err := r.findMapping(region.Addr)
	if err != nil {
		return nil, err
	}
	return &Allocation{mapping: mapping, allocator: r.Allocator, region: region, valid: true}, nil
}

// Ptr allocates serializer.Size() bytes, serializes value into them, and
// writes them, returning the resulting WrittenPointer. It is a free function
// rather than a RAM method because Go methods cannot introduce additional
// type parameters.
func Ptr[T any](ctx context.Context, r *RAM, value T, serializer Serializer[T]) (*WrittenPointer[T], error) {
	allocation, err := r.Malloc(serializer.Size())
	if err != nil {
		return nil, err
	}
	ptr, err := NewPointer(allocation, serializer, r.Transport)
	if err != nil {
		return nil, err
	}
	return ptr.Write(ctx, value)
}

// Close munmaps every arena this RAM facade ever created.
func (r *RAM) Close(ctx context.Context) error {
	r.mu.Lock()
	mappings := r.mappings
	r.mappings = nil
	r.mu.Unlock()

	var firstErr error
	for _, m := range mappings {
		if err := m.Munmap(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Batch executes fn, which may perform several Malloc/Ptr calls and
// Pointer.Write calls. It does not itself merge the writes fn issues: each
// Pointer.Write still drains through memtransport.Transport.Write as its own
// single-op BatchWrite call, so adjacent writes are not coalesced unless a
// caller builds a []memtransport.WriteOp and calls Transport.BatchWrite
// directly. Batch exists as a naming device for call sites grouping related
// memory traffic, not as a coalescing boundary.
func (r *RAM) Batch(fn func(*RAM) error) error {
	return fn(r)
}
