package handle

import (
	"context"
	"fmt"
	"sync"

	"github.com/rsyscall/rsyscall/memtransport"
	"github.com/rsyscall/rsyscall/near"
	"github.com/rsyscall/rsyscall/rsyscallerr"
)

// Serializer converts a value of type T to and from the bytes stored at a
// Pointer[T]'s allocation.
type Serializer[T any] interface {
	ToBytes(v T) ([]byte, error)
	FromBytes(b []byte) (T, error)
	// Size is the number of bytes ToBytes produces for any value of T; it
	// is also the size an allocation is made at for RAM.Ptr.
	Size() int
}

// Pointer is an owning, typed handle to a sub-range of a memory mapping
// It is not safe to copy by value once constructed
// through this package's constructors (methods that "consume" a Pointer
// take it by value semantically by invalidating the receiver and returning
// a successor).
type Pointer[T any] struct {
	allocation *Allocation
	serializer Serializer[T]
	transport  *memtransport.Transport

	mu       sync.Mutex
	valid    bool
	borrowed bool
}

// NewPointer wraps an existing Allocation as a typed Pointer. The Allocation
// must be at least serializer.Size() bytes.
func NewPointer[T any](allocation *Allocation, serializer Serializer[T], transport *memtransport.Transport) (*Pointer[T], error) {
	_, length, err := allocation.Near()
	if err != nil {
		return nil, err
	}
	if length < serializer.Size() {
		return nil, rsyscallerr.NewInvariant("allocation of %d bytes too small for serializer of size %d", length, serializer.Size())
	}
	return &Pointer[T]{allocation: allocation, serializer: serializer, transport: transport, valid: true}, nil
}

func (p *Pointer[T]) checkValid() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.valid {
		return rsyscallerr.NewInvariant("use of invalidated Pointer")
	}
	if p.borrowed {
		return rsyscallerr.NewInvariant("use of borrowed Pointer")
	}
	return nil
}

func (p *Pointer[T]) invalidate() {
	p.mu.Lock()
	p.valid = false
	p.mu.Unlock()
}

// Size returns the allocation's size in bytes.
func (p *Pointer[T]) Size() (int, error) {
	if err := p.checkValid(); err != nil {
		return 0, err
	}
	_, length, err := p.allocation.Near()
	return length, err
}

// Near returns the pointer's current address, failing if invalid.
func (p *Pointer[T]) Near() (near.Address, error) {
	if err := p.checkValid(); err != nil {
		return 0, err
	}
	addr, _, err := p.allocation.Near()
	return addr, err
}

// Write serializes value and writes it through the memory transport,
// consuming this Pointer and returning a WrittenPointer.
func (p *Pointer[T]) Write(ctx context.Context, value T) (*WrittenPointer[T], error) {
	if err := p.checkValid(); err != nil {
		return nil, err
	}
	data, err := p.serializer.ToBytes(value)
	if err != nil {
		return nil, fmt.Errorf("serialize: %w", err)
	}
	addr, length, err := p.allocation.Near()
	if err != nil {
		return nil, err
	}
	if len(data) > length {
		return nil, rsyscallerr.NewInvariant("serialized value is %d bytes, too long for pointer of size %d", len(data), length)
	}

	if err := p.transport.Write(ctx, addr, data); err != nil {
		return nil, err
	}

	p.invalidate()
	return &WrittenPointer[T]{
		Pointer: Pointer[T]{allocation: p.allocation, serializer: p.serializer, transport: p.transport, valid: true},
		Value:   value,
	}, nil
}

// Read reads and deserializes the value at this Pointer. It does not
// invalidate the Pointer.
func (p *Pointer[T]) Read(ctx context.Context) (T, error) {
	var zero T
	if err := p.checkValid(); err != nil {
		return zero, err
	}
	addr, length, err := p.allocation.Near()
	if err != nil {
		return zero, err
	}
	data, err := p.transport.Read(ctx, addr, length)
	if err != nil {
		return zero, err
	}
	return p.serializer.FromBytes(data)
}

// Split divides this Pointer into two adjacent Pointers at offset n bytes,
// consuming self. Both halves share this Pointer's serializer; callers
// needing a different per-half type should Reinterpret after splitting.
func (p *Pointer[T]) Split(n int) (*Pointer[T], *Pointer[T], error) {
	if err := p.checkValid(); err != nil {
		return nil, nil, err
	}
	left, right, err := p.allocation.Split(n)
	if err != nil {
		return nil, nil, err
	}
	p.invalidate()
	return &Pointer[T]{allocation: left, serializer: p.serializer, transport: p.transport, valid: true},
		&Pointer[T]{allocation: right, serializer: p.serializer, transport: p.transport, valid: true}, nil
}

// MergePointers combines two adjacent Pointers of the same type into one,
// consuming both.
func MergePointers[T any](a, b *Pointer[T]) (*Pointer[T], error) {
	if err := a.checkValid(); err != nil {
		return nil, err
	}
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	merged, err := MergeAllocations(a.allocation, b.allocation)
	if err != nil {
		return nil, err
	}
	a.invalidate()
	b.invalidate()
	return &Pointer[T]{allocation: merged, serializer: a.serializer, transport: a.transport, valid: true}, nil
}

// Reinterpret consumes p and returns a new Pointer over the same allocation
// with a different serializer/type.
func Reinterpret[T, U any](p *Pointer[T], serializer Serializer[U]) (*Pointer[U], error) {
	if err := p.checkValid(); err != nil {
		return nil, err
	}
	_, length, err := p.allocation.Near()
	if err != nil {
		return nil, err
	}
	if length < serializer.Size() {
		return nil, rsyscallerr.NewInvariant("reinterpret: allocation of %d bytes too small for serializer of size %d", length, serializer.Size())
	}
	p.invalidate()
	return &Pointer[U]{allocation: p.allocation, serializer: serializer, transport: p.transport, valid: true}, nil
}

// Borrow pins p for the duration of fn, so it cannot be concurrently freed,
// split, merged, or written while a syscall is using its address. It yields
// the pointer's address to fn.
func (p *Pointer[T]) Borrow(ctx context.Context, fn func(addr near.Address) error) error {
	if err := p.checkValid(); err != nil {
		return err
	}
	addr, _, err := p.allocation.Near()
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.borrowed = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.borrowed = false
		p.mu.Unlock()
	}()

	return fn(addr)
}

// WrittenPointer refines Pointer[T] by additionally carrying the
// deserialized value last written to it. Any operation that
// mutates the underlying memory (Write again, via the embedded Pointer)
// invalidates it like any other Pointer.
type WrittenPointer[T any] struct {
	Pointer[T]
	Value T
}

// Free releases a WrittenPointer/Pointer's backing allocation without
// writing or reading it first (e.g. for a pointer that was only ever used
// via Borrow for an in/out kernel buffer).
func Free[T any](p *Pointer[T]) error {
	if err := p.checkValid(); err != nil {
		return err
	}
	p.invalidate()
	return p.allocation.Release()
}
