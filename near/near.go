// Package near holds the "near" objects of the rsyscall data model: plain
// typed integers with no ownership attached. A near object only makes sense
// when paired with the identifier of the table/space it lives in (see
// package far); near itself never checks that pairing.
package near

import "fmt"

// FileDescriptor is a raw kernel file-descriptor number.
type FileDescriptor int

func (fd FileDescriptor) String() string {
	return fmt.Sprintf("fd(%d)", int(fd))
}

// Int returns the raw descriptor number.
func (fd FileDescriptor) Int() int {
	return int(fd)
}

// Address is a raw address in some (unspecified) address space.
type Address uintptr

func (a Address) String() string {
	return fmt.Sprintf("0x%x", uintptr(a))
}

// Add returns the address offset by n bytes.
func (a Address) Add(n int) Address {
	return a + Address(n)
}

// MemoryMapping is a raw (addr, length, page size) triple describing one
// mmap'd region. It carries no ownership; see handle.MemoryMapping for the
// owning counterpart.
type MemoryMapping struct {
	Addr     Address
	Length   int
	PageSize int
}

// End returns the address one past the end of the mapping.
func (m MemoryMapping) End() Address {
	return m.Addr.Add(m.Length)
}

func (m MemoryMapping) String() string {
	return fmt.Sprintf("mapping(%s+%d)", m.Addr, m.Length)
}

// Pid is a kernel pid as observed from some (unspecified) pid namespace.
type Pid int

func (p Pid) Int() int {
	return int(p)
}

// SyscallNumber is a raw Linux syscall number.
type SyscallNumber int64
