// Package far holds the "far" objects of the rsyscall data model: a near
// object bound to the identifier of the table or address space it belongs
// to. Pairing a near value with its owning identifier lets callers move a
// number safely from one owner to another, and lets higher layers reject a
// near value used against the wrong owner: a handle may only be used on a
// Task sharing the relevant identifier.
package far

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/rsyscall/rsyscall/near"
)

// AddressSpace is the opaque identity of one virtual memory layout. Two
// Tasks share an AddressSpace if and only if they were spawned with
// CLONE_VM (or one inherited it from the other).
type AddressSpace struct{ id uuid.UUID }

// NewAddressSpace mints a fresh, process-unique address-space identifier.
func NewAddressSpace() AddressSpace {
	return AddressSpace{id: uuid.New()}
}

func (a AddressSpace) String() string { return "addrspace:" + a.id.String() }

// Equal reports whether a and b name the same address space.
func (a AddressSpace) Equal(b AddressSpace) bool { return a.id == b.id }

// FDTable is the opaque identity of one kernel file-descriptor table.
type FDTable struct{ id uuid.UUID }

// NewFDTable mints a fresh fd-table identifier.
func NewFDTable() FDTable {
	return FDTable{id: uuid.New()}
}

func (t FDTable) String() string { return "fdtable:" + t.id.String() }

// Equal reports whether t and o name the same fd table.
func (t FDTable) Equal(o FDTable) bool { return t.id == o.id }

// MountNamespace is the opaque identity of one mount namespace.
type MountNamespace struct{ id uuid.UUID }

// NewMountNamespace mints a fresh mount-namespace identifier.
func NewMountNamespace() MountNamespace {
	return MountNamespace{id: uuid.New()}
}

func (m MountNamespace) String() string { return "mountns:" + m.id.String() }

// Equal reports whether m and o name the same mount namespace.
func (m MountNamespace) Equal(o MountNamespace) bool { return m.id == o.id }

// PidNamespace is the opaque identity of one pid namespace.
type PidNamespace struct{ id uuid.UUID }

// NewPidNamespace mints a fresh pid-namespace identifier.
func NewPidNamespace() PidNamespace {
	return PidNamespace{id: uuid.New()}
}

func (p PidNamespace) String() string { return "pidns:" + p.id.String() }

// Equal reports whether p and o name the same pid namespace.
func (p PidNamespace) Equal(o PidNamespace) bool { return p.id == o.id }

// FDAtTable pairs a near file descriptor with the table it belongs to.
type FDAtTable struct {
	Table FDTable
	FD    near.FileDescriptor
}

func (f FDAtTable) String() string {
	return fmt.Sprintf("%s@%s", f.FD, f.Table)
}

// AddressAtSpace pairs a near address with the address space it belongs to.
type AddressAtSpace struct {
	Space   AddressSpace
	Address near.Address
}

func (a AddressAtSpace) String() string {
	return fmt.Sprintf("%s@%s", a.Address, a.Space)
}

// ProcessID pairs a near pid with the pid namespace it was observed from.
type ProcessID struct {
	Namespace PidNamespace
	Pid       near.Pid
}

func (p ProcessID) String() string {
	return fmt.Sprintf("pid(%d)@%s", p.Pid.Int(), p.Namespace)
}
