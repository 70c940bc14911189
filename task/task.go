// Package task implements the Task aggregate: a
// SyscallInterface plus fd-table, address-space, mount-namespace, and
// pid-namespace identity, plus process identity. Syscall wrapper methods
// that a remote process actually needs are implemented here
// as thin pass-throughs over Task.Syscall.
package task

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/rsyscall/rsyscall/far"
	"github.com/rsyscall/rsyscall/handle"
	"github.com/rsyscall/rsyscall/memtransport"
	"github.com/rsyscall/rsyscall/near"
	"github.com/rsyscall/rsyscall/rsyscallerr"
	"github.com/rsyscall/rsyscall/syscallif"
)

// Task is the aggregate object every syscall wrapper is a method on.
type Task struct {
	iface syscallif.Interface

	fdTable      far.FDTable
	fdTableState *handle.FDTableState
	addrSpace    far.AddressSpace
	mountNS      far.MountNamespace
	pidNS        far.PidNamespace
	pid          far.ProcessID

	mu   sync.Mutex
	dead bool
	ram  *handle.RAM
}

var _ handle.Owner = (*Task)(nil)

// New constructs a Task around an already-bootstrapped SyscallInterface and
// its identifiers. Bootstrap (package bootstrap) is responsible for building
// these identifiers correctly according to which namespaces were shared or
// created at spawn time.
func New(iface syscallif.Interface, fdTable far.FDTable, fdTableState *handle.FDTableState, addrSpace far.AddressSpace, mountNS far.MountNamespace, pidNS far.PidNamespace, pid far.ProcessID) *Task {
	return &Task{
		iface:        iface,
		fdTable:      fdTable,
		fdTableState: fdTableState,
		addrSpace:    addrSpace,
		mountNS:      mountNS,
		pidNS:        pidNS,
		pid:          pid,
	}
}

// FDTableID implements handle.Owner.
func (t *Task) FDTableID() far.FDTable { return t.fdTable }

// AddressSpaceID implements handle.Owner.
func (t *Task) AddressSpaceID() far.AddressSpace { return t.addrSpace }

// MountNamespaceID returns this Task's mount-namespace identifier.
func (t *Task) MountNamespaceID() far.MountNamespace { return t.mountNS }

// PidNamespaceID returns this Task's pid-namespace identifier.
func (t *Task) PidNamespaceID() far.PidNamespace { return t.pidNS }

// ProcessID returns this Task's pid as observed in its own pid namespace.
func (t *Task) ProcessID() far.ProcessID { return t.pid }

// FDTableState returns the shared fd-refcounting state for this Task's
// FDTable, for use by callers constructing FDHandles directly (e.g.
// bootstrap installing fds received via SCM_RIGHTS).
func (t *Task) FDTableState() *handle.FDTableState { return t.fdTableState }

// Interface returns the underlying SyscallInterface.
func (t *Task) Interface() syscallif.Interface { return t.iface }

// RAM lazily constructs (or returns) the memory-allocation facade for this
// Task's address space. memTransport must be wired up by bootstrap before
// any pointer operation is attempted.
func (t *Task) RAM(ctx context.Context, memTransport *memtransport.Transport) *handle.RAM {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ram == nil {
		t.ram = handle.NewRAM(ctx, t, t.addrSpace, memTransport)
	}
	return t.ram
}

// Syscall implements handle.Owner: it runs nr(a1..a6) and fails immediately
// if the Task has already been marked dead by a prior TerminalError.
func (t *Task) Syscall(ctx context.Context, nr near.SyscallNumber, a1, a2, a3, a4, a5, a6 int64) (int64, error) {
	t.mu.Lock()
	dead := t.dead
	t.mu.Unlock()
	if dead {
		return 0, &rsyscallerr.TerminalError{Cause: fmt.Errorf("task already dead")}
	}

	ret, err := t.iface.Syscall(ctx, nr, a1, a2, a3, a4, a5, a6)
	if _, ok := err.(*rsyscallerr.TerminalError); ok {
		t.mu.Lock()
		t.dead = true
		t.mu.Unlock()
	}
	return ret, err
}

// Close tears down this Task's SyscallInterface. Not undoable.
func (t *Task) Close() error {
	t.mu.Lock()
	t.dead = true
	t.mu.Unlock()
	return t.iface.Close()
}

// Exit calls exit(status) on this Task and then closes its interface.
func (t *Task) Exit(ctx context.Context, status int) error {
	_, err := t.Syscall(ctx, unix.SYS_EXIT, int64(status), 0, 0, 0, 0, 0)
	// exit(2) never returns on success; a TerminalError here is expected
	// once the agent process has actually exited and closed its end of the
	// transport.
	_ = t.Close()
	if err != nil {
		if _, ok := err.(*rsyscallerr.TerminalError); ok {
			return nil
		}
		return err
	}
	return nil
}

// Open issues open(2) relative to this Task's mount namespace, returning an
// owning FDHandle.
func (t *Task) Open(ctx context.Context, ram *handle.RAM, path string, flags int, mode uint32) (*handle.FDHandle, error) {
	pathPtr, err := writeCString(ctx, ram, path)
	if err != nil {
		return nil, err
	}
	var fd near.FileDescriptor
	err = pathPtr.Borrow(ctx, func(addr near.Address) error {
		ret, err := t.Syscall(ctx, unix.SYS_OPEN, int64(addr), int64(flags), int64(mode), 0, 0, 0)
		if err != nil {
			return err
		}
		if err := rsyscallerr.FromReturnPath(ret, "open", path); err != nil {
			return err
		}
		fd = near.FileDescriptor(ret)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return handle.MakeFDHandle(t, t.fdTableState, fd), nil
}

// Pipe2 issues pipe2(2), returning the read and write ends as owning
// handles.
func (t *Task) Pipe2(ctx context.Context, ram *handle.RAM, flags int) (r, w *handle.FDHandle, err error) {
	var zero [2]int32
	buf, err := handle.Ptr(ctx, ram, zero, int32PairSerializer{})
	if err != nil {
		return nil, nil, err
	}
	var fds [2]int32
	err = buf.Borrow(ctx, func(addr near.Address) error {
		ret, err := t.Syscall(ctx, unix.SYS_PIPE2, int64(addr), int64(flags), 0, 0, 0, 0)
		if err != nil {
			return err
		}
		if err := rsyscallerr.FromReturn(ret, "pipe2"); err != nil {
			return err
		}
		fds, err = readInt32Pair(ctx, ram, addr)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	r = handle.MakeFDHandle(t, t.fdTableState, near.FileDescriptor(fds[0]))
	w = handle.MakeFDHandle(t, t.fdTableState, near.FileDescriptor(fds[1]))
	return r, w, nil
}

// Socket issues socket(2), returning an owning FDHandle.
func (t *Task) Socket(ctx context.Context, domain, typ, protocol int) (*handle.FDHandle, error) {
	ret, err := t.Syscall(ctx, unix.SYS_SOCKET, int64(domain), int64(typ), int64(protocol), 0, 0, 0)
	if err != nil {
		return nil, err
	}
	if err := rsyscallerr.FromReturn(ret, "socket"); err != nil {
		return nil, err
	}
	return handle.MakeFDHandle(t, t.fdTableState, near.FileDescriptor(ret)), nil
}

// SocketpairLocal issues socketpair(2) with real os-level fds, for
// bootstrapping new transports without going through the remote-syscall
// protocol.
func SocketpairLocal(domain, typ, protocol int) (a, b near.FileDescriptor, err error) {
	fds, err := unix.Socketpair(domain, typ, protocol)
	if err != nil {
		return 0, 0, fmt.Errorf("socketpair: %w", err)
	}
	return near.FileDescriptor(fds[0]), near.FileDescriptor(fds[1]), nil
}

// Mount issues mount(2).
func (t *Task) Mount(ctx context.Context, ram *handle.RAM, source, target, fstype string, flags uintptr, data string) error {
	srcPtr, err := writeCString(ctx, ram, source)
	if err != nil {
		return err
	}
	dstPtr, err := writeCString(ctx, ram, target)
	if err != nil {
		return err
	}
	fsPtr, err := writeCString(ctx, ram, fstype)
	if err != nil {
		return err
	}
	dataPtr, err := writeCString(ctx, ram, data)
	if err != nil {
		return err
	}

	var outerErr error
	_ = srcPtr.Borrow(ctx, func(srcAddr near.Address) error {
		return dstPtr.Borrow(ctx, func(dstAddr near.Address) error {
			return fsPtr.Borrow(ctx, func(fsAddr near.Address) error {
				return dataPtr.Borrow(ctx, func(dataAddr near.Address) error {
					ret, err := t.Syscall(ctx, unix.SYS_MOUNT, int64(srcAddr), int64(dstAddr), int64(fsAddr), int64(flags), int64(dataAddr), 0)
					outerErr = rsyscallerr.FromReturnPath(ret, "mount", target)
					if err != nil && outerErr == nil {
						outerErr = err
					}
					return nil
				})
			})
		})
	})
	return outerErr
}

// Waitid issues waitid(2) directly (used by package monitor).
func (t *Task) Waitid(ctx context.Context, idType, id int, ram *handle.RAM, options int) (*SiginfoResult, error) {
	infoPtr, err := handle.Ptr(ctx, ram, siginfoZero, siginfoSerializer{})
	if err != nil {
		return nil, err
	}
	var info SiginfoResult
	err = infoPtr.Borrow(ctx, func(addr near.Address) error {
		ret, err := t.Syscall(ctx, unix.SYS_WAITID, int64(idType), int64(id), int64(addr), int64(options), 0, 0)
		if err != nil {
			return err
		}
		if err := rsyscallerr.FromReturn(ret, "waitid"); err != nil {
			return err
		}
		info, err = readSiginfo(ctx, ram, addr)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func writeCString(ctx context.Context, ram *handle.RAM, s string) (*handle.WrittenPointer[string], error) {
	return handle.Ptr(ctx, ram, s, newCStringSerializer(s))
}

// int32PairSerializer/readInt32Pair/cstringSerializer/siginfo* live in
// serializers.go.
