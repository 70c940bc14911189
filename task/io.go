package task

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/rsyscall/rsyscall/handle"
	"github.com/rsyscall/rsyscall/near"
	"github.com/rsyscall/rsyscall/rsyscallerr"
)

// Read issues read(2) against fd, blocking in the agent until n bytes (or
// fewer, or an error) are available, and returns the bytes actually read.
func (t *Task) Read(ctx context.Context, ram *handle.RAM, fd *handle.FDHandle, n int) ([]byte, error) {
	nearFD, err := fd.Near()
	if err != nil {
		return nil, err
	}
	buf, err := handle.Ptr(ctx, ram, make([]byte, n), bytesSerializer{n: n})
	if err != nil {
		return nil, err
	}
	var out []byte
	err = buf.Borrow(ctx, func(addr near.Address) error {
		ret, err := t.Syscall(ctx, unix.SYS_READ, int64(nearFD.Int()), int64(addr), int64(n), 0, 0, 0)
		if err != nil {
			return err
		}
		if err := rsyscallerr.FromReturnFD(ret, "read", nearFD.Int()); err != nil {
			return err
		}
		data, err := ram.Transport.Read(ctx, addr, int(ret))
		if err != nil {
			return err
		}
		out = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Write issues write(2) of data against fd, returning the number of bytes
// the kernel actually accepted.
func (t *Task) Write(ctx context.Context, ram *handle.RAM, fd *handle.FDHandle, data []byte) (int, error) {
	nearFD, err := fd.Near()
	if err != nil {
		return 0, err
	}
	buf, err := handle.Ptr(ctx, ram, data, bytesSerializer{n: len(data)})
	if err != nil {
		return 0, err
	}
	var written int
	err = buf.Borrow(ctx, func(addr near.Address) error {
		ret, err := t.Syscall(ctx, unix.SYS_WRITE, int64(nearFD.Int()), int64(addr), int64(len(data)), 0, 0, 0)
		if err != nil {
			return err
		}
		if err := rsyscallerr.FromReturnFD(ret, "write", nearFD.Int()); err != nil {
			return err
		}
		written = int(ret)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// RtSigprocmaskBlockChld blocks SIGCHLD in this Task's signal mask, the
// precondition signalfd(2) documents for reliable delivery: without it, a
// concurrently installed default/ignored disposition can consume the signal
// before the signalfd reads it.
func (t *Task) RtSigprocmaskBlockChld(ctx context.Context, ram *handle.RAM) error {
	var mask uint64 = 1 << (uint(unix.SIGCHLD) - 1)
	maskPtr, err := handle.Ptr(ctx, ram, mask, uint64Serializer{})
	if err != nil {
		return err
	}
	return maskPtr.Borrow(ctx, func(addr near.Address) error {
		ret, err := t.Syscall(ctx, unix.SYS_RT_SIGPROCMASK, int64(unix.SIG_BLOCK), int64(addr), 0, 8, 0, 0)
		if err != nil {
			return err
		}
		return rsyscallerr.FromReturn(ret, "rt_sigprocmask")
	})
}

// Signalfd4 creates a signalfd bound to mask (a signal-number bitmask, LSB =
// signal 1) in this Task's fd table.
func (t *Task) Signalfd4(ctx context.Context, ram *handle.RAM, mask uint64, flags int) (*handle.FDHandle, error) {
	maskPtr, err := handle.Ptr(ctx, ram, mask, uint64Serializer{})
	if err != nil {
		return nil, err
	}
	var fd near.FileDescriptor
	err = maskPtr.Borrow(ctx, func(addr near.Address) error {
		ret, err := t.Syscall(ctx, unix.SYS_SIGNALFD4, int64(-1), int64(addr), 8, int64(flags), 0, 0)
		if err != nil {
			return err
		}
		if err := rsyscallerr.FromReturn(ret, "signalfd4"); err != nil {
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
