// Package syscallif defines the SyscallInterface contract: a
// small interface implemented by every syscall executor — the concrete
// frame transport in package transport, and mocks used in tests.
package syscallif

import (
	"context"

	"github.com/rsyscall/rsyscall/near"
)

// PendingResponse is returned by Submit; awaiting it (via Wait) yields the
// raw kernel return value. A PendingResponse must eventually be consumed by
// exactly one Wait call: submitting without waiting leaves the interface's
// FIFO permanently one entry longer than the caller expects, desynchronizing
// every later response.
type PendingResponse interface {
	// Wait blocks until the matching response frame has arrived. It is
	// shielded against cancellation: once a frame has been submitted, the
	// read that matches it must complete before this call reports the
	// caller's context being done. If ctx is cancelled while waiting, Wait
	// still reads and discards the response before returning ctx.Err(), so
	// that the next submitter is not handed the wrong response.
	Wait(ctx context.Context) (int64, error)
}

// Interface is the SyscallInterface contract.
type Interface interface {
	// Submit enqueues a 6-argument syscall request. It must not block on
	// the kernel's response; it may block only on transport backpressure
	// (the write side of the frame channel).
	Submit(ctx context.Context, nr near.SyscallNumber, a1, a2, a3, a4, a5, a6 int64) (PendingResponse, error)

	// Syscall is Submit followed by Wait, with errno-range returns mapped
	// to *rsyscallerr.Errno.
	Syscall(ctx context.Context, nr near.SyscallNumber, a1, a2, a3, a4, a5, a6 int64) (int64, error)

	// Close tears down the transport. Not undoable: once Close returns,
	// every pending and future call fails with *rsyscallerr.TerminalError.
	Close() error

	// ActivityFD, when its second result is true, names a file descriptor that is readable
	// whenever this interface has work to progress, so an epoll loop that
	// is otherwise idle still wakes to make progress on it.
	ActivityFD() (near.FileDescriptor, bool)
}
