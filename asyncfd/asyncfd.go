// Package asyncfd implements the epoll-based async-fd readiness primitive of
// callers register interest in a file descriptor becoming
// readable or writable and suspend until epoll reports it. Both the syscall
// transport (package transport) and the memory transport (package
// memtransport) wait through here instead of driving epoll directly.
package asyncfd

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/rsyscall/rsyscall/internal/logger"
	"github.com/rsyscall/rsyscall/near"
)

// Epoller owns one epoll instance and dispatches readiness to waiters
// registered via AsyncFD.WaitReadable/WaitWritable. One Epoller is typically shared by every fd belonging
// to a single Task/runtime, matching lxd's one-loop-per-daemon
// style.
type Epoller struct {
	epfd int

	mu   sync.Mutex
	regs map[int]*registration
	// wakeR/wakeW are a pipe whose read end is in the epoll set, so Run's
	// untimed epoll_wait can be interrupted (e.g. on Close).
	wakeR, wakeW int
	closed       bool
}

type registration struct {
	readWaiter  chan error
	writeWaiter chan error
}

// NewEpoller creates a new epoll instance.
func NewEpoller() (*Epoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	r, w, err := pipe2CloexecNonblock()
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}

	e := &Epoller{epfd: epfd, regs: make(map[int]*registration), wakeR: r, wakeW: w}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, r, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(r)}); err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("epoll_ctl(wake): %w", err)
	}

	return e, nil
}

func pipe2CloexecNonblock() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return 0, 0, fmt.Errorf("pipe2: %w", err)
	}
	return fds[0], fds[1], nil
}

// Close tears down the epoll instance. Pending waiters observe an error.
func (e *Epoller) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	regs := e.regs
	e.regs = nil
	e.mu.Unlock()

	for _, r := range regs {
		if r.readWaiter != nil {
			r.readWaiter <- fmt.Errorf("epoller closed")
		}
		if r.writeWaiter != nil {
			r.writeWaiter <- fmt.Errorf("epoller closed")
		}
	}

	_, _ = unix.Write(e.wakeW, []byte{0})
	_ = unix.Close(e.wakeW)
	_ = unix.Close(e.wakeR)
	return unix.Close(e.epfd)
}

// Run drives the epoll loop until ctx is cancelled or Close is called. It
// must run in its own goroutine for the lifetime of the Epoller.
func (e *Epoller) Run(ctx context.Context) {
	events := make([]unix.EpollEvent, 32)
	for {
		n, err := unix.EpollWait(e.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			logger.Debugf("asyncfd: epoll_wait: %s", err)
			return
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == e.wakeR {
				if ctx.Err() != nil {
					return
				}
				e.mu.Lock()
				closed := e.closed
				e.mu.Unlock()
				if closed {
					return
				}
				continue
			}
			e.dispatch(fd, events[i].Events)
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func (e *Epoller) dispatch(fd int, mask uint32) {
	e.mu.Lock()
	reg, ok := e.regs[fd]
	if !ok {
		e.mu.Unlock()
		return
	}

	var readCh, writeCh chan error
	if mask&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 && reg.readWaiter != nil {
		readCh = reg.readWaiter
		reg.readWaiter = nil
	}
	if mask&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 && reg.writeWaiter != nil {
		writeCh = reg.writeWaiter
		reg.writeWaiter = nil
	}
	if reg.readWaiter == nil && reg.writeWaiter == nil {
		delete(e.regs, fd)
		_ = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	e.mu.Unlock()

	var err error
	if mask&unix.EPOLLERR != 0 {
		err = fmt.Errorf("fd %d: EPOLLERR", fd)
	} else if mask&unix.EPOLLHUP != 0 {
		err = fmt.Errorf("fd %d: EPOLLHUP", fd)
	}

	if readCh != nil {
		readCh <- err
	}
	if writeCh != nil {
		writeCh <- err
	}
}

func (e *Epoller) wait(ctx context.Context, fd near.FileDescriptor, event uint32, isRead bool) error {
	ch := make(chan error, 1)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("epoller closed")
	}
	reg, ok := e.regs[fd.Int()]
	op := unix.EPOLL_CTL_MOD
	if !ok {
		reg = &registration{}
		e.regs[fd.Int()] = reg
		op = unix.EPOLL_CTL_ADD
	}
	if isRead {
		if reg.readWaiter != nil {
			e.mu.Unlock()
			return fmt.Errorf("asyncfd: concurrent WaitReadable on fd %d", fd.Int())
		}
		reg.readWaiter = ch
	} else {
		if reg.writeWaiter != nil {
			e.mu.Unlock()
			return fmt.Errorf("asyncfd: concurrent WaitWritable on fd %d", fd.Int())
		}
		reg.writeWaiter = ch
	}

	mask := uint32(0)
	if reg.readWaiter != nil {
		mask |= unix.EPOLLIN
	}
	if reg.writeWaiter != nil {
		mask |= unix.EPOLLOUT
	}
	e.mu.Unlock()

	ev := unix.EpollEvent{Events: mask | unix.EPOLLONESHOT, Fd: int32(fd.Int())}
	if err := unix.EpollCtl(e.epfd, op, fd.Int(), &ev); err != nil {
		return fmt.Errorf("epoll_ctl: %w", err)
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		// Best-effort deregistration: drop our waiter if dispatch has not
		// already taken it, so a subsequent wait on this fd simply re-arms.
		e.mu.Lock()
		if reg, ok := e.regs[fd.Int()]; ok {
			if isRead && reg.readWaiter == ch {
				reg.readWaiter = nil
			} else if !isRead && reg.writeWaiter == ch {
				reg.writeWaiter = nil
			}
		}
		e.mu.Unlock()
		return ctx.Err()
	}
}

// AsyncFD pairs a raw file descriptor with the Epoller it is registered
// against.
type AsyncFD struct {
	FD       near.FileDescriptor
	epoller  *Epoller
}

// New wraps fd for readiness waits against e. The fd must already be
// O_NONBLOCK.
func New(e *Epoller, fd near.FileDescriptor) *AsyncFD {
	return &AsyncFD{FD: fd, epoller: e}
}

// WaitReadable suspends until fd is readable (or hung up / errored).
func (a *AsyncFD) WaitReadable(ctx context.Context) error {
	return a.epoller.wait(ctx, a.FD, unix.EPOLLIN, true)
}

// WaitWritable suspends until fd is writable (or hung up / errored).
func (a *AsyncFD) WaitWritable(ctx context.Context) error {
	return a.epoller.wait(ctx, a.FD, unix.EPOLLOUT, false)
}
