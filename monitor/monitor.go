// Package monitor implements the child-process monitor: a single
// signalfd(SIGCHLD) multiplexed to per-child async waiters, with an optional
// reaper mode for orphan collection.
package monitor

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/rsyscall/rsyscall/handle"
	"github.com/rsyscall/rsyscall/internal/logger"
	"github.com/rsyscall/rsyscall/rsyscallerr"
	"github.com/rsyscall/rsyscall/task"
)

// Event is one status change delivered by waitid(WNOWAIT): the child is
// still a zombie after it, and a later reaping waitid (without WNOWAIT)
// consumes it for good.
type Event struct {
	Code   int32 // CLD_EXITED, CLD_KILLED, CLD_DUMPED, CLD_STOPPED, CLD_CONTINUED, CLD_TRAPPED
	Status int32 // exit code, or terminating/stopping signal number
}

const (
	cldExited    = 1
	cldKilled    = 2
	cldDumped    = 3
	cldTrapped   = 4
	cldStopped   = 5
	cldContinued = 6
)

// Terminal reports whether this event ends the child's lifetime (as opposed
// to a stop/continue notification).
func (e Event) Terminal() bool {
	return e.Code == cldExited || e.Code == cldKilled || e.Code == cldDumped
}

// ChildProcess owns the right to call waitid on one child pid. Detach gives
// up that right without reaping the child; the monitor (in reaper mode) may
// still collect it as an orphan.
type ChildProcess struct {
	pid int
	mon *Monitor

	mu       sync.Mutex
	events   chan Event
	detached bool
}

// Pid returns the child's pid, as observed in the monitor's pid namespace.
func (c *ChildProcess) Pid() int { return c.pid }

// Wait blocks until the next status event for this child, or ctx is
// cancelled. It does not reap: the zombie persists (WNOWAIT) until Check (or
// a final non-WNOWAIT waitid done by the caller) consumes it.
func (c *ChildProcess) Wait(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-c.events:
		if !ok {
			return Event{}, fmt.Errorf("monitor: child %d detached", c.pid)
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Check waits for the child's terminal event and reaps it (a real, non-WNOWAIT
// waitid), returning a ChildError if the child did not exit cleanly.
func (c *ChildProcess) Check(ctx context.Context, ram *handle.RAM) error {
	for {
		ev, err := c.Wait(ctx)
		if err != nil {
			return err
		}
		if !ev.Terminal() {
			continue
		}
		if _, err := c.mon.task.Waitid(ctx, unix.P_PID, c.pid, ram, unix.WEXITED); err != nil {
			return err
		}
		c.mon.forget(c.pid)
		switch ev.Code {
		case cldExited:
			if ev.Status != 0 {
				return &rsyscallerr.ChildError{Pid: c.pid, ExitCode: int(ev.Status)}
			}
			return nil
		case cldKilled:
			return &rsyscallerr.ChildError{Pid: c.pid, Signal: unix.Signal(ev.Status).String()}
		case cldDumped:
			return &rsyscallerr.ChildError{Pid: c.pid, Dumped: true}
		}
		return nil
	}
}

// Detach gives up this handle's right to wait on the child without reaping
// it; in reaper mode the monitor's orphan loop picks it up instead.
func (c *ChildProcess) Detach() {
	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		return
	}
	c.detached = true
	c.mu.Unlock()
	c.mon.forget(c.pid)
}

// Monitor multiplexes one signalfd's worth of SIGCHLD notifications to
// per-child waiters.
type Monitor struct {
	task     *task.Task
	ram      *handle.RAM
	sigFD    *handle.FDHandle
	isReaper bool

	mu       sync.Mutex
	children map[int]*ChildProcess
	closed   bool
}

// New creates a monitor bound to t: it blocks SIGCHLD in t's mask and opens
// a signalfd in t's fd table. isReaper marks this monitor as belonging to a
// pid-1-equivalent process: its Run loop also collects and discards orphan
// events that match no registered ChildProcess.
func New(ctx context.Context, t *task.Task, ram *handle.RAM, isReaper bool) (*Monitor, error) {
	if err := t.RtSigprocmaskBlockChld(ctx, ram); err != nil {
		return nil, fmt.Errorf("monitor: block SIGCHLD: %w", err)
	}
	sigFD, err := t.Signalfd4(ctx, ram, 1<<(uint(unix.SIGCHLD)-1), unix.SFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("monitor: signalfd4: %w", err)
	}
	return &Monitor{
		task:     t,
		ram:      ram,
		sigFD:    sigFD,
		isReaper: isReaper,
		children: make(map[int]*ChildProcess),
	}, nil
}

// InheritToChild constructs a Monitor for a Task that shares this Monitor's
// FDTable (so its signalfd is already valid there), without creating a new
// signalfd or re-blocking SIGCHLD.
func (m *Monitor) InheritToChild(child *task.Task, ram *handle.RAM, isReaper bool) *Monitor {
	return &Monitor{
		task:     child,
		ram:      ram,
		sigFD:    m.sigFD,
		isReaper: isReaper,
		children: make(map[int]*ChildProcess),
	}
}

// Track registers pid as a child this monitor owns the waitid right to.
func (m *Monitor) Track(pid int) *ChildProcess {
	c := &ChildProcess{pid: pid, mon: m, events: make(chan Event, 8)}
	m.mu.Lock()
	m.children[pid] = c
	m.mu.Unlock()
	return c
}

func (m *Monitor) forget(pid int) {
	m.mu.Lock()
	c, ok := m.children[pid]
	delete(m.children, pid)
	m.mu.Unlock()
	if ok {
		close(c.events)
	}
}

// Run drives the monitor loop until ctx is cancelled: it blocks on a read(2)
// of the signalfd (the remote agent blocks on the kernel's behalf, so no
// local epoll participation is needed for a remote fd), then drains every
// pending child event with waitid(WNOHANG|WEXITED|WSTOPPED|WCONTINUED|WNOWAIT)
// until none remain.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		if _, err := m.task.Read(ctx, m.ram, m.sigFD, signalfdSiginfoSize); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("monitor: read signalfd: %w", err)
		}

		for {
			result, err := m.task.Waitid(ctx, unix.P_ALL, 0, m.ram,
				unix.WNOHANG|unix.WEXITED|unix.WSTOPPED|unix.WCONTINUED|unix.WNOWAIT)
			if err != nil {
				if errno, ok := err.(*rsyscallerr.Errno); ok && errno.Num == unix.ECHILD {
					break
				}
				return fmt.Errorf("monitor: waitid: %w", err)
			}
			if result.Pid == 0 {
				break
			}
			m.dispatch(ctx, *result)
		}
	}
}

// RunAll drives every monitor in ms concurrently, one goroutine each, the
// way a process supervising several namespaced children runs one monitor
// per pid namespace. If any monitor's Run returns an error, ctx is
// cancelled for the rest and RunAll returns that first error.
func RunAll(ctx context.Context, ms ...*Monitor) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range ms {
		g.Go(func() error { return m.Run(gctx) })
	}
	return g.Wait()
}

func (m *Monitor) dispatch(ctx context.Context, r task.SiginfoResult) {
	m.mu.Lock()
	c, ok := m.children[int(r.Pid)]
	reaper := m.isReaper
	m.mu.Unlock()

	ev := Event{Code: r.Code, Status: r.Status}
	if ok {
		select {
		case c.events <- ev:
		default:
			logger.Warnf("monitor: event queue full for child %d, dropping event", r.Pid)
		}
		return
	}
	if reaper {
		if !ev.Terminal() {
			logger.Debugf("monitor: orphan %d stopped/continued (code=%d status=%d)", r.Pid, r.Code, r.Status)
			return
		}
		if _, err := m.task.Waitid(ctx, unix.P_PID, int(r.Pid), m.ram, unix.WEXITED); err != nil {
			logger.Warnf("monitor: failed to reap orphan %d: %v", r.Pid, err)
			return
		}
		logger.Debugf("monitor: reaped orphan %d (code=%d status=%d)", r.Pid, r.Code, r.Status)
		return
	}
	logger.Debugf("monitor: event for untracked child %d (code=%d status=%d)", r.Pid, r.Code, r.Status)
}

// signalfdSiginfoSize is sizeof(struct signalfd_siginfo); its contents carry
// no information the monitor loop needs, since waitid's own result is
// authoritative for which child changed state.
const signalfdSiginfoSize = 128

// Close releases the monitor's signalfd handle.
func (m *Monitor) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	return m.sigFD.Close(ctx)
}
