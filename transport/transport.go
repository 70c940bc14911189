// Package transport implements the concrete syscall transport: a fixed-frame
// request/response protocol carried over a pair of file descriptors to a
// remote agent, with pipelined submission and FIFO response ordering.
package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/rsyscall/rsyscall/asyncfd"
	"github.com/rsyscall/rsyscall/internal/logger"
	"github.com/rsyscall/rsyscall/near"
	"github.com/rsyscall/rsyscall/rsyscallerr"
	"github.com/rsyscall/rsyscall/syscallif"
)

var _ syscallif.Interface = (*Transport)(nil)

type state int32

const (
	stateOpen state = iota
	stateClosing
	stateClosed
)

type result struct {
	val int64
	err error
}

type pendingResp struct {
	ch chan result
}

// Wait implements syscallif.PendingResponse. It is shielded against
// cancellation: it always consumes the matching response frame before
// reporting ctx's cancellation to the caller.
func (p *pendingResp) Wait(ctx context.Context) (int64, error) {
	r := <-p.ch
	if r.err != nil {
		return r.val, r.err
	}
	if err := ctx.Err(); err != nil {
		return r.val, err
	}
	return r.val, nil
}

// Transport is a concrete syscallif.Interface speaking the fixed-frame
// protocol over a writer fd and a reader fd (which may be the
// two directions of one socket, or two pipes).
type Transport struct {
	writeFD, readFD near.FileDescriptor
	writeAsync      *asyncfd.AsyncFD
	readAsync       *asyncfd.AsyncFD

	writeSem chan struct{} // 1-buffered: holds a token when unlocked

	queueMu sync.Mutex
	queue   []*pendingResp

	state   atomic.Int32
	closeMu sync.Mutex
	closed  bool
}

// New constructs a Transport over writeFD/readFD, both of which must already
// be O_NONBLOCK and registered against e. The caller retains ownership of
// e's Run loop.
func New(e *asyncfd.Epoller, writeFD, readFD near.FileDescriptor) *Transport {
	t := &Transport{
		writeFD:    writeFD,
		readFD:     readFD,
		writeAsync: asyncfd.New(e, writeFD),
		readAsync:  asyncfd.New(e, readFD),
		writeSem:   make(chan struct{}, 1),
	}
	t.writeSem <- struct{}{}
	go t.readLoop()
	return t
}

// Submit implements syscallif.Interface.
func (t *Transport) Submit(ctx context.Context, nr near.SyscallNumber, a1, a2, a3, a4, a5, a6 int64) (syscallif.PendingResponse, error) {
	if state(t.state.Load()) != stateOpen {
		return nil, &rsyscallerr.TerminalError{Cause: fmt.Errorf("transport not open")}
	}

	select {
	case <-t.writeSem:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { t.writeSem <- struct{}{} }()

	if state(t.state.Load()) != stateOpen {
		return nil, &rsyscallerr.TerminalError{Cause: fmt.Errorf("transport not open")}
	}

	var buf [requestFrameSize]byte
	encodeRequest(buf[:], int64(nr), a1, a2, a3, a4, a5, a6)

	// Writing the frame, once started, is not cancellation-safe: a partial
	// frame on the wire is fatal for the transport, so we shield it behind
	// a background context.
	if err := t.writeAll(context.Background(), buf[:]); err != nil {
		t.fail(err)
		return nil, err
	}

	pr := &pendingResp{ch: make(chan result, 1)}
	t.queueMu.Lock()
	t.queue = append(t.queue, pr)
	t.queueMu.Unlock()

	return pr, nil
}

// Syscall implements syscallif.Interface.
func (t *Transport) Syscall(ctx context.Context, nr near.SyscallNumber, a1, a2, a3, a4, a5, a6 int64) (int64, error) {
	pr, err := t.Submit(ctx, nr, a1, a2, a3, a4, a5, a6)
	if err != nil {
		return 0, err
	}

	ret, err := pr.Wait(ctx)
	if err != nil {
		return ret, err
	}

	return ret, rsyscallerr.FromReturn(ret, syscallName(nr))
}

func syscallName(nr near.SyscallNumber) string {
	return fmt.Sprintf("syscall(%d)", int64(nr))
}

// ActivityFD implements syscallif.Interface: the reader fd is readable
// whenever a response has arrived for this interface to progress.
func (t *Transport) ActivityFD() (near.FileDescriptor, bool) {
	return t.readFD, true
}

// Close implements syscallif.Interface.
func (t *Transport) Close() error {
	t.closeMu.Lock()
	if t.closed {
		t.closeMu.Unlock()
		return nil
	}
	t.closed = true
	t.state.Store(int32(stateClosing))
	t.closeMu.Unlock()

	err1 := unix.Close(t.writeFD.Int())
	var err2 error
	if t.readFD != t.writeFD {
		err2 = unix.Close(t.readFD.Int())
	}
	t.fail(fmt.Errorf("transport closed"))
	if err1 != nil {
		return err1
	}
	return err2
}

func (t *Transport) writeAll(ctx context.Context, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(t.writeFD.Int(), buf)
		if err == unix.EAGAIN {
			if werr := t.writeAsync.WaitWritable(ctx); werr != nil {
				return werr
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		buf = buf[n:]
	}
	return nil
}

func (t *Transport) readLoop() {
	ctx := context.Background()
	for {
		var buf [responseFrameSize]byte
		if err := t.readExact(ctx, buf[:]); err != nil {
			t.fail(err)
			return
		}
		val := decodeResponse(buf[:])

		t.queueMu.Lock()
		if len(t.queue) == 0 {
			t.queueMu.Unlock()
			t.fail(fmt.Errorf("transport: response with no pending submission"))
			return
		}
		pr := t.queue[0]
		t.queue = t.queue[1:]
		t.queueMu.Unlock()

		pr.ch <- result{val: val}
	}
}

func (t *Transport) readExact(ctx context.Context, buf []byte) error {
	read := 0
	for read < len(buf) {
		n, err := unix.Read(t.readFD.Int(), buf[read:])
		if err == unix.EAGAIN {
			if werr := t.readAsync.WaitReadable(ctx); werr != nil {
				return werr
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if n == 0 {
			if read == 0 {
				return fmt.Errorf("transport: EOF")
			}
			return fmt.Errorf("transport: EOF mid-frame (%d/%d bytes)", read, len(buf))
		}
		read += n
	}
	return nil
}

// fail marks the transport terminal and drains every outstanding response
// with a TerminalError.
func (t *Transport) fail(cause error) {
	if !t.state.CompareAndSwap(int32(stateOpen), int32(stateClosed)) {
		t.state.Store(int32(stateClosed))
	}

	t.queueMu.Lock()
	pending := t.queue
	t.queue = nil
	t.queueMu.Unlock()

	termErr := &rsyscallerr.TerminalError{Cause: cause}
	for _, pr := range pending {
		pr.ch <- result{err: termErr}
	}
	logger.Debugf("transport: terminal: %s", cause)
}
