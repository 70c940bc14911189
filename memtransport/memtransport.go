// Package memtransport implements the memory transport: it
// moves bytes into and out of a remote address space over a connected
// socketpair. The local end is driven directly with read(2)/write(2); the
// remote end is driven by issuing read(2)/write(2) *syscalls* against the
// remote Task through its syscallif.Interface.
//
// One mutex per direction serializes operations on the socketpair. Adjacent
// pointer ranges are merged into a single syscall only within one
// BatchWrite/BatchRead call; operations from separate calls (including
// concurrent callers) are not queued together or merged with each other.
package memtransport

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/rsyscall/rsyscall/asyncfd"
	"github.com/rsyscall/rsyscall/near"
	"github.com/rsyscall/rsyscall/syscallif"
)

// Span is one contiguous byte range to move, identified by its remote
// address. Spans passed to the same batch call must not overlap.
type Span struct {
	Addr near.Address
	Len  int
}

// End returns the address one past the span.
func (s Span) End() near.Address { return s.Addr.Add(s.Len) }

// WriteOp is one write request: copy Data into the remote address space at
// Dest.
type WriteOp struct {
	Dest Span
	Data []byte
}

// ReadOp is one read request: copy Src.Len bytes from the remote address
// space back to the caller.
type ReadOp struct {
	Src Span
}

// Transport is the concrete memory transport.
type Transport struct {
	// localFD is our end of the socketpair; remoteFD is the peer end's near
	// value as seen by remoteIface (the remote Task's syscall interface).
	localAsync *asyncfd.AsyncFD
	localFD    near.FileDescriptor
	remoteFD   near.FileDescriptor
	remoteIf   syscallif.Interface

	writeMu sync.Mutex // serializes local write() calls draining to the wire
	readMu  sync.Mutex // serializes remote read() syscalls draining from the wire
}

// New constructs a memory transport over a local fd (already O_NONBLOCK,
// registered with e) and the near fd of the connected peer end as seen by
// remoteIf.
func New(e *asyncfd.Epoller, localFD near.FileDescriptor, remoteIf syscallif.Interface, remoteFD near.FileDescriptor) *Transport {
	return &Transport{
		localAsync: asyncfd.New(e, localFD),
		localFD:    localFD,
		remoteFD:   remoteFD,
		remoteIf:   remoteIf,
	}
}

// Write copies data into the remote address space at dest: local write(2)
// drains the bytes onto the wire, then a read(2) syscall on the remote Task
// drains them into dest.
func (t *Transport) Write(ctx context.Context, dest near.Address, data []byte) error {
	return t.BatchWrite(ctx, []WriteOp{{Dest: Span{Addr: dest, Len: len(data)}, Data: data}})
}

// Read copies n bytes from the remote address space at src back to the
// caller: a write(2) syscall on the remote Task drains src onto the wire,
// then a local read(2) drains it into a buffer.
func (t *Transport) Read(ctx context.Context, src near.Address, n int) ([]byte, error) {
	out, err := t.BatchRead(ctx, []ReadOp{{Src: Span{Addr: src, Len: n}}})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// BatchWrite performs a burst of writes, merging adjacent destination spans
// (same end==next start) into a single write(2)/read(2) pair. ops must not
// describe overlapping destination ranges.
func (t *Transport) BatchWrite(ctx context.Context, ops []WriteOp) error {
	if len(ops) == 0 {
		return nil
	}
	if err := checkNoOverlap(spansOf(ops)); err != nil {
		return err
	}

	groups := groupAdjacent(ops)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	for _, g := range groups {
		merged := make([]byte, 0, g.totalLen)
		for _, op := range g.ops.([]WriteOp) {
			merged = append(merged, op.Data...)
		}

		if err := t.writeLocal(ctx, merged); err != nil {
			return err
		}

		if _, err := t.remoteIf.Syscall(ctx, unix.SYS_READ, int64(t.remoteFD.Int()), int64(g.addr), int64(g.totalLen), 0, 0, 0); err != nil {
			return fmt.Errorf("remote read(2) for write transport: %w", err)
		}
	}

	return nil
}

// BatchRead performs a burst of reads, merging adjacent source spans into a
// single write(2)/read(2) pair.
func (t *Transport) BatchRead(ctx context.Context, ops []ReadOp) ([][]byte, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	spans := make([]Span, len(ops))
	for i, op := range ops {
		spans[i] = op.Src
	}
	if err := checkNoOverlap(spans); err != nil {
		return nil, err
	}

	groups := groupAdjacentReads(ops)

	t.readMu.Lock()
	defer t.readMu.Unlock()

	out := make([][]byte, len(ops))
	opIdx := 0
	for _, g := range groups {
		if _, err := t.remoteIf.Syscall(ctx, unix.SYS_WRITE, int64(t.remoteFD.Int()), int64(g.addr), int64(g.totalLen), 0, 0, 0); err != nil {
			return nil, fmt.Errorf("remote write(2) for read transport: %w", err)
		}

		buf, err := t.readLocal(ctx, g.totalLen)
		if err != nil {
			return nil, err
		}

		off := 0
		for _, op := range g.ops.([]ReadOp) {
			out[opIdx] = buf[off : off+op.Src.Len]
			off += op.Src.Len
			opIdx++
		}
	}

	return out, nil
}

func (t *Transport) writeLocal(ctx context.Context, data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(t.localFD.Int(), data)
		if err == unix.EAGAIN {
			if werr := t.localAsync.WaitWritable(ctx); werr != nil {
				return werr
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("memtransport: local write: %w", err)
		}
		data = data[n:]
	}
	return nil
}

func (t *Transport) readLocal(ctx context.Context, n int) ([]byte, error) {
	buf := make([]byte, n)
	read := 0
	for read < n {
		m, err := unix.Read(t.localFD.Int(), buf[read:])
		if err == unix.EAGAIN {
			if werr := t.localAsync.WaitReadable(ctx); werr != nil {
				return nil, werr
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("memtransport: local read: %w", err)
		}
		if m == 0 {
			return nil, fmt.Errorf("memtransport: EOF after %d/%d bytes", read, n)
		}
		read += m
	}
	return buf, nil
}

func spansOf(ops []WriteOp) []Span {
	out := make([]Span, len(ops))
	for i, op := range ops {
		out[i] = op.Dest
	}
	return out
}

func checkNoOverlap(spans []Span) error {
	sorted := append([]Span(nil), spans...)
	// simple insertion sort; batches are small in practice
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Addr < sorted[j-1].Addr; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].End() > sorted[i].Addr {
			return fmt.Errorf("memtransport: overlapping spans %s and %s", sorted[i-1].Addr, sorted[i].Addr)
		}
	}
	return nil
}

type group struct {
	addr     near.Address
	totalLen int
	ops      any // []WriteOp or []ReadOp, in original caller order within the group
}

func groupAdjacent(ops []WriteOp) []group {
	var groups []group
	var cur []WriteOp
	for i, op := range ops {
		if i > 0 && ops[i-1].Dest.End() == op.Dest.Addr {
			cur = append(cur, op)
			continue
		}
		if cur != nil {
			groups = append(groups, finishWrite(cur))
		}
		cur = []WriteOp{op}
	}
	if cur != nil {
		groups = append(groups, finishWrite(cur))
	}
	return groups
}

func finishWrite(ops []WriteOp) group {
	total := 0
	for _, op := range ops {
		total += op.Dest.Len
	}
	return group{addr: ops[0].Dest.Addr, totalLen: total, ops: ops}
}

func groupAdjacentReads(ops []ReadOp) []group {
	var groups []group
	var cur []ReadOp
	for i, op := range ops {
		if i > 0 && ops[i-1].Src.End() == op.Src.Addr {
			cur = append(cur, op)
			continue
		}
		if cur != nil {
			groups = append(groups, finishRead(cur))
		}
		cur = []ReadOp{op}
	}
	if cur != nil {
		groups = append(groups, finishRead(cur))
	}
	return groups
}

func finishRead(ops []ReadOp) group {
	total := 0
	for _, op := range ops {
		total += op.Src.Len
	}
	return group{addr: ops[0].Src.Addr, totalLen: total, ops: ops}
}
