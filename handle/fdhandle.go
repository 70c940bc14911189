package handle

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/rsyscall/rsyscall/far"
	"github.com/rsyscall/rsyscall/near"
	"github.com/rsyscall/rsyscall/rsyscallerr"
)

// FDTableState is the shared, reference-counted bookkeeping for one
// FDTable. Every Task sharing that FDTable holds a pointer to the same
// FDTableState, so that closing an FDHandle in one Task correctly observes
// handles to the same kernel fd held by another Task sharing the table.
type FDTableState struct {
	ID far.FDTable

	mu   sync.Mutex
	refs map[int]int
}

// NewFDTableState constructs empty bookkeeping for a freshly created
// FDTable (e.g. on a clone-spawn that does not share CLONE_FILES).
func NewFDTableState(id far.FDTable) *FDTableState {
	return &FDTableState{ID: id, refs: make(map[int]int)}
}

func (s *FDTableState) ref(fd int) {
	s.mu.Lock()
	s.refs[fd]++
	s.mu.Unlock()
}

// unref decrements the refcount for fd and reports whether it reached zero
// (i.e. whether the caller should actually close(2) the kernel fd).
func (s *FDTableState) unref(fd int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[fd]--
	if s.refs[fd] <= 0 {
		delete(s.refs, fd)
		return true
	}
	return false
}

// reset clears any existing refcount for fd and sets it to one, used after
// dup3 replaces whatever was open at that fd number with a new open file
// description — any handle that previously tracked fd now refers to a
// resource that no longer exists.
func (s *FDTableState) reset(fd int) {
	s.mu.Lock()
	s.refs[fd] = 1
	s.mu.Unlock()
}

// FDHandle is an owning handle for one kernel fd within one FDTable.
// Multiple FDHandles may reference the same kernel fd; the kernel fd is
// closed only when the last one is closed or invalidated.
type FDHandle struct {
	owner Owner
	table *FDTableState
	fd    near.FileDescriptor

	mu    sync.Mutex
	valid bool
}

// MakeFDHandle wraps a raw fd number already known to exist in table,
// incrementing its refcount. Used for fds received via SCM_RIGHTS, produced
// by a syscall return, or otherwise known by a caller to be installed in the
// table out-of-band.
func MakeFDHandle(owner Owner, table *FDTableState, fd near.FileDescriptor) *FDHandle {
	table.ref(fd.Int())
	return &FDHandle{owner: owner, table: table, fd: fd, valid: true}
}

func (h *FDHandle) checkValid() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.valid {
		return rsyscallerr.NewInvariant("use of invalidated FDHandle %s", h.fd)
	}
	return nil
}

func (h *FDHandle) checkOwner(owner Owner) error {
	if !h.table.ID.Equal(owner.FDTableID()) {
		return rsyscallerr.NewInvariant("FDHandle %s used against foreign FDTable %s", h.fd, owner.FDTableID())
	}
	return nil
}

// Near returns the raw fd number, failing if the handle is invalid.
func (h *FDHandle) Near() (near.FileDescriptor, error) {
	if err := h.checkValid(); err != nil {
		return 0, err
	}
	return h.fd, nil
}

// Valid reports whether the handle may still be used.
func (h *FDHandle) Valid() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.valid
}

func (h *FDHandle) invalidate() {
	h.mu.Lock()
	h.valid = false
	h.mu.Unlock()
}

// Close decrements the kernel fd's refcount, calling close(2) when it
// reaches zero. Closing an already-invalid handle is a no-op.
func (h *FDHandle) Close(ctx context.Context) error {
	h.mu.Lock()
	if !h.valid {
		h.mu.Unlock()
		return nil
	}
	h.valid = false
	h.mu.Unlock()

	if h.table.unref(h.fd.Int()) {
		if _, err := h.owner.Syscall(ctx, unix.SYS_CLOSE, int64(h.fd.Int()), 0, 0, 0, 0, 0); err != nil {
			return fmt.Errorf("close(%s): %w", h.fd, err)
		}
	}
	return nil
}

// Dup3 dups this fd into target's slot (dup3(h.fd, target.fd, flags)).
// target's handle is invalidated; a fresh handle pointing at the same
// underlying open file, at target's fd number, is returned.
func (h *FDHandle) Dup3(ctx context.Context, target *FDHandle, flags int) (*FDHandle, error) {
	if err := h.checkValid(); err != nil {
		return nil, err
	}
	if err := target.checkValid(); err != nil {
		return nil, err
	}
	if !h.table.ID.Equal(target.table.ID) {
		return nil, rsyscallerr.NewInvariant("dup3 across FDTables %s and %s", h.table.ID, target.table.ID)
	}

	targetFD := target.fd
	if _, err := h.owner.Syscall(ctx, unix.SYS_DUP3, int64(h.fd.Int()), int64(targetFD.Int()), int64(flags), 0, 0, 0); err != nil {
		return nil, fmt.Errorf("dup3(%s, %s): %w", h.fd, targetFD, err)
	}

	target.invalidate()
	h.table.reset(targetFD.Int())
	return &FDHandle{owner: target.owner, table: h.table, fd: targetFD, valid: true}, nil
}

// DupToNew dups this fd to a fresh fd number (dup(2)), returning a brand new
// handle.
func (h *FDHandle) DupToNew(ctx context.Context) (*FDHandle, error) {
	if err := h.checkValid(); err != nil {
		return nil, err
	}
	ret, err := h.owner.Syscall(ctx, unix.SYS_DUP, int64(h.fd.Int()), 0, 0, 0, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("dup(%s): %w", h.fd, err)
	}
	newFD := near.FileDescriptor(ret)
	h.table.ref(newFD.Int())
	return &FDHandle{owner: h.owner, table: h.table, fd: newFD, valid: true}, nil
}

// Fcntl issues fcntl(fd, cmd, arg).
func (h *FDHandle) Fcntl(ctx context.Context, cmd int, arg int64) (int64, error) {
	if err := h.checkValid(); err != nil {
		return 0, err
	}
	ret, err := h.owner.Syscall(ctx, unix.SYS_FCNTL, int64(h.fd.Int()), int64(cmd), arg, 0, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("fcntl(%s, %d): %w", h.fd, cmd, err)
	}
	return ret, nil
}

// DisableCloexec clears FD_CLOEXEC on this fd, e.g. before handing it to a
// child that needs it to survive execve.
func (h *FDHandle) DisableCloexec(ctx context.Context) error {
	flags, err := h.Fcntl(ctx, unix.F_GETFD, 0)
	if err != nil {
		return err
	}
	_, err = h.Fcntl(ctx, unix.F_SETFD, flags&^unix.FD_CLOEXEC)
	return err
}

// AsProcPath returns the /proc/self/fd path addressing this fd, for use by
// the owning Task (reading this path from a different task's process would
// name a different descriptor).
func (h *FDHandle) AsProcPath() (string, error) {
	if err := h.checkValid(); err != nil {
		return "", err
	}
	return fmt.Sprintf("/proc/self/fd/%d", h.fd.Int()), nil
}

// Inherit produces a handle usable by another Task that shares our FDTable,
// incrementing the shared refcount. It errors if owner does not actually
// share this handle's FDTable.
func (h *FDHandle) Inherit(owner Owner) (*FDHandle, error) {
	if err := h.checkValid(); err != nil {
		return nil, err
	}
	if err := h.checkOwner(owner); err != nil {
		return nil, err
	}
	h.table.ref(h.fd.Int())
	return &FDHandle{owner: owner, table: h.table, fd: h.fd, valid: true}, nil
}

// Move is like Inherit but also invalidates self: the caller's reference is
// transferred to the returned handle rather than duplicated, so the shared
// refcount is unchanged.
func (h *FDHandle) Move(owner Owner) (*FDHandle, error) {
	if err := h.checkValid(); err != nil {
		return nil, err
	}
	if err := h.checkOwner(owner); err != nil {
		return nil, err
	}
	h.invalidate()
	return &FDHandle{owner: owner, table: h.table, fd: h.fd, valid: true}, nil
}
