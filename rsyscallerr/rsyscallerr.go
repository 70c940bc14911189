// Package rsyscallerr defines the typed error kinds:
// a per-errno kind for recoverable kernel failures, and four unrecoverable
// kinds (transport-terminal, invariant, bootstrap, child) that a caller is
// never expected to retry past.
package rsyscallerr

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Errno is a typed Linux errno returned by a syscall. It is local to one
// call; the caller may inspect Errno.Num and recover.
type Errno struct {
	Num  unix.Errno
	Call string
	// Path or FD, when the failing syscall names one; empty/zero otherwise.
	Path string
	FD   int
}

func (e *Errno) Error() string {
	switch {
	case e.Path != "":
		return fmt.Sprintf("%s(%q): %s", e.Call, e.Path, e.Num.Error())
	case e.FD != 0:
		return fmt.Sprintf("%s(fd=%d): %s", e.Call, e.FD, e.Num.Error())
	default:
		return fmt.Sprintf("%s: %s", e.Call, e.Num.Error())
	}
}

// Is lets callers match with errors.Is(err, unix.ENOENT) etc.
func (e *Errno) Is(target error) bool {
	num, ok := target.(unix.Errno)
	return ok && num == e.Num
}

// Unwrap exposes the underlying unix.Errno to errors.As.
func (e *Errno) Unwrap() error { return e.Num }

// FromReturn maps a raw (possibly negative) kernel return value to an error.
// Values in [-4095,-1] are mapped to *Errno, as specified by the syscall
// ABI's reserved errno range; call is recorded for the message (see
// FromReturnPath/FromReturnFD to attach a path or fd as well).
func FromReturn(ret int64, call string) error {
	if ret >= 0 {
		return nil
	}
	if ret < -4095 {
		return fmt.Errorf("%s: kernel returned out-of-range value %d", call, ret)
	}
	return &Errno{Num: unix.Errno(-ret), Call: call}
}

// FromReturnPath is FromReturn with a path attached for the error message.
func FromReturnPath(ret int64, call string, path string) error {
	err := FromReturn(ret, call)
	if e, ok := err.(*Errno); ok {
		e.Path = path
	}
	return err
}

// FromReturnFD is FromReturn with an fd attached for the error message.
func FromReturnFD(ret int64, call string, fd int) error {
	err := FromReturn(ret, call)
	if e, ok := err.(*Errno); ok {
		e.FD = fd
	}
	return err
}

// TerminalError means the SyscallInterface's transport has failed; the Task
// is dead and every pending and future call on it fails with this kind.
type TerminalError struct {
	Cause error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("syscall transport terminated: %s", e.Cause)
}

func (e *TerminalError) Unwrap() error { return e.Cause }

// InvariantError is a programmer error: a mismatched identifier (fd used on
// the wrong FDTable, pointer used on the wrong AddressSpace) or use of an
// already-invalidated handle. It is never recovered.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return "invariant violated: " + e.Msg }

// NewInvariant constructs an InvariantError with a formatted message.
func NewInvariant(format string, args ...any) *InvariantError {
	return &InvariantError{Msg: fmt.Sprintf(format, args...)}
}

// BootstrapError means the agent did not complete its handshake; the Task is
// dead on arrival.
type BootstrapError struct {
	Stage string
	Cause error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap failed at %s: %s", e.Stage, e.Cause)
}

func (e *BootstrapError) Unwrap() error { return e.Cause }

// ChildError is raised by ChildProcess.Check when a monitored child exited
// abnormally (non-zero exit, killed, or core-dumped).
type ChildError struct {
	Pid      int
	ExitCode int
	Signal   string
	Dumped   bool
}

func (e *ChildError) Error() string {
	switch {
	case e.Signal != "":
		return fmt.Sprintf("child %d killed by signal %s", e.Pid, e.Signal)
	case e.Dumped:
		return fmt.Sprintf("child %d dumped core", e.Pid)
	default:
		return fmt.Sprintf("child %d exited with status %d", e.Pid, e.ExitCode)
	}
}
