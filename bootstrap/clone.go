// Package bootstrap implements task spawn and bootstrap:
// clone-spawn and SSH-spawn of the statically linked agent, the handshake
// frame exchanged once on connect, and SCM_RIGHTS fd passing for a spawned
// task's initial file descriptors.
package bootstrap

import (
	"context"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/pkg/errors"

	"github.com/rsyscall/rsyscall/asyncfd"
	"github.com/rsyscall/rsyscall/far"
	"github.com/rsyscall/rsyscall/handle"
	"github.com/rsyscall/rsyscall/internal/logger"
	"github.com/rsyscall/rsyscall/memtransport"
	"github.com/rsyscall/rsyscall/near"
	"github.com/rsyscall/rsyscall/rsyscallerr"
	"github.com/rsyscall/rsyscall/task"
	"github.com/rsyscall/rsyscall/transport"
)

// CloneOptions configures a clone-spawn. Cloneflags is passed straight
// through to syscall.SysProcAttr.Cloneflags: set CLONE_NEWUSER/CLONE_NEWNS/
// CLONE_NEWPID/CLONE_NEWNET there to give the spawned agent its own
// namespaces. A Go process cannot usefully share CLONE_VM or CLONE_FILES
// with an exec'd child (execve always replaces the address space and the
// binary always starts with a fresh fd table aside from what ExtraFiles
// installs), so every clone-spawned Task gets fresh AddressSpace and
// FDTable identifiers; only the namespace identifiers vary with Cloneflags.
type CloneOptions struct {
	AgentPath  string
	Cloneflags uintptr
	Env        []string

	// DropCapabilities tells the agent to clear its effective/permitted/
	// inheritable/bounding capability sets before serving any syscall, the
	// way a CLONE_NEWUSER spawn (which otherwise grants a full capability
	// set inside the new user namespace) should be paired with a drop down
	// to whatever the real uid already allows.
	DropCapabilities bool

	// ShareMountNamespace/SharePidNamespace let a caller record that this
	// spawn intentionally did not pass CLONE_NEWNS/CLONE_NEWPID, so the new
	// Task's namespace identifiers should alias the parent's rather than
	// mint fresh ones.
	ShareMountNamespace far.MountNamespace
	SharePidNamespace   far.PidNamespace
}

// Spawned is the result of a successful spawn: the new Task plus the raw OS
// pid and the memory transport backing its RAM facade.
type Spawned struct {
	Task    *task.Task
	Mem     *memtransport.Transport
	OSPid   int
	process *os.Process
}

// Wait blocks until the spawned OS process itself exits (distinct from the
// remote Task's own exit(2), which only terminates the agent's main thread
// of syscall service; CloneSpawn's agent process and its Task are the same
// process, so in practice the two coincide, but Wait is provided for
// callers that want the os/exec-level exit status).
func (s *Spawned) Wait() (*os.ProcessState, error) {
	return s.process.Wait()
}

// CloneSpawn clone+execs the agent binary, connects its syscall-frame and
// memory-transport sockets, and completes the handshake.
func CloneSpawn(ctx context.Context, epoller *asyncfd.Epoller, opts CloneOptions) (*Spawned, error) {
	if opts.AgentPath == "" {
		return nil, errors.New("bootstrap: CloneOptions.AgentPath is required")
	}

	sfParent, sfChild, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errors.Wrap(err, "bootstrap: socketpair (syscall transport)")
	}
	mfParent, mfChild, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		_ = unix.Close(sfParent)
		_ = unix.Close(sfChild)
		return nil, errors.Wrap(err, "bootstrap: socketpair (memory transport)")
	}

	syscallFile := os.NewFile(uintptr(sfChild), "rsyscall-frame")
	memFile := os.NewFile(uintptr(mfChild), "rsyscall-mem")
	defer syscallFile.Close()
	defer memFile.Close()

	args := []string{}
	if opts.DropCapabilities {
		args = append(args, "--drop-caps")
	}
	args = append(args, agentEntryServer)
	cmd := exec.CommandContext(ctx, opts.AgentPath, args...)
	cmd.ExtraFiles = []*os.File{syscallFile, memFile}
	cmd.Env = opts.Env
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Cloneflags: opts.Cloneflags}

	if err := cmd.Start(); err != nil {
		_ = unix.Close(sfParent)
		_ = unix.Close(mfParent)
		return nil, &rsyscallerr.BootstrapError{Stage: "exec", Cause: err}
	}

	logger.Debugf("bootstrap: clone-spawned agent pid=%d", cmd.Process.Pid)

	// The handshake frame is exchanged while sfParent is still a blocking
	// fd, before it is handed to the syscall transport's nonblocking frame
	// loop.
	hs, err := recvHandshake(sfParent)
	if err != nil {
		_ = unix.Close(sfParent)
		_ = unix.Close(mfParent)
		return nil, &rsyscallerr.BootstrapError{Stage: "handshake", Cause: err}
	}
	if int(hs.Pid) != cmd.Process.Pid {
		logger.Warnf("bootstrap: agent-reported pid %d does not match exec'd pid %d", hs.Pid, cmd.Process.Pid)
	}

	if err := unix.SetNonblock(sfParent, true); err != nil {
		return nil, &rsyscallerr.BootstrapError{Stage: "setnonblock", Cause: err}
	}
	if err := unix.SetNonblock(mfParent, true); err != nil {
		return nil, &rsyscallerr.BootstrapError{Stage: "setnonblock", Cause: err}
	}

	iface := transport.New(epoller, near.FileDescriptor(sfParent), near.FileDescriptor(sfParent))

	t, err := newCloneTask(iface, opts, near.Pid(hs.Pid))
	if err != nil {
		_ = iface.Close()
		return nil, err
	}

	mem := memtransport.New(epoller, near.FileDescriptor(mfParent), iface, near.FileDescriptor(mfAgentFD))

	return &Spawned{Task: t, Mem: mem, OSPid: cmd.Process.Pid, process: cmd.Process}, nil
}

// agentEntryServer is the argv[1] cmd/rsyscall-agent dispatches on to run
// the per-connection request/response loop (rsyscall_server in the
// original).
const agentEntryServer = "rsyscall_server"

// mfAgentFD is the fd number the memory-transport socket lands on inside
// the agent process: ExtraFiles installs fds in order starting at 3, and
// the syscall-frame socket is always first.
const mfAgentFD = 4

func newCloneTask(iface *transport.Transport, opts CloneOptions, pid near.Pid) (*task.Task, error) {
	fdTable := far.NewFDTable()
	addrSpace := far.NewAddressSpace()

	mountNS := opts.ShareMountNamespace
	if mountNS == (far.MountNamespace{}) {
		mountNS = far.NewMountNamespace()
	}
	pidNS := opts.SharePidNamespace
	if pidNS == (far.PidNamespace{}) {
		pidNS = far.NewPidNamespace()
	}

	// The agent's own syscall-frame and memory-transport fds occupy 3 and 4
	// in its fresh fd table; callers should avoid closing those numbers
	// directly (only the reserved transports own them).
	fdTableState := handle.NewFDTableState(fdTable)

	return task.New(iface, fdTable, fdTableState, addrSpace, mountNS, pidNS, far.ProcessID{Namespace: pidNS, Pid: pid}), nil
}
