package bootstrap

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

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

// SSHOptions configures an SSH-spawn: otherwise identical to clone-spawn,
// but the agent runs on a remote host reached over an SSH session instead
// of as a local child process. An SSH exec session gives the
// caller only stdin/stdout/stderr, not arbitrary extra fds, so the agent
// instead listens on one ephemeral loopback TCP port on the remote host and
// reports it over its stdout as part of the handshake; the local side
// forwards two connections to that port through the SSH client itself (the
// same "direct-tcpip" mechanism `ssh -L` uses) — the first becomes the
// syscall-frame channel, the second the memory transport.
type SSHOptions struct {
	Addr            string // host:port for the SSH server
	ClientConfig    *ssh.ClientConfig
	LocalAgentPath  string // pushed via sftp when set
	RemoteAgentPath string // install/lookup destination on the remote host
	Env             map[string]string
}

// SSHSpawn dials opts.Addr and spawns the agent over the resulting SSH
// connection.
func SSHSpawn(ctx context.Context, epoller *asyncfd.Epoller, opts SSHOptions) (*Spawned, error) {
	client, err := ssh.Dial("tcp", opts.Addr, opts.ClientConfig)
	if err != nil {
		return nil, &rsyscallerr.BootstrapError{Stage: "dial", Cause: err}
	}

	remotePath := opts.RemoteAgentPath
	if opts.LocalAgentPath != "" {
		if err := pushAgentBinary(client, opts.LocalAgentPath, remotePath); err != nil {
			_ = client.Close()
			return nil, &rsyscallerr.BootstrapError{Stage: "sftp-push", Cause: err}
		}
	}

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, &rsyscallerr.BootstrapError{Stage: "session", Cause: err}
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, &rsyscallerr.BootstrapError{Stage: "stdout", Cause: err}
	}

	cmdLine := fmt.Sprintf("%s --listen=127.0.0.1:0 %s", shellQuote(remotePath), agentEntryServer)
	if err := session.Start(cmdLine); err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, &rsyscallerr.BootstrapError{Stage: "start", Cause: err}
	}

	hs, err := recvHandshakeFrom(stdout)
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, &rsyscallerr.BootstrapError{Stage: "handshake", Cause: err}
	}
	logger.Debugf("bootstrap: ssh-spawned agent pid=%d listening on remote port %d", hs.Pid, hs.Port)

	remoteAddr := fmt.Sprintf("127.0.0.1:%d", hs.Port)
	sfConn, err := client.Dial("tcp", remoteAddr)
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, &rsyscallerr.BootstrapError{Stage: "forward-syscall", Cause: err}
	}
	mfConn, err := client.Dial("tcp", remoteAddr)
	if err != nil {
		_ = sfConn.Close()
		_ = session.Close()
		_ = client.Close()
		return nil, &rsyscallerr.BootstrapError{Stage: "forward-mem", Cause: err}
	}

	sfFD, err := bridgeToFD(sfConn)
	if err != nil {
		return nil, &rsyscallerr.BootstrapError{Stage: "bridge-syscall", Cause: err}
	}
	mfFD, err := bridgeToFD(mfConn)
	if err != nil {
		return nil, &rsyscallerr.BootstrapError{Stage: "bridge-mem", Cause: err}
	}

	iface := transport.New(epoller, near.FileDescriptor(sfFD), near.FileDescriptor(sfFD))

	fdTable := far.NewFDTable()
	addrSpace := far.NewAddressSpace()
	mountNS := far.NewMountNamespace()
	pidNS := far.NewPidNamespace()
	fdTableState := handle.NewFDTableState(fdTable)
	t := task.New(iface, fdTable, fdTableState, addrSpace, mountNS, pidNS,
		far.ProcessID{Namespace: pidNS, Pid: near.Pid(hs.Pid)})

	// The agent accepts connections in order on its listening socket: the
	// first becomes its own syscall-frame fd (matching the ExtraFiles fd 3
	// slot in clone-spawn), the second its memory-transport fd (fd 4).
	mem := memtransport.New(epoller, near.FileDescriptor(mfFD), iface, near.FileDescriptor(mfAgentFD))

	return &Spawned{Task: t, Mem: mem, OSPid: int(hs.Pid)}, nil
}

func pushAgentBinary(client *ssh.Client, local, remote string) error {
	sc, err := sftp.NewClient(client)
	if err != nil {
		return errors.Wrap(err, "sftp client")
	}
	defer sc.Close()

	dst, err := sc.Create(remote)
	if err != nil {
		return errors.Wrapf(err, "create %q", remote)
	}
	defer dst.Close()

	if err := copyLocalFileInto(dst, local); err != nil {
		return err
	}
	return sc.Chmod(remote, 0o755)
}

func copyLocalFileInto(dst io.Writer, local string) error {
	src, err := os.Open(local)
	if err != nil {
		return errors.Wrapf(err, "open %q", local)
	}
	defer src.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return errors.Wrapf(err, "copy %q", local)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + s + "'"
}
