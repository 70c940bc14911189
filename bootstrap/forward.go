package bootstrap

import (
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// bridgeToFD pumps conn's bytes to/from a freshly created local socketpair
// and returns the end the caller keeps, so an SSH channel (which has no
// underlying fd epoll can watch) can still be driven by the fd-oriented
// syscall and memory transports. The other end is consumed by two copy
// goroutines for the lifetime of conn.
func bridgeToFD(conn net.Conn) (int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, fmt.Errorf("bootstrap: socketpair (ssh bridge): %w", err)
	}
	keep, pumped := fds[0], fds[1]

	pumpedFile, err := fdToConn(pumped)
	if err != nil {
		_ = unix.Close(keep)
		_ = unix.Close(pumped)
		return 0, err
	}

	// The syscall and memory transports assume O_NONBLOCK + EAGAIN on the
	// fd they're handed (transport.New's contract), the same as the clone
	// path's sfParent/mfParent.
	if err := unix.SetNonblock(keep, true); err != nil {
		pumpedFile.Close()
		_ = unix.Close(keep)
		return 0, fmt.Errorf("bootstrap: setnonblock (ssh bridge): %w", err)
	}

	go func() {
		_, _ = io.Copy(pumpedFile, conn)
		pumpedFile.Close()
		conn.Close()
	}()
	go func() {
		_, _ = io.Copy(conn, pumpedFile)
		pumpedFile.Close()
		conn.Close()
	}()

	return keep, nil
}

// fdToConn wraps the pumped end of the bridge socketpair as a *net.TCPConn-
// like net.Conn via os.NewFile/net.FileConn, which dup()s the descriptor
// internally; the original fd is closed once FileConn has its own copy.
func fdToConn(fd int) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), "rsyscall-ssh-bridge")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: FileConn: %w", err)
	}
	return conn, nil
}
