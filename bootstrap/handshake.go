package bootstrap

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// handshakeFrame is the fixed struct exchanged once over the newly connected
// syscall-frame socket right after spawn: the agent's own view of its pid
// (so the parent can cross-check it against what clone/exec reported) and
// the count of initial file descriptors it is about to receive via
// SCM_RIGHTS. The original's handshake additionally carries entry-point
// symbol addresses, which this port has no use for: CloneSpawn/SSHSpawn
// always exec the same agent binary and select behavior by argv (see
// cmd/rsyscall-agent), never by installing a function pointer on a raw
// stack.
type handshakeFrame struct {
	Pid       int32
	FDCount   int32
	EnvpCount int32
	// Port is the ephemeral TCP port the agent listens on for SSH-spawn's
	// two forwarded data connections (syscall frame, then memory
	// transport). Unused (zero) for clone-spawn, whose data fds are passed
	// directly via ExtraFiles instead.
	Port int32
}

const handshakeFrameSize = 16

func (h handshakeFrame) marshal() []byte {
	b := make([]byte, handshakeFrameSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.Pid))
	binary.LittleEndian.PutUint32(b[4:8], uint32(h.FDCount))
	binary.LittleEndian.PutUint32(b[8:12], uint32(h.EnvpCount))
	binary.LittleEndian.PutUint32(b[12:16], uint32(h.Port))
	return b
}

func unmarshalHandshake(b []byte) (handshakeFrame, error) {
	if len(b) < handshakeFrameSize {
		return handshakeFrame{}, fmt.Errorf("bootstrap: short handshake frame (%d bytes)", len(b))
	}
	return handshakeFrame{
		Pid:       int32(binary.LittleEndian.Uint32(b[0:4])),
		FDCount:   int32(binary.LittleEndian.Uint32(b[4:8])),
		EnvpCount: int32(binary.LittleEndian.Uint32(b[8:12])),
		Port:      int32(binary.LittleEndian.Uint32(b[12:16])),
	}, nil
}

// sendHandshake writes a handshakeFrame to fd (a blocking, connected Unix
// socket), retrying on EINTR like the agent's own writeAllFD in
// cmd/rsyscall-agent.
func sendHandshake(fd int, h handshakeFrame) error {
	b := h.marshal()
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("bootstrap: write handshake: %w", err)
		}
		b = b[n:]
	}
	return nil
}

func recvHandshake(fd int) (handshakeFrame, error) {
	b := make([]byte, handshakeFrameSize)
	off := 0
	for off < len(b) {
		n, err := unix.Read(fd, b[off:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return handshakeFrame{}, fmt.Errorf("bootstrap: read handshake: %w", err)
		}
		if n == 0 {
			return handshakeFrame{}, fmt.Errorf("bootstrap: handshake socket closed early")
		}
		off += n
	}
	return unmarshalHandshake(b)
}

// recvHandshakeFrom reads a handshakeFrame from any stream, for spawn modes
// (SSH) whose handshake channel isn't a raw socket fd.
func recvHandshakeFrom(r io.Reader) (handshakeFrame, error) {
	b := make([]byte, handshakeFrameSize)
	if _, err := io.ReadFull(r, b); err != nil {
		return handshakeFrame{}, fmt.Errorf("bootstrap: read handshake: %w", err)
	}
	return unmarshalHandshake(b)
}

// sendFDs passes fds to the peer on the other end of sockFD via SCM_RIGHTS,
// the wire mechanism for handing a spawned task its
// initial file descriptors.
func sendFDs(sockFD int, fds []int) error {
	rights := unix.UnixRights(fds...)
	return unix.Sendmsg(sockFD, []byte{0}, rights, nil, 0)
}

// recvFDs receives up to max file descriptors sent via sendFDs, installing
// none of them into any FDTable itself — the caller wraps each returned
// number with handle.MakeFDHandle once it knows which FDTable they landed
// in.
func recvFDs(sockFD int, max int) ([]int, error) {
	oobSize := unix.CmsgSpace(max * 4)
	buf := make([]byte, 1)
	oob := make([]byte, oobSize)
	_, oobn, _, _, err := unix.Recvmsg(sockFD, buf, oob, 0)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: recvmsg: %w", err)
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("bootstrap: parse control message: %w", err)
	}
	var fds []int
	for _, m := range msgs {
		parsed, err := unix.ParseUnixRights(&m)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: parse SCM_RIGHTS: %w", err)
		}
		fds = append(fds, parsed...)
	}
	return fds, nil
}
