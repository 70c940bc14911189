package task

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/rsyscall/rsyscall/handle"
	"github.com/rsyscall/rsyscall/near"
	"github.com/rsyscall/rsyscall/rsyscallerr"
)

// RemotePath is a filesystem path known to exist in a Task's mount
// namespace. It carries no ownership; it is just a validated string.
type RemotePath string

// MkdtempRemote creates a new, uniquely named directory under prefix
// (typically "/tmp"), the way io.py's StandardTask.mkdtemp does, retrying
// with a fresh random suffix on EEXIST.
func (t *Task) MkdtempRemote(ctx context.Context, ram *handle.RAM, prefix string) (RemotePath, error) {
	for attempt := 0; attempt < 16; attempt++ {
		suffix, err := randomHex(6)
		if err != nil {
			return "", err
		}
		candidate := fmt.Sprintf("%s/rsyscall-%s", prefix, suffix)

		pathPtr, err := writeCString(ctx, ram, candidate)
		if err != nil {
			return "", err
		}
		mkdirErr := pathPtr.Borrow(ctx, func(addr near.Address) error {
			ret, err := t.Syscall(ctx, unix.SYS_MKDIR, int64(addr), 0o700, 0, 0, 0, 0)
			if err != nil {
				return err
			}
			return rsyscallerr.FromReturnPath(ret, "mkdir", candidate)
		})
		if mkdirErr == nil {
			return RemotePath(candidate), nil
		}
		if errno, ok := mkdirErr.(*rsyscallerr.Errno); ok && errno.Num == unix.EEXIST {
			continue
		}
		return "", mkdirErr
	}
	return "", fmt.Errorf("mkdtemp: exhausted retries under %q", prefix)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("mkdtemp: rand: %w", err)
	}
	return hex.EncodeToString(b), nil
}
