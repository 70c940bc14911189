package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/rsyscall/rsyscall/handle"
	"github.com/rsyscall/rsyscall/rsyscallerr"
	"github.com/rsyscall/rsyscall/task"
)

// LookupExecutable searches paths (typically a remote $PATH split on ':')
// for an executable file named name, the way io.py's lookup_executable/which
// does: open(2) each candidate and take the first one that succeeds. It
// runs against an already-bootstrapped Task (it issues remote open(2) calls
// through t), so it cannot locate the agent binary itself before a Task
// exists — SSHSpawn always takes RemoteAgentPath as a fixed path instead.
// It is exported supplemental API for callers that already have a live
// Task and want to resolve some other remote executable by name, e.g.
// before a remote exec.
func LookupExecutable(ctx context.Context, t *task.Task, ram *handle.RAM, paths []string, name string) (string, error) {
	for _, dir := range paths {
		if dir == "" {
			continue
		}
		candidate := strings.TrimRight(dir, "/") + "/" + name
		fd, err := t.Open(ctx, ram, candidate, unix.O_RDONLY, 0)
		if err != nil {
			if errno, ok := err.(*rsyscallerr.Errno); ok &&
				(errno.Num == unix.ENOENT || errno.Num == unix.EACCES || errno.Num == unix.ENOTDIR) {
				continue
			}
			return "", err
		}
		_ = fd.Close(ctx)
		return candidate, nil
	}
	return "", fmt.Errorf("bootstrap: executable %q not found in any of %v", name, paths)
}
