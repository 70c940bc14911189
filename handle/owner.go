// Package handle implements the owning resource-handle layer: FDHandle, the
// MemoryMapping handle, Allocation, Pointer[T]/WrittenPointer[T], and the RAM
// facade. Every handle is bound to the identifier of the table or address
// space it was created against, and every operation on it is checked against
// that binding.
package handle

import (
	"context"

	"github.com/rsyscall/rsyscall/far"
	"github.com/rsyscall/rsyscall/near"
)

// Owner is the minimal view of a Task that the handle layer needs: its
// identifiers, and the ability to run a syscall on its behalf. Defined here
// (rather than imported from package task) so that package task can depend
// on package handle without a cycle; task.Task implements this interface.
type Owner interface {
	FDTableID() far.FDTable
	AddressSpaceID() far.AddressSpace
	Syscall(ctx context.Context, nr near.SyscallNumber, a1, a2, a3, a4, a5, a6 int64) (int64, error)
}
