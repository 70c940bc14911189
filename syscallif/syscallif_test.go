package syscallif

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsyscall/rsyscall/near"
)

// fakePending is a trivial PendingResponse that always resolves to a fixed
// value, used to exercise the Interface contract without a real transport.
type fakePending struct {
	val int64
	err error
}

func (p *fakePending) Wait(ctx context.Context) (int64, error) { return p.val, p.err }

// fakeInterface is a minimal Interface implementation confirming the
// contract is satisfiable by something other than package transport.
type fakeInterface struct {
	closed bool
}

func (f *fakeInterface) Submit(ctx context.Context, nr near.SyscallNumber, a1, a2, a3, a4, a5, a6 int64) (PendingResponse, error) {
	return &fakePending{val: int64(nr) + a1}, nil
}

func (f *fakeInterface) Syscall(ctx context.Context, nr near.SyscallNumber, a1, a2, a3, a4, a5, a6 int64) (int64, error) {
	p, err := f.Submit(ctx, nr, a1, a2, a3, a4, a5, a6)
	if err != nil {
		return 0, err
	}
	return p.Wait(ctx)
}

func (f *fakeInterface) Close() error {
	f.closed = true
	return nil
}

func (f *fakeInterface) ActivityFD() (near.FileDescriptor, bool) { return 0, false }

var _ Interface = (*fakeInterface)(nil)

// Test that Submit/Wait and the Syscall convenience wrapper agree.
func TestFakeInterfaceRoundTrip(t *testing.T) {
	f := &fakeInterface{}
	ctx := context.Background()

	p, err := f.Submit(ctx, 42, 1, 0, 0, 0, 0, 0)
	require.NoError(t, err)
	val, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(43), val)

	val2, err := f.Syscall(ctx, 42, 1, 0, 0, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, val, val2)
}

// Test that ActivityFD reports absence cleanly for an interface with no
// side-channel wakeup source.
func TestFakeInterfaceNoActivityFD(t *testing.T) {
	f := &fakeInterface{}
	_, ok := f.ActivityFD()
	assert.False(t, ok)
}

// Test Close marks the fake closed; real implementations additionally fail
// pending/future calls with *rsyscallerr.TerminalError.
func TestFakeInterfaceClose(t *testing.T) {
	f := &fakeInterface{}
	require.NoError(t, f.Close())
	assert.True(t, f.closed)
}
