package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsyscall/rsyscall/task"
)

// Test Event.Terminal for each CLD_* code.
func TestEventTerminal(t *testing.T) {
	assert.True(t, Event{Code: cldExited}.Terminal())
	assert.True(t, Event{Code: cldKilled}.Terminal())
	assert.True(t, Event{Code: cldDumped}.Terminal())
	assert.False(t, Event{Code: cldStopped}.Terminal())
	assert.False(t, Event{Code: cldContinued}.Terminal())
	assert.False(t, Event{Code: cldTrapped}.Terminal())
}

func newTestMonitor() *Monitor {
	return &Monitor{children: make(map[int]*ChildProcess)}
}

// Test that a tracked child receives events dispatch routes to its pid, and
// that Wait delivers them in order.
func TestTrackAndDispatch(t *testing.T) {
	m := newTestMonitor()
	c := m.Track(42)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.dispatch(ctx, siginfo(42, cldStopped, 19))
	m.dispatch(ctx, siginfo(42, cldExited, 0))

	ev, err := c.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(cldStopped), ev.Code)
	ev, err = c.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(cldExited), ev.Code)
}

// Test that Detach stops future delivery and closes the event channel, so a
// subsequent Wait reports the child as detached rather than blocking
// forever.
func TestDetachClosesChannel(t *testing.T) {
	m := newTestMonitor()
	c := m.Track(7)
	c.Detach()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.Wait(ctx)
	assert.Error(t, err)
}

// Test that dispatch for an untracked pid in non-reaper mode does not panic
// and simply drops the event.
func TestDispatchUntrackedPid(t *testing.T) {
	m := newTestMonitor()
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.dispatch(ctx, siginfo(999, cldExited, 0))
	})
}

// Test that a reaper-mode monitor handles a non-terminal orphan event
// (stopped/continued) without attempting to reap it, since reaping only
// applies to a dead child.
func TestDispatchReaperNonTerminalOrphan(t *testing.T) {
	m := &Monitor{isReaper: true, children: make(map[int]*ChildProcess)}
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.dispatch(ctx, siginfo(123, cldStopped, 0))
	})
}

func siginfo(pid, code, status int32) task.SiginfoResult {
	return task.SiginfoResult{Pid: pid, Code: code, Status: status}
}
