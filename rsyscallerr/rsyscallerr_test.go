package rsyscallerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// Test that a non-negative return value is never an error.
func TestFromReturnSuccess(t *testing.T) {
	err := FromReturn(0, "read")
	assert.NoError(t, err)
	err = FromReturn(128, "read")
	assert.NoError(t, err)
}

// Test that a negative return value in the errno range decodes to an Errno
// that errors.Is/errors.As can match against unix.Errno.
func TestFromReturnErrno(t *testing.T) {
	err := FromReturn(-int64(unix.ENOENT), "open")
	require.Error(t, err)

	var errno *Errno
	require.True(t, errors.As(err, &errno))
	assert.Equal(t, unix.ENOENT, errno.Num)
	assert.True(t, errors.Is(err, unix.ENOENT))
}

// Test that a return value outside the reserved errno range is reported as
// a plain error rather than misread as some other errno.
func TestFromReturnOutOfRange(t *testing.T) {
	err := FromReturn(-5000, "mystery")
	require.Error(t, err)
	var errno *Errno
	assert.False(t, errors.As(err, &errno))
}

// Test that FromReturnPath/FromReturnFD attach their extra context to the
// error message.
func TestFromReturnPathAndFD(t *testing.T) {
	err := FromReturnPath(-int64(unix.ENOENT), "open", "/tmp/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/tmp/missing")

	err = FromReturnFD(-int64(unix.EBADF), "close", 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fd=7")
}

// Test TerminalError unwrapping.
func TestTerminalErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &TerminalError{Cause: cause}
	assert.ErrorIs(t, err, cause)
}

// Test ChildError's three distinct messages.
func TestChildErrorMessages(t *testing.T) {
	assert.Contains(t, (&ChildError{Pid: 1, ExitCode: 2}).Error(), "exited with status 2")
	assert.Contains(t, (&ChildError{Pid: 1, Signal: "SIGKILL"}).Error(), "killed by signal SIGKILL")
	assert.Contains(t, (&ChildError{Pid: 1, Dumped: true}).Error(), "dumped core")
}
