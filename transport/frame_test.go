package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test that a request frame round-trips through encode/decode.
func TestRequestFrameRoundTrip(t *testing.T) {
	var buf [requestFrameSize]byte
	encodeRequest(buf[:], 257, 1, 2, 3, 4, 5, 6)

	nr, a1, a2, a3, a4, a5, a6 := decodeRequest(buf[:])
	assert.Equal(t, int64(257), nr)
	assert.Equal(t, int64(1), a1)
	assert.Equal(t, int64(2), a2)
	assert.Equal(t, int64(3), a3)
	assert.Equal(t, int64(4), a4)
	assert.Equal(t, int64(5), a5)
	assert.Equal(t, int64(6), a6)
}

// Test that a negative argument (a raw address cast from uintptr, or a
// negative errno bounced back in a result field) survives the round trip,
// since encode/decode treat the wire as raw little-endian bits, not a
// signed/unsigned-aware format.
func TestRequestFrameNegativeArg(t *testing.T) {
	var buf [requestFrameSize]byte
	encodeRequest(buf[:], int64(unixSyscallMmap), -1, 0, 0, 0, 0, 0)
	_, a1, _, _, _, _, _ := decodeRequest(buf[:])
	assert.Equal(t, int64(-1), a1)
}

// Test response frame round trip, including a negative (errno) result.
func TestResponseFrameRoundTrip(t *testing.T) {
	var buf [responseFrameSize]byte
	encodeResponse(buf[:], -2)
	assert.Equal(t, int64(-2), decodeResponse(buf[:]))

	encodeResponse(buf[:], 4096)
	assert.Equal(t, int64(4096), decodeResponse(buf[:]))
}

// Test the frame sizes themselves match the fixed wire contract
// cmd/rsyscall-agent also depends on.
func TestFrameSizes(t *testing.T) {
	require.Equal(t, 56, requestFrameSize)
	require.Equal(t, 8, responseFrameSize)
}

const unixSyscallMmap = 9
