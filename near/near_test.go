package near

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Test Address.Add and Address.String.
func TestAddressAdd(t *testing.T) {
	a := Address(0x1000)
	assert.Equal(t, Address(0x1010), a.Add(16))
	assert.Equal(t, "0x1000", a.String())
}

// Test MemoryMapping.End.
func TestMemoryMappingEnd(t *testing.T) {
	m := MemoryMapping{Addr: 0x2000, Length: 0x100, PageSize: 4096}
	assert.Equal(t, Address(0x2100), m.End())
}

// Test FileDescriptor.Int and String.
func TestFileDescriptor(t *testing.T) {
	fd := FileDescriptor(3)
	assert.Equal(t, 3, fd.Int())
	assert.Equal(t, "fd(3)", fd.String())
}

// Test Pid.Int.
func TestPidInt(t *testing.T) {
	assert.Equal(t, 1234, Pid(1234).Int())
}
