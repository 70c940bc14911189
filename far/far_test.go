package far

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Test that minted identifiers are unique and compare equal only to
// themselves.
func TestAddressSpaceEqual(t *testing.T) {
	a := NewAddressSpace()
	b := NewAddressSpace()
	assert.True(t, a.Equal(a))
	assert.False(t, a.Equal(b))
}

// Test that the zero value is distinguishable from any minted identifier,
// the way bootstrap.newCloneTask's ShareMountNamespace/SharePidNamespace
// "unset" check relies on.
func TestMountNamespaceZeroValue(t *testing.T) {
	var zero MountNamespace
	minted := NewMountNamespace()
	assert.NotEqual(t, zero, minted)
	assert.Equal(t, zero, MountNamespace{})
}

// Test FDAtTable String formatting.
func TestFDAtTableString(t *testing.T) {
	table := NewFDTable()
	f := FDAtTable{Table: table, FD: 5}
	assert.Contains(t, f.String(), "fd(5)")
}

// Test ProcessID.String.
func TestProcessIDString(t *testing.T) {
	ns := NewPidNamespace()
	p := ProcessID{Namespace: ns, Pid: 42}
	assert.Contains(t, p.String(), "pid(42)")
}
