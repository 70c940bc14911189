package memtransport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsyscall/rsyscall/near"
)

// Test that adjacent write spans merge into a single group, while a gap
// starts a new one.
func TestGroupAdjacentWrites(t *testing.T) {
	ops := []WriteOp{
		{Dest: Span{Addr: 0x1000, Len: 16}, Data: make([]byte, 16)},
		{Dest: Span{Addr: 0x1010, Len: 16}, Data: make([]byte, 16)},
		{Dest: Span{Addr: 0x2000, Len: 8}, Data: make([]byte, 8)},
	}
	groups := groupAdjacent(ops)
	require.Len(t, groups, 2)
	assert.Equal(t, near.Address(0x1000), groups[0].addr)
	assert.Equal(t, 32, groups[0].totalLen)
	assert.Equal(t, near.Address(0x2000), groups[1].addr)
	assert.Equal(t, 8, groups[1].totalLen)
}

// Test the same merging for reads.
func TestGroupAdjacentReads(t *testing.T) {
	ops := []ReadOp{
		{Src: Span{Addr: 0x3000, Len: 4}},
		{Src: Span{Addr: 0x3004, Len: 4}},
	}
	groups := groupAdjacentReads(ops)
	require.Len(t, groups, 1)
	assert.Equal(t, 8, groups[0].totalLen)
}

// Test that overlapping spans are rejected, and that non-overlapping spans
// are accepted even when given out of address order.
func TestCheckNoOverlap(t *testing.T) {
	err := checkNoOverlap([]Span{{Addr: 0x1000, Len: 16}, {Addr: 0x1008, Len: 16}})
	assert.Error(t, err)

	err = checkNoOverlap([]Span{{Addr: 0x2000, Len: 16}, {Addr: 0x1000, Len: 16}})
	assert.NoError(t, err)
}

// Test Span.End.
func TestSpanEnd(t *testing.T) {
	s := Span{Addr: 0x1000, Len: 32}
	assert.Equal(t, near.Address(0x1020), s.End())
}
