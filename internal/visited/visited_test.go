package visited

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVisitAndReset(t *testing.T) {
	s := New(64)

	assert.False(t, s.Visited(3))
	s.Visit(3)
	s.Visit(63)
	assert.True(t, s.Visited(3))
	assert.True(t, s.Visited(63))

	s.Reset()
	assert.False(t, s.Visited(3))
	assert.False(t, s.Visited(63))
}

func TestVisitGrowsBeyondInitialCapacity(t *testing.T) {
	s := New(8)
	s.Visit(100000)
	assert.True(t, s.Visited(100000))
	assert.False(t, s.Visited(99999))
}

func TestDoubleVisitRecordsOneDirtyEntry(t *testing.T) {
	s := New(8)
	s.Visit(5)
	s.Visit(5)
	assert.Len(t, s.dirty, 1)
}
