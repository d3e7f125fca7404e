package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_PortAllocator_LowestFreeFirst(t *testing.T) {
	a := newPortAllocator(9000, 3)

	p, ok := a.acquire()
	require.True(t, ok)
	assert.Equal(t, 9000, p)

	p, ok = a.acquire()
	require.True(t, ok)
	assert.Equal(t, 9001, p)

	a.release(9000)
	p, ok = a.acquire()
	require.True(t, ok)
	assert.Equal(t, 9000, p)
}

func Test_PortAllocator_Exhaustion(t *testing.T) {
	a := newPortAllocator(9000, 2)

	_, ok := a.acquire()
	require.True(t, ok)
	_, ok = a.acquire()
	require.True(t, ok)

	_, ok = a.acquire()
	assert.False(t, ok)
}

func Test_PortAllocator_Reserve(t *testing.T) {
	a := newPortAllocator(9000, 4)

	assert.True(t, a.reserve(9002))
	assert.False(t, a.reserve(9002), "double reserve")
	assert.False(t, a.reserve(8999), "below range")
	assert.False(t, a.reserve(9004), "above range")

	// acquire skips the reserved port
	p, ok := a.acquire()
	require.True(t, ok)
	assert.Equal(t, 9000, p)
}

func Test_PortAllocator_ReleaseUnknownIsNoop(t *testing.T) {
	a := newPortAllocator(9000, 1)
	a.release(9005)

	p, ok := a.acquire()
	require.True(t, ok)
	assert.Equal(t, 9000, p)
}
