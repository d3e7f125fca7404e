package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_SaveSet_TrackAndClear(t *testing.T) {
	s := newSaveSet()

	s.Track("a", SaveStatusStart)
	s.Track("b", SaveStatusStart)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []string{"a", "b"}, s.Pending())

	s.Track("a", SaveStatusComplete)
	s.Track("b", SaveStatusFailed)
	assert.Equal(t, 0, s.Len())
}

func Test_SaveSet_WaitImmediateWhenEmpty(t *testing.T) {
	s := newSaveSet()
	assert.True(t, s.Wait(context.Background()))
}

func Test_SaveSet_WaitBlocksUntilDrained(t *testing.T) {
	s := newSaveSet()
	s.Track("a", SaveStatusStart)

	done := make(chan bool, 1)
	go func() { done <- s.Wait(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("wait returned with a pending save")
	default:
	}

	s.Track("a", SaveStatusComplete)

	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("wait did not return")
	}
}

func Test_SaveSet_WaitTimesOut(t *testing.T) {
	s := newSaveSet()
	s.Track("stuck", SaveStatusStart)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, s.Wait(ctx))
	assert.Equal(t, 1, s.Len())
}

func Test_SaveSet_UnknownStatusIgnored(t *testing.T) {
	s := newSaveSet()
	s.Track("a", "resumed")
	assert.Equal(t, 0, s.Len())
}
