package broadcast

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func Test_Add_AssignsMonotonicIDs(t *testing.T) {
	bus := NewBus(zap.NewNop())

	first := bus.Add("announcement", map[string]string{"text": "hello"})
	second := bus.Add("announcement", nil)

	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, int64(2), second.ID)
	assert.NotZero(t, first.Timestamp)
}

func Test_Ring_EvictsOldest(t *testing.T) {
	bus := NewBus(zap.NewNop())

	for i := 0; i < ringSize+10; i++ {
		bus.Add("announcement", map[string]string{"n": fmt.Sprint(i)})
	}

	all := bus.Since(0)
	require.Len(t, all, ringSize, "ring must retain exactly its capacity")
	assert.Equal(t, int64(11), all[0].ID, "oldest retained message should be the 11th")
	assert.Equal(t, int64(ringSize+10), all[len(all)-1].ID)
}

func Test_Since_Cursor(t *testing.T) {
	bus := NewBus(zap.NewNop())

	for i := 0; i < 5; i++ {
		bus.Add("announcement", nil)
	}

	assert.Len(t, bus.Since(3), 2, "cursor should exclude already-seen ids")
	assert.Empty(t, bus.Since(5))
	assert.Len(t, bus.Since(0), 5)
}

func Test_LatestID_TracksNewestMessage(t *testing.T) {
	bus := NewBus(zap.NewNop())

	assert.Zero(t, bus.LatestID())

	for i := 0; i < 3; i++ {
		bus.Add("announcement", nil)
	}
	assert.Equal(t, int64(3), bus.LatestID())
	assert.Empty(t, bus.Since(bus.LatestID()), "latest id must be a resumable cursor")
}

func Test_Subscribe_ReceivesPublished(t *testing.T) {
	bus := NewBus(zap.NewNop())

	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	sent := bus.Add("maintenance", map[string]string{"enabled": "true"})

	select {
	case got := <-ch:
		assert.Equal(t, sent.ID, got.ID)
		assert.Equal(t, "maintenance", got.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the message")
	}
}

func Test_SlowSubscriberIsUnsubscribed(t *testing.T) {
	bus := NewBus(zap.NewNop())

	slow := bus.Subscribe()
	fast := bus.Subscribe()
	defer bus.Unsubscribe(fast)

	// Never read from slow; overflow its mailbox.
	for i := 0; i < mailboxSize+1; i++ {
		bus.Add("announcement", nil)
	}

	assert.Equal(t, 1, bus.SubscriberCount(), "the slow mailbox should be dropped")

	// The channel is closed by the bus; draining it must terminate.
	count := 0
	for range slow {
		count++
	}
	assert.Equal(t, mailboxSize, count, "slow subscriber keeps what fit in its mailbox")
}

func Test_Unsubscribe_Idempotent(t *testing.T) {
	bus := NewBus(zap.NewNop())

	ch := bus.Subscribe()
	bus.Unsubscribe(ch)
	bus.Unsubscribe(ch)
	assert.Zero(t, bus.SubscriberCount())
}

type fakeShutdowner struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeShutdowner) ShutdownAll(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
}

func (f *fakeShutdowner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func Test_Maintenance_SetPublishesAndSchedules(t *testing.T) {
	bus := NewBus(zap.NewNop())
	shut := &fakeShutdowner{}
	m := NewMaintenance(bus, shut, zap.NewNop())
	defer m.Stop()

	m.Set(true)
	assert.True(t, m.Enabled())

	msgs := bus.Since(0)
	require.Len(t, msgs, 1)
	assert.Equal(t, "maintenance", msgs[0].Type)
	assert.Equal(t, "true", msgs[0].Properties["enabled"])

	// Setting the same state again is a no-op.
	m.Set(true)
	assert.Len(t, bus.Since(0), 1)
}

func Test_Maintenance_DisableCancelsShutdown(t *testing.T) {
	bus := NewBus(zap.NewNop())
	shut := &fakeShutdowner{}
	m := NewMaintenance(bus, shut, zap.NewNop())

	m.Set(true)
	m.Set(false)
	assert.False(t, m.Enabled())

	// Even if the timer had fired between Set calls, the flag guard must
	// prevent the shutdown.
	m.fire()
	assert.Zero(t, shut.count(), "cancelled maintenance must not shut hosts down")
}

func Test_Maintenance_FireRunsShutdowner(t *testing.T) {
	bus := NewBus(zap.NewNop())
	shut := &fakeShutdowner{}
	m := NewMaintenance(bus, shut, zap.NewNop())

	m.Set(true)
	m.fire()
	assert.Equal(t, 1, shut.count())
}
