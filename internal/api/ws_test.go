package api

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelfort/vmhub/internal/models"
)

func dialMessages(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws/messages"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	// The mailbox is registered during the upgrade handler; wait for it so a
	// message added right after the dial cannot slip past the subscription.
	require.Eventually(t, func() bool {
		return f.bus.SubscriberCount() == 1
	}, time.Second, 10*time.Millisecond)

	return conn
}

func Test_MessagesStream_DeliversBroadcast(t *testing.T) {
	f := newFixture(t)
	conn := dialMessages(t, f)

	sent := f.bus.Add("announcement", map[string]string{"text": "double xp weekend"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got models.Message
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, "announcement", got.Type)
	assert.Equal(t, "double xp weekend", got.Properties["text"])
}

func Test_MessagesStream_DeliversInOrder(t *testing.T) {
	f := newFixture(t)
	conn := dialMessages(t, f)

	f.bus.Add("weather", map[string]string{"name": "storm"})
	f.bus.Add("weather", map[string]string{"name": "fog"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var first, second models.Message
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "storm", first.Properties["name"])
	assert.Equal(t, "fog", second.Properties["name"])
	assert.Less(t, first.ID, second.ID)
}

func Test_MessagesStream_EndsWhenBusCloses(t *testing.T) {
	f := newFixture(t)
	conn := dialMessages(t, f)

	f.bus.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "stream must end once the bus closes")
}

func Test_MessagesStream_UnsubscribesOnDisconnect(t *testing.T) {
	f := newFixture(t)
	conn := dialMessages(t, f)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return f.bus.SubscriberCount() == 0
	}, time.Second, 10*time.Millisecond, "dropped connections must release their mailbox")
}
