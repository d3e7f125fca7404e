package broadcast

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pixelfort/vmhub/internal/models"
)

const (
	// ringSize is how many messages the bus retains for the pull API.
	ringSize = 100

	// mailboxSize bounds each subscriber's queue. A subscriber that cannot
	// keep up loses its subscription rather than stalling the publisher.
	mailboxSize = 32
)

// Bus is the global message fanout: an ordered ring of the most recent
// messages plus one bounded mailbox per streaming subscriber. Message ids
// increase monotonically for the process lifetime, so clients can page the
// ring with a cursor.
type Bus struct {
	logger *zap.Logger

	mu          sync.Mutex
	nextID      int64
	ring        []models.Message
	subscribers map[chan models.Message]struct{}
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger:      logger,
		nextID:      1,
		subscribers: make(map[chan models.Message]struct{}),
	}
}

// Add appends a message, evicting the oldest entry once the ring is full,
// and best-effort delivers it to every mailbox. Full mailboxes are
// unsubscribed: their reader is too slow to be worth blocking anyone for.
func (b *Bus) Add(msgType string, properties map[string]string) models.Message {
	b.mu.Lock()

	msg := models.Message{
		ID:         b.nextID,
		Type:       msgType,
		Properties: properties,
		Timestamp:  time.Now().Unix(),
	}
	b.nextID++

	b.ring = append(b.ring, msg)
	if len(b.ring) > ringSize {
		b.ring = b.ring[len(b.ring)-ringSize:]
	}

	var dropped []chan models.Message
	for ch := range b.subscribers {
		select {
		case ch <- msg:
		default:
			dropped = append(dropped, ch)
		}
	}
	for _, ch := range dropped {
		delete(b.subscribers, ch)
		close(ch)
	}
	remaining := len(b.subscribers)
	b.mu.Unlock()

	if len(dropped) > 0 {
		b.logger.Warn("unsubscribed slow broadcast subscribers",
			zap.Int("dropped", len(dropped)),
			zap.Int("remaining", remaining))
	}

	b.logger.Debug("broadcast message added",
		zap.Int64("id", msg.ID),
		zap.String("type", msgType))

	return msg
}

// LatestID is the id of the newest message ever added, 0 before the first
// Add. Pull clients resume from it even when Since returned nothing.
func (b *Bus) LatestID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextID - 1
}

// Since returns every retained message with id greater than cursor.
func (b *Bus) Since(cursor int64) []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []models.Message
	for _, msg := range b.ring {
		if msg.ID > cursor {
			out = append(out, msg)
		}
	}
	return out
}

// Subscribe registers a new mailbox. The caller owns the read side and must
// call Unsubscribe when done; the bus closes the channel on unsubscribe.
func (b *Bus) Subscribe() chan models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan models.Message, mailboxSize)
	b.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a mailbox. Safe to call for already-dropped channels.
func (b *Bus) Unsubscribe(ch chan models.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// SubscriberCount returns the number of live mailboxes.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close unsubscribes everyone, ending any streaming connections.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subscribers {
		delete(b.subscribers, ch)
		close(ch)
	}
}
