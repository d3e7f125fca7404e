package saves

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// staleAfter is how long a save may stay in flight before the janitor
	// force-removes it. A write that takes longer than this has either
	// failed without reporting or will land after shutdown anyway.
	staleAfter = 30 * time.Second

	janitorInterval = 30 * time.Second
)

// Save is one in-flight player-data write.
type Save struct {
	ID        string
	UserID    int64
	Operation string
	StartedAt time.Time
}

// Tracker is the save barrier: a counted set of in-flight player-data writes
// that gates shutdown. Every durable player-data write is wrapped in
// Start/Complete; shutdown paths call WaitAll before terminating.
type Tracker struct {
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]Save
	waiters []chan struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		logger:  logger,
		pending: make(map[string]Save),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start registers a new in-flight save and returns its id.
func (t *Tracker) Start(userID int64, operation string) string {
	saveID := fmt.Sprintf("%d_%s_%s", userID, operation, uuid.NewString()[:8])

	t.mu.Lock()
	t.pending[saveID] = Save{
		ID:        saveID,
		UserID:    userID,
		Operation: operation,
		StartedAt: time.Now(),
	}
	t.mu.Unlock()

	return saveID
}

// Complete removes a save from the pending set. Unknown ids are tolerated:
// the janitor may already have dropped a stale entry.
func (t *Tracker) Complete(saveID string, success bool) {
	t.mu.Lock()
	save, ok := t.pending[saveID]
	if ok {
		delete(t.pending, saveID)
	}
	empty := len(t.pending) == 0
	var waiters []chan struct{}
	if empty {
		waiters = t.waiters
		t.waiters = nil
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Warn("completed unknown save", zap.String("save_id", saveID))
		return
	}
	if !success {
		t.logger.Warn("save failed",
			zap.String("save_id", saveID),
			zap.Int64("user_id", save.UserID),
			zap.String("operation", save.Operation))
	}

	for _, ch := range waiters {
		close(ch)
	}
}

// Pending returns a copy of the in-flight set.
func (t *Tracker) Pending() []Save {
	t.mu.Lock()
	defer t.mu.Unlock()

	saves := make([]Save, 0, len(t.pending))
	for _, s := range t.pending {
		saves = append(saves, s)
	}
	return saves
}

func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// WaitAll blocks until the pending set drains or ctx expires. Returns true
// when the set is empty.
func (t *Tracker) WaitAll(ctx context.Context) bool {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return true
	}
	ch := make(chan struct{})
	t.waiters = append(t.waiters, ch)
	t.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-ctx.Done():
		t.logger.Warn("save barrier wait timed out",
			zap.Int("still_pending", t.PendingCount()))
		return false
	}
}

// Start launches the janitor loop.
func (t *Tracker) StartJanitor() {
	go func() {
		defer close(t.doneCh)
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				t.dropStale()
			case <-t.stopCh:
				return
			}
		}
	}()
}

func (t *Tracker) Stop() {
	close(t.stopCh)
	<-t.doneCh
}

func (t *Tracker) dropStale() {
	cutoff := time.Now().Add(-staleAfter)

	t.mu.Lock()
	var dropped []Save
	for id, save := range t.pending {
		if save.StartedAt.Before(cutoff) {
			dropped = append(dropped, save)
			delete(t.pending, id)
		}
	}
	var waiters []chan struct{}
	if len(dropped) > 0 && len(t.pending) == 0 {
		waiters = t.waiters
		t.waiters = nil
	}
	t.mu.Unlock()

	for _, save := range dropped {
		t.logger.Warn("dropped stale save",
			zap.String("save_id", save.ID),
			zap.Int64("user_id", save.UserID),
			zap.String("operation", save.Operation),
			zap.Duration("age", time.Since(save.StartedAt)))
	}
	for _, ch := range waiters {
		close(ch)
	}
}
