package agent

import (
	"context"
	"sort"
	"sync"
)

// Save status values reported by the game process.
const (
	SaveStatusStart    = "start"
	SaveStatusComplete = "complete"
	SaveStatusFailed   = "failed"
)

// saveSet tracks durable writes announced by local game processes so a
// draining agent never kills a process mid-save.
type saveSet struct {
	mu      sync.Mutex
	pending map[string]struct{}
	waiters []chan struct{}
}

func newSaveSet() *saveSet {
	return &saveSet{pending: make(map[string]struct{})}
}

// Track applies one save status report. "start" adds the id; "complete" and
// "failed" both clear it.
func (s *saveSet) Track(id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch status {
	case SaveStatusStart:
		s.pending[id] = struct{}{}
	case SaveStatusComplete, SaveStatusFailed:
		delete(s.pending, id)
		if len(s.pending) == 0 {
			for _, ch := range s.waiters {
				close(ch)
			}
			s.waiters = nil
		}
	}
}

func (s *saveSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *saveSet) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until no saves are pending or ctx expires. It reports whether
// the set drained.
func (s *saveSet) Wait(ctx context.Context) bool {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return true
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}
