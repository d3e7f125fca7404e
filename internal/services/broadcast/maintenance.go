package broadcast

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// shutdownDelay is the grace window between the maintenance announcement and
// the forced global shutdown, giving players time to see the message and
// servers time to save.
const shutdownDelay = 30 * time.Second

// Shutdowner gracefully stops every master server and every non-master host.
// The lifecycle monitor provides the implementation; the bus only schedules.
type Shutdowner interface {
	ShutdownAll(ctx context.Context)
}

// Maintenance owns the maintenance-mode flag. Entering maintenance publishes
// the announcement and schedules the delayed global shutdown; leaving it
// cancels a shutdown that has not fired yet.
type Maintenance struct {
	logger     *zap.Logger
	bus        *Bus
	shutdowner Shutdowner

	mu      sync.Mutex
	enabled bool
	timer   *time.Timer
}

func NewMaintenance(bus *Bus, shutdowner Shutdowner, logger *zap.Logger) *Maintenance {
	return &Maintenance{
		logger:     logger,
		bus:        bus,
		shutdowner: shutdowner,
	}
}

func (m *Maintenance) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// Set flips maintenance mode. Idempotent: setting the current state again
// does nothing.
func (m *Maintenance) Set(enabled bool) {
	m.mu.Lock()
	if m.enabled == enabled {
		m.mu.Unlock()
		return
	}
	m.enabled = enabled

	if enabled {
		m.timer = time.AfterFunc(shutdownDelay, m.fire)
	} else if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	if enabled {
		m.logger.Warn("maintenance mode enabled, global shutdown scheduled",
			zap.Duration("delay", shutdownDelay))
		m.bus.Add("maintenance", map[string]string{"enabled": "true"})
	} else {
		m.logger.Info("maintenance mode disabled")
		m.bus.Add("maintenance", map[string]string{"enabled": "false"})
	}
}

func (m *Maintenance) fire() {
	m.mu.Lock()
	stillEnabled := m.enabled
	m.timer = nil
	m.mu.Unlock()

	if !stillEnabled {
		return
	}

	m.logger.Warn("maintenance shutdown firing")
	m.shutdowner.ShutdownAll(context.Background())
}

// Stop cancels a scheduled shutdown without touching the flag. Used on
// process exit so the timer goroutine does not outlive its collaborators.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
