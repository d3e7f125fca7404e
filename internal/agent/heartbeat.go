package agent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pixelfort/vmhub/internal/models"
)

// Reporter delivers one heartbeat. Workers post it over HTTP through Client;
// the control plane applies the master host's beats to its registry
// in-process.
type Reporter interface {
	Report(ctx context.Context, hb *models.HeartbeatRequest) (*models.HeartbeatResponse, error)
}

// Heartbeats reports the manager's server set every interval, honors the
// shutdown command and self-terminates after too many consecutive failures.
type Heartbeats struct {
	manager  *Manager
	reporter Reporter
	logger   *zap.Logger

	interval  time.Duration
	maxMisses int

	shutdownOnce sync.Once
	shutdown     func()
}

// NewHeartbeats wires the report loop. shutdown is invoked at most once,
// either for a control-plane shutdown command or after maxMisses consecutive
// failures.
func NewHeartbeats(manager *Manager, reporter Reporter, shutdown func(), logger *zap.Logger) *Heartbeats {
	return &Heartbeats{
		manager:   manager,
		reporter:  reporter,
		logger:    logger,
		interval:  heartbeatInterval,
		maxMisses: maxHeartbeatMisses,
		shutdown:  shutdown,
	}
}

// Run blocks until ctx is cancelled or the manager starts draining. The
// first beat goes out immediately so the host registers without delay.
func (h *Heartbeats) Run(ctx context.Context) {
	failures := 0
	if !h.beat(ctx, &failures) {
		return
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !h.beat(ctx, &failures) {
				return
			}
		}
	}
}

// beat sends one heartbeat; false stops the loop.
func (h *Heartbeats) beat(ctx context.Context, failures *int) bool {
	if h.manager.Draining() {
		return false
	}

	servers, total := h.manager.Report()
	hb := &models.HeartbeatRequest{
		HostID:       h.manager.HostID(),
		Servers:      servers,
		Timestamp:    time.Now().Unix(),
		TotalPlayers: total,
	}

	resp, err := h.reporter.Report(ctx, hb)
	if err != nil {
		*failures++
		h.logger.Warn("heartbeat failed",
			zap.Int("consecutive_failures", *failures),
			zap.Error(err))
		if *failures > h.maxMisses {
			h.logger.Error("too many heartbeat failures, shutting down")
			h.triggerShutdown()
			return false
		}
		return true
	}

	*failures = 0
	if resp.Command == models.CommandShutdown {
		h.logger.Info("control plane requested shutdown")
		h.triggerShutdown()
		return false
	}
	return true
}

func (h *Heartbeats) triggerShutdown() {
	h.shutdownOnce.Do(h.shutdown)
}
