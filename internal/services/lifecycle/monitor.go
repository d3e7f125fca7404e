package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pixelfort/vmhub/internal/models"
	"github.com/pixelfort/vmhub/internal/services/registry"
)

const (
	monitorInterval = 30 * time.Second

	// Host thresholds, measured from the last heartbeat: past inactive the
	// matchmaker stops using the host, past stale the machine is presumed
	// dead and reclaimed outright.
	inactiveThreshold = 120 * time.Second
	staleThreshold    = 180 * time.Second

	// serverStale removes a master server entry whose agent rows stopped
	// refreshing.
	serverStale = 120 * time.Second

	// drainWait is the pause between a graceful agent shutdown and the
	// machine delete, long enough for the agent's save barrier.
	drainWait = 30 * time.Second
)

// AgentClient drives remote worker agents during host reclamation.
type AgentClient interface {
	Shutdown(ctx context.Context, addr string, graceful bool) error
}

// LocalAgent stops game-server processes on the master host in-process.
type LocalAgent interface {
	StopServer(uid string, graceful bool) error
}

// HostDeleter destroys the cloud machine behind a host.
type HostDeleter interface {
	DeleteHost(ctx context.Context, resourceID int64) error
}

// BindingStore clears player bindings for reaped server uids.
type BindingStore interface {
	ClearServerBindings(ctx context.Context, serverUIDs []string) (int64, error)
}

type Config struct {
	MasterHostID      string
	HostIdleTimeout   time.Duration
	ServerIdleTimeout time.Duration
}

// Monitor runs the two reaping loops: quiet or empty hosts are reclaimed,
// idle master servers are stopped. It also provides the fleet-wide drain the
// maintenance controller schedules.
type Monitor struct {
	cfg      Config
	registry *registry.Registry
	agents   AgentClient
	local    LocalAgent
	cloud    HostDeleter
	bindings BindingStore
	logger   *zap.Logger

	interval time.Duration
	drain    time.Duration
	now      func() time.Time
	ticker   *time.Ticker
	done     chan struct{}
}

func NewMonitor(cfg Config, reg *registry.Registry, agents AgentClient, local LocalAgent, cloud HostDeleter, bindings BindingStore, logger *zap.Logger) *Monitor {
	if cfg.HostIdleTimeout <= 0 {
		cfg.HostIdleTimeout = 15 * time.Second
	}
	if cfg.ServerIdleTimeout <= 0 {
		cfg.ServerIdleTimeout = 15 * time.Second
	}
	return &Monitor{
		cfg:      cfg,
		registry: reg,
		agents:   agents,
		local:    local,
		cloud:    cloud,
		bindings: bindings,
		logger:   logger,
		interval: monitorInterval,
		drain:    drainWait,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start begins both monitor loops.
func (m *Monitor) Start(ctx context.Context) {
	m.ticker = time.NewTicker(m.interval)
	go m.loop(ctx)
	m.logger.Info("lifecycle monitor started",
		zap.Duration("interval", m.interval),
		zap.Duration("host_idle", m.cfg.HostIdleTimeout),
		zap.Duration("server_idle", m.cfg.ServerIdleTimeout))
}

// Stop halts the loops. In-flight reaps finish.
func (m *Monitor) Stop() {
	if m.ticker != nil {
		m.ticker.Stop()
	}
	close(m.done)
	m.logger.Info("lifecycle monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case <-m.ticker.C:
			m.checkHosts(ctx)
			m.checkMasterServers(ctx)
		}
	}
}

// checkHosts classifies every non-master host from one registry snapshot,
// then performs the slow work off-lock.
func (m *Monitor) checkHosts(ctx context.Context) {
	now := m.now()

	var stale, idle []models.HostInfo
	for _, host := range m.registry.Hosts() {
		if host.IsMaster {
			continue
		}

		quiet := now.Sub(host.LastHeartbeat)
		if quiet > staleThreshold {
			stale = append(stale, host)
			continue
		}
		if quiet > inactiveThreshold {
			if host.Status == models.HostStatusActive {
				m.registry.MarkInactive(host.ID)
				m.logger.Warn("host went quiet, marked inactive",
					zap.String("host_id", host.ID),
					zap.Duration("since_heartbeat", quiet))
			}
			continue
		}

		if host.Status == models.HostStatusActive &&
			host.EmptySince != nil &&
			now.Sub(*host.EmptySince) > m.cfg.HostIdleTimeout {
			idle = append(idle, host)
		}
	}

	for _, host := range stale {
		m.logger.Warn("host heartbeats stale, reclaiming",
			zap.String("host_id", host.ID),
			zap.Time("last_heartbeat", host.LastHeartbeat))
		m.reapHost(ctx, host, false)
	}
	for _, host := range idle {
		m.logger.Info("host idle, shutting down",
			zap.String("host_id", host.ID),
			zap.Time("empty_since", *host.EmptySince))
		m.reapHost(ctx, host, true)
	}
}

// reapHost returns a host to nothing: optional graceful agent shutdown with
// the drain wait, the machine delete, then the registry drop and binding
// clears for whatever servers it still carried.
func (m *Monitor) reapHost(ctx context.Context, host models.HostInfo, graceful bool) {
	logger := m.logger.With(zap.String("host_id", host.ID))

	// Flag the host first so the matchmaker stops placing players and the
	// next heartbeat answer carries the shutdown command even if the direct
	// RPC below is lost.
	m.registry.RequestShutdown(host.ID)

	if graceful {
		if err := m.agents.Shutdown(ctx, host.Address, true); err != nil {
			logger.Warn("agent shutdown call failed", zap.Error(err))
		} else {
			m.sleep(ctx, m.drain)
		}
	}

	if host.ResourceID != nil {
		if err := m.cloud.DeleteHost(ctx, *host.ResourceID); err != nil {
			logger.Error("failed to delete host machine, resource may leak",
				zap.Int64("resource_id", *host.ResourceID),
				zap.Error(err))
		}
	} else {
		logger.Warn("host carries no resource id, nothing to delete")
	}

	uids := m.registry.Remove(host.ID)
	m.clearBindings(ctx, uids)
	logger.Info("host reclaimed", zap.Int("servers_removed", len(uids)))
}

// checkMasterServers walks the master's server table: entries whose rows went
// stale are dropped, empty public servers past the idle timeout are stopped.
// Private servers end with their subscription, not with their players.
func (m *Monitor) checkMasterServers(ctx context.Context) {
	now := m.now()

	var reap []string
	for _, s := range m.registry.ServerStates(m.cfg.MasterHostID) {
		if now.Sub(s.LastHeartbeat) > serverStale {
			reap = append(reap, s.UID)
			continue
		}
		if s.OwnerID != nil {
			continue
		}
		if s.EmptySince != nil && now.Sub(*s.EmptySince) > m.cfg.ServerIdleTimeout {
			reap = append(reap, s.UID)
		}
	}
	if len(reap) == 0 {
		return
	}

	for _, uid := range reap {
		if err := m.local.StopServer(uid, true); err != nil {
			m.logger.Warn("failed to stop master server",
				zap.String("uid", uid),
				zap.Error(err))
		}
	}

	removed := m.registry.RemoveServers(m.cfg.MasterHostID, reap)
	m.clearBindings(ctx, removed)
	if len(removed) > 0 {
		m.logger.Info("reaped master servers", zap.Strings("uids", removed))
	}
}

// ShutdownAll drains the whole fleet: graceful stop for every master server,
// graceful shutdown and delete for every other host. The maintenance
// controller calls this after its announcement delay.
func (m *Monitor) ShutdownAll(ctx context.Context) {
	m.logger.Warn("global shutdown: draining every host")

	var uids []string
	for _, s := range m.registry.ServerStates(m.cfg.MasterHostID) {
		uids = append(uids, s.UID)
	}
	for _, uid := range uids {
		if err := m.local.StopServer(uid, true); err != nil {
			m.logger.Warn("failed to stop master server",
				zap.String("uid", uid),
				zap.Error(err))
		}
	}
	removed := m.registry.RemoveServers(m.cfg.MasterHostID, uids)
	m.clearBindings(ctx, removed)

	for _, host := range m.registry.Hosts() {
		if host.IsMaster {
			continue
		}
		m.reapHost(ctx, host, host.Status == models.HostStatusActive)
	}
}

func (m *Monitor) clearBindings(ctx context.Context, uids []string) {
	if len(uids) == 0 {
		return
	}
	cleared, err := m.bindings.ClearServerBindings(ctx, uids)
	if err != nil {
		m.logger.Error("failed to clear bindings for reaped servers",
			zap.Strings("uids", uids),
			zap.Error(err))
		return
	}
	if cleared > 0 {
		m.logger.Info("cleared player bindings", zap.Int64("count", cleared))
	}
}

func (m *Monitor) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
