package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pixelfort/vmhub/internal/models"
)

// Spawn refusals. The HTTP layer maps these onto the agent's error
// vocabulary.
var (
	ErrMaxServers     = errors.New("max servers reached")
	ErrPortInUse      = errors.New("port already in use")
	ErrDuplicateUID   = errors.New("server uid already in use")
	ErrServerNotFound = errors.New("server not found")
	ErrDraining       = errors.New("agent is shutting down")
)

type serverEntry struct {
	snapshot models.ServerSnapshot
	proc     Process
}

// Manager owns every game-server process on this host: spawning, player
// bookkeeping, the save barrier and the drain path. cmd/vmagent runs one per
// worker host; the control plane runs one in-process for the master host.
type Manager struct {
	cfg    *Config
	runner CommandRunner
	logger *zap.Logger
	saves  *saveSet

	mu       sync.Mutex
	servers  map[string]*serverEntry
	ports    *portAllocator
	draining bool

	// Shrunk by tests.
	warmup    time.Duration
	grace     time.Duration
	drainWait time.Duration
	reapDelay time.Duration
}

func NewManager(cfg *Config, runner CommandRunner, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		runner:    runner,
		logger:    logger,
		saves:     newSaveSet(),
		servers:   make(map[string]*serverEntry),
		ports:     newPortAllocator(cfg.PortBase, cfg.MaxServers),
		warmup:    spawnWarmup,
		grace:     stopGrace,
		drainWait: drainSaveWait,
		reapDelay: heartbeatInterval,
	}
}

// HostID identifies this manager's host in heartbeats and status payloads.
func (m *Manager) HostID() string { return m.cfg.HostID }

// Spawn launches one game-server process. A zero port picks the lowest free
// one; an empty uid derives the public "<host>-<port>" form.
func (m *Manager) Spawn(req models.SpawnRequest) (*models.SpawnResponse, error) {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return nil, ErrDraining
	}
	if len(m.servers) >= m.cfg.MaxServers {
		m.mu.Unlock()
		return nil, ErrMaxServers
	}

	port := req.Port
	if port == 0 {
		p, ok := m.ports.acquire()
		if !ok {
			m.mu.Unlock()
			return nil, ErrMaxServers
		}
		port = p
	} else if !m.ports.reserve(port) {
		m.mu.Unlock()
		return nil, ErrPortInUse
	}

	uid := req.UID
	if uid == "" {
		uid = models.PublicServerUID(m.cfg.HostID, port)
	}
	if _, exists := m.servers[uid]; exists {
		m.ports.release(port)
		m.mu.Unlock()
		return nil, ErrDuplicateUID
	}

	args := []string{
		"--server",
		"--port", strconv.Itoa(port),
		"--master", m.cfg.ControlPlaneURL,
		"--uid", uid,
	}
	if req.Private {
		var ownerID int64
		if req.OwnerID != nil {
			ownerID = *req.OwnerID
		}
		args = append(args, "--private", "--owner", strconv.FormatInt(ownerID, 10))
	}

	proc, err := m.runner.Start(m.cfg.GameServerBin, args)
	if err != nil {
		m.ports.release(port)
		m.mu.Unlock()
		m.logger.Error("failed to spawn game server",
			zap.String("uid", uid),
			zap.Int("port", port),
			zap.Error(err))
		return nil, fmt.Errorf("spawn %s: %w", uid, err)
	}

	m.servers[uid] = &serverEntry{
		snapshot: models.ServerSnapshot{
			UID:     uid,
			Port:    port,
			Status:  models.ServerStatusStarting,
			OwnerID: req.OwnerID,
			Private: req.Private,
		},
		proc: proc,
	}
	m.mu.Unlock()

	time.AfterFunc(m.warmup, func() { m.markRunning(uid, proc) })
	go m.watchExit(uid, proc)

	m.logger.Info("spawned game server",
		zap.String("uid", uid),
		zap.Int("port", port),
		zap.Int("pid", proc.PID()),
		zap.Bool("private", req.Private))
	return &models.SpawnResponse{Success: true, ServerUID: uid, Port: port}, nil
}

// markRunning flips a server out of warmup unless it already moved on.
func (m *Manager) markRunning(uid string, proc Process) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.servers[uid]
	if !ok || e.proc != proc {
		return
	}
	if e.snapshot.Status == models.ServerStatusStarting {
		e.snapshot.Status = models.ServerStatusRunning
	}
}

// watchExit flags processes that die outside StopServer. The entry stays
// visible as "dead" for one report cycle so the control plane observes the
// death, then the slot is reclaimed.
func (m *Manager) watchExit(uid string, proc Process) {
	<-proc.Done()

	m.mu.Lock()
	e, ok := m.servers[uid]
	if !ok || e.proc != proc {
		m.mu.Unlock()
		return
	}
	if e.snapshot.Status != models.ServerStatusStopping {
		m.logger.Warn("game server exited unexpectedly",
			zap.String("uid", uid),
			zap.Int("port", e.snapshot.Port))
	}
	e.snapshot.Status = models.ServerStatusDead
	m.mu.Unlock()

	time.AfterFunc(m.reapDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.servers[uid]; ok && cur.proc == proc {
			delete(m.servers, uid)
			m.ports.release(cur.snapshot.Port)
		}
	})
}

// StopServer terminates one server. Graceful gives the process the grace
// period to save and exit before SIGKILL; force kills at once.
func (m *Manager) StopServer(uid string, graceful bool) error {
	m.mu.Lock()
	e, ok := m.servers[uid]
	if !ok {
		m.mu.Unlock()
		return ErrServerNotFound
	}
	if e.snapshot.Status == models.ServerStatusStopping {
		m.mu.Unlock()
		return nil
	}
	e.snapshot.Status = models.ServerStatusStopping
	proc := e.proc
	port := e.snapshot.Port
	m.mu.Unlock()

	m.logger.Info("stopping game server",
		zap.String("uid", uid),
		zap.Bool("graceful", graceful))

	if graceful {
		if err := proc.Terminate(); err != nil {
			m.logger.Warn("failed to send SIGTERM", zap.String("uid", uid), zap.Error(err))
		}
		select {
		case <-proc.Done():
		case <-time.After(m.grace):
			m.logger.Warn("grace period exceeded, killing", zap.String("uid", uid))
			if err := proc.Kill(); err != nil {
				m.logger.Warn("failed to send SIGKILL", zap.String("uid", uid), zap.Error(err))
			}
			<-proc.Done()
		}
	} else {
		if err := proc.Kill(); err != nil {
			m.logger.Warn("failed to send SIGKILL", zap.String("uid", uid), zap.Error(err))
		}
		<-proc.Done()
	}

	m.mu.Lock()
	if cur, ok := m.servers[uid]; ok && cur.proc == proc {
		delete(m.servers, uid)
		m.ports.release(port)
	}
	m.mu.Unlock()
	return nil
}

// UpdatePlayers replaces a server's player set. The game process reports it
// whenever someone joins or leaves.
func (m *Manager) UpdatePlayers(uid string, players []int64) error {
	seen := make(map[int64]struct{}, len(players))
	for _, p := range players {
		seen[p] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.servers[uid]
	if !ok {
		return ErrServerNotFound
	}
	e.snapshot.PlayerCount = len(seen)
	return nil
}

// TrackSave applies one save status report from a game process.
func (m *Manager) TrackSave(saveID, status string) {
	m.saves.Track(saveID, status)
}

// Report builds the heartbeat view: every server snapshot plus the host's
// player total, ordered by uid.
func (m *Manager) Report() ([]models.ServerSnapshot, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.ServerSnapshot, 0, len(m.servers))
	total := 0
	for _, e := range m.servers {
		out = append(out, e.snapshot)
		total += e.snapshot.PlayerCount
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, total
}

// Status is the GET /status payload, also the provisioner's readiness probe.
func (m *Manager) Status() models.AgentStatus {
	servers, _ := m.Report()
	return models.AgentStatus{
		HostID:       m.cfg.HostID,
		ServerCount:  len(servers),
		MaxServers:   m.cfg.MaxServers,
		Servers:      servers,
		PendingSaves: m.saves.Pending(),
	}
}

// Draining reports whether a shutdown began. The heartbeat loop stops
// reporting once it flips so the control plane never resurrects the host.
func (m *Manager) Draining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draining
}

// Drain runs the graceful-shutdown barrier: refuse new spawns, suppress
// heartbeats, wait for pending saves (bounded), then stop every server
// gracefully. It returns once all processes have exited.
func (m *Manager) Drain(ctx context.Context) {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	m.mu.Unlock()

	if n := m.saves.Len(); n > 0 {
		m.logger.Info("waiting for pending saves", zap.Int("pending", n))
		waitCtx, cancel := context.WithTimeout(ctx, m.drainWait)
		defer cancel()
		if !m.saves.Wait(waitCtx) {
			m.logger.Warn("timeout waiting for pending saves",
				zap.Int("pending", m.saves.Len()))
		}
	}

	m.StopAll(true)
}

// ForceStop kills everything immediately, skipping the save barrier.
func (m *Manager) ForceStop() {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()

	m.StopAll(false)
}

// StopAll stops every server sequentially.
func (m *Manager) StopAll(graceful bool) {
	for _, uid := range m.uids() {
		if err := m.StopServer(uid, graceful); err != nil && !errors.Is(err, ErrServerNotFound) {
			m.logger.Error("failed to stop server", zap.String("uid", uid), zap.Error(err))
		}
	}
}

func (m *Manager) uids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.servers))
	for uid := range m.servers {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}
