package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pixelfort/vmhub/internal/metrics"
	"github.com/pixelfort/vmhub/internal/models"
	"github.com/pixelfort/vmhub/internal/services/cloud"
	"github.com/pixelfort/vmhub/internal/services/registry"
)

const (
	// warmupDelay gives a freshly spawned process time to open its listener
	// before players are pointed at it.
	warmupDelay = 3 * time.Second

	// provisionWait bounds how long a request waits for a brand-new host's
	// agent to publish its first server.
	provisionWait = 90 * time.Second
)

var (
	ErrMaintenance     = errors.New("maintenance mode")
	ErrProvisionFailed = errors.New("failed to create host")
	ErrTimeout         = errors.New("timed out waiting for a server on the new host")
	ErrNoSubscription  = errors.New("no active private subscription")
	ErrSpawnFailed     = errors.New("failed to spawn private server")
)

// InsufficientFundsError carries the figures the client shows the player.
type InsufficientFundsError struct {
	Required int64
	Balance  int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: need %d, have %d", e.Required, e.Balance)
}

// PlayerStore is the slice of the player-data layer the matchmaker touches.
// SetPlayerServer must be durable before RequestServer returns.
type PlayerStore interface {
	GetPlayerData(ctx context.Context, userID int64) (*models.PlayerData, error)
	SetPlayerServer(ctx context.Context, userID int64, serverUID string) error
	SetPrivateServer(ctx context.Context, userID int64, active bool, expires time.Time) error
}

// CurrencyLedger debits the private-server cost atomically.
type CurrencyLedger interface {
	DebitCurrency(ctx context.Context, userID int64, amount int64) (int64, error)
}

// LocalAgent is the in-process worker agent manager on the master host.
type LocalAgent interface {
	Spawn(req models.SpawnRequest) (*models.SpawnResponse, error)
	StopServer(uid string, graceful bool) error
}

// AgentCaller reaches worker agents on remote hosts.
type AgentCaller interface {
	Spawn(ctx context.Context, addr string, req models.SpawnRequest) (*models.SpawnResponse, error)
}

// Provisioner builds a new worker machine and blocks until its agent answers.
type Provisioner interface {
	CreateHost(ctx context.Context, hostID string) (*cloud.Host, error)
}

// Maintenance reports whether the operator flipped the fleet-wide flag.
type Maintenance interface {
	Enabled() bool
}

type Config struct {
	MasterHostID       string
	MasterAddress      string
	MaxServersPerHost  int
	MaxServersInMaster int
	PlayersPerServer   int
	GamePortBase       int
}

// Deps are the collaborators the matchmaker drives. Everything is an
// interface except the registry, the in-memory core it shares with the
// lifecycle monitors.
type Deps struct {
	Registry    *registry.Registry
	Players     PlayerStore
	Ledger      CurrencyLedger
	Local       LocalAgent
	Agents      AgentCaller
	Provisioner Provisioner
	Maintenance Maintenance
}

// Service answers request_server calls and owns the private-subscription
// operations.
type Service struct {
	cfg         Config
	registry    *registry.Registry
	players     PlayerStore
	ledger      CurrencyLedger
	local       LocalAgent
	agents      AgentCaller
	provisioner Provisioner
	maintenance Maintenance
	logger      *zap.Logger

	warmup        time.Duration
	provisionWait time.Duration
}

func New(cfg Config, deps Deps, logger *zap.Logger) *Service {
	return &Service{
		cfg:           cfg,
		registry:      deps.Registry,
		players:       deps.Players,
		ledger:        deps.Ledger,
		local:         deps.Local,
		agents:        deps.Agents,
		provisioner:   deps.Provisioner,
		maintenance:   deps.Maintenance,
		logger:        logger,
		warmup:        warmupDelay,
		provisionWait: provisionWait,
	}
}

// RequestServer finds or creates a server for userID. Decision order: private
// binding, best public fit, spawn on master, spawn on a remote host, provision
// a new host. The first step that produces a server wins; the player binding
// is durable before the assignment returns.
func (m *Service) RequestServer(ctx context.Context, userID int64) (*models.Assignment, error) {
	if m.maintenance.Enabled() {
		metrics.MatchmakerDecisions.WithLabelValues("maintenance").Inc()
		return nil, ErrMaintenance
	}

	pd, err := m.players.GetPlayerData(ctx, userID)
	if err != nil {
		return nil, err
	}

	if pd.PrivateServerActive {
		if host, server, ok := m.registry.FindOwnedServer(userID); ok {
			if err := m.bind(ctx, userID, server.UID); err != nil {
				return nil, err
			}
			metrics.MatchmakerDecisions.WithLabelValues("private").Inc()
			return assignment(host, server, true), nil
		}
		// Marked active but no live server: fall through to the public
		// path; subscribe re-creates the server.
	}

	if host, server, ok := m.registry.FindBestPublicServer(m.cfg.PlayersPerServer); ok {
		if err := m.bind(ctx, userID, server.UID); err != nil {
			return nil, err
		}
		metrics.MatchmakerDecisions.WithLabelValues("join").Inc()
		return assignment(host, server, false), nil
	}

	asg, err := m.spawnOnMaster(ctx, userID)
	if err != nil || asg != nil {
		return asg, err
	}

	asg, err = m.spawnOnRemote(ctx, userID)
	if err != nil || asg != nil {
		return asg, err
	}

	return m.provision(ctx, userID)
}

// spawnOnMaster launches a public server on the control plane's own agent.
// A nil, nil return means the step did not apply and the ladder continues.
func (m *Service) spawnOnMaster(ctx context.Context, userID int64) (*models.Assignment, error) {
	count := m.registry.ServerCount(m.cfg.MasterHostID)
	if count >= m.cfg.MaxServersInMaster {
		return nil, nil
	}

	port := m.cfg.GamePortBase + count
	uid := models.PublicServerUID(m.cfg.MasterHostID, port)

	resp, err := m.local.Spawn(models.SpawnRequest{UID: uid, Port: port})
	if err != nil {
		m.logger.Warn("master spawn failed",
			zap.String("uid", uid),
			zap.Int("port", port),
			zap.Error(err))
		return nil, nil
	}

	m.sleep(ctx, m.warmup)

	if err := m.bind(ctx, userID, resp.ServerUID); err != nil {
		return nil, err
	}
	metrics.MatchmakerDecisions.WithLabelValues("spawn_master").Inc()
	return &models.Assignment{
		UID:     resp.ServerUID,
		Address: m.cfg.MasterAddress,
		Port:    resp.Port,
		HostID:  m.cfg.MasterHostID,
	}, nil
}

// spawnOnRemote walks active remote hosts in registration order and spawns on
// the first one with room. A failed spawn moves on to the next host.
func (m *Service) spawnOnRemote(ctx context.Context, userID int64) (*models.Assignment, error) {
	for _, host := range m.registry.ActiveRemoteHosts() {
		count := len(host.Servers)
		if count >= m.cfg.MaxServersPerHost {
			continue
		}

		port := m.cfg.GamePortBase + count
		uid := models.PublicServerUID(host.ID, port)

		resp, err := m.agents.Spawn(ctx, host.Address, models.SpawnRequest{UID: uid, Port: port})
		if err != nil {
			m.logger.Warn("remote spawn failed, trying next host",
				zap.String("host_id", host.ID),
				zap.Int("port", port),
				zap.Error(err))
			continue
		}

		m.sleep(ctx, m.warmup)

		if err := m.bind(ctx, userID, resp.ServerUID); err != nil {
			return nil, err
		}
		metrics.MatchmakerDecisions.WithLabelValues("spawn_remote").Inc()
		return &models.Assignment{
			UID:     resp.ServerUID,
			Address: host.Address,
			Port:    resp.Port,
			HostID:  host.ID,
		}, nil
	}
	return nil, nil
}

// provision builds a brand-new host and waits for its agent's first published
// server. On timeout the host stays registered; it can serve later requests.
func (m *Service) provision(ctx context.Context, userID int64) (*models.Assignment, error) {
	hostID := "vm-" + uuid.NewString()[:8]
	logger := m.logger.With(zap.String("host_id", hostID))
	logger.Info("all hosts full, provisioning a new one")

	// Not the request context: a half-built machine helps nobody, so the
	// build runs to completion even if this caller gives up.
	host, err := m.provisioner.CreateHost(context.Background(), hostID)
	if err != nil {
		logger.Error("provisioning failed", zap.Error(err))
		metrics.MatchmakerDecisions.WithLabelValues("provision_failed").Inc()
		return nil, ErrProvisionFailed
	}

	m.registry.RegisterProvisioning(host.ID, host.Address, host.ResourceID)
	logger.Info("host created, waiting for its first server", zap.String("address", host.Address))

	waitCtx, cancel := context.WithTimeout(ctx, m.provisionWait)
	defer cancel()

	server, err := m.registry.WaitForFirstServer(waitCtx, host.ID)
	if err != nil {
		logger.Warn("new host has not published a server yet", zap.Error(err))
		metrics.MatchmakerDecisions.WithLabelValues("timeout").Inc()
		return nil, ErrTimeout
	}

	if err := m.bind(ctx, userID, server.UID); err != nil {
		return nil, err
	}
	metrics.MatchmakerDecisions.WithLabelValues("provision").Inc()
	return &models.Assignment{
		UID:     server.UID,
		Address: host.Address,
		Port:    server.Port,
		HostID:  host.ID,
	}, nil
}

// bind records the player binding. Durable before the caller responds.
func (m *Service) bind(ctx context.Context, userID int64, uid string) error {
	if err := m.players.SetPlayerServer(ctx, userID, uid); err != nil {
		return fmt.Errorf("bind player %d to %s: %w", userID, uid, err)
	}
	return nil
}

func (m *Service) sleep(ctx context.Context, d time.Duration) {
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

func assignment(host models.HostInfo, server models.ServerSnapshot, private bool) *models.Assignment {
	return &models.Assignment{
		UID:     server.UID,
		Address: host.Address,
		Port:    server.Port,
		HostID:  host.ID,
		Private: private,
	}
}
