package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pixelfort/vmhub/internal/models"
)

const (
	pollInterval = 5 * time.Second
	actionBudget = 180 * time.Second
	readyBudget  = 180 * time.Second
)

// Host is a created-and-ready worker: the agent on Address answered its
// status probe at least once.
type Host struct {
	ID         string
	ResourceID int64
	Address    string
}

// ReadinessProber checks whether a worker agent answers on an address.
// Satisfied by the agents client.
type ReadinessProber interface {
	Status(ctx context.Context, addr string) (*models.AgentStatus, error)
}

// ProvisionerConfig carries the IaaS placement settings and the values baked
// into each host's bootstrap script.
type ProvisionerConfig struct {
	MasterURL  string
	AccessKey  string
	ServerType string
	Image      string
	Location   string
	MaxServers int
	PortBase   int
}

// Provisioner turns a host id into a running worker machine. Any failure
// after the create call tears the half-built machine down; a provision either
// yields a ready host or no resource at all.
type Provisioner struct {
	client *Client
	prober ReadinessProber
	cfg    ProvisionerConfig
	logger *zap.Logger

	poll         time.Duration
	actionBudget time.Duration
	readyBudget  time.Duration
}

func NewProvisioner(client *Client, prober ReadinessProber, cfg ProvisionerConfig, logger *zap.Logger) *Provisioner {
	return &Provisioner{
		client:       client,
		prober:       prober,
		cfg:          cfg,
		logger:       logger,
		poll:         pollInterval,
		actionBudget: actionBudget,
		readyBudget:  readyBudget,
	}
}

// CreateHost builds one worker machine and blocks until its agent is
// reachable.
func (p *Provisioner) CreateHost(ctx context.Context, hostID string) (*Host, error) {
	script, err := renderBootstrap(bootstrapParams{
		MasterURL:  p.cfg.MasterURL,
		HostID:     hostID,
		AccessKey:  p.cfg.AccessKey,
		MaxServers: p.cfg.MaxServers,
		PortBase:   p.cfg.PortBase,
	})
	if err != nil {
		return nil, err
	}

	spec := ServerSpec{
		Name:             "game-" + hostID,
		ServerType:       p.cfg.ServerType,
		Image:            p.cfg.Image,
		Location:         p.cfg.Location,
		StartAfterCreate: true,
		UserData:         script,
		Labels: map[string]string{
			"role":    "game-host",
			"host_id": hostID,
		},
	}

	created, err := p.client.CreateServer(ctx, spec)
	if err != nil {
		return nil, err
	}
	resourceID := created.Server.ID

	logger := p.logger.With(zap.String("host_id", hostID), zap.Int64("resource_id", resourceID))
	logger.Info("cloud server created, waiting for build")

	if err := p.waitForAction(ctx, created.Action.ID); err != nil {
		p.teardown(resourceID)
		return nil, fmt.Errorf("host %s build: %w", hostID, err)
	}

	server, err := p.client.GetServer(ctx, resourceID)
	if err != nil {
		p.teardown(resourceID)
		return nil, err
	}
	addr := server.PublicIP()
	if addr == "" {
		p.teardown(resourceID)
		return nil, fmt.Errorf("host %s: created server has no public address", hostID)
	}

	logger.Info("waiting for worker agent", zap.String("address", addr))
	if err := p.waitReady(ctx, addr); err != nil {
		p.teardown(resourceID)
		return nil, fmt.Errorf("host %s: %w", hostID, err)
	}

	logger.Info("worker host ready", zap.String("address", addr))
	return &Host{ID: hostID, ResourceID: resourceID, Address: addr}, nil
}

// DeleteHost destroys the machine backing a host.
func (p *Provisioner) DeleteHost(ctx context.Context, resourceID int64) error {
	return p.client.DeleteServer(ctx, resourceID)
}

func (p *Provisioner) GetHost(ctx context.Context, resourceID int64) (*Server, error) {
	return p.client.GetServer(ctx, resourceID)
}

// ListHosts returns every machine this provisioner has labeled, whether the
// registry knows it or not. Admin tooling uses it to spot leaks.
func (p *Provisioner) ListHosts(ctx context.Context) ([]Server, error) {
	return p.client.ListServers(ctx, "role=game-host")
}

// waitForAction polls the build action. An elapsed budget is not an error:
// the follow-up server fetch decides whether the machine is usable, matching
// the API's occasional habit of finishing builds late.
func (p *Provisioner) waitForAction(ctx context.Context, actionID int64) error {
	deadline := time.Now().Add(p.actionBudget)
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		action, err := p.client.GetAction(ctx, actionID)
		if err != nil {
			continue // transient; the budget bounds us
		}
		switch action.Status {
		case ActionStatusSuccess:
			return nil
		case ActionStatusError:
			msg := "unknown"
			if action.Error != nil {
				msg = action.Error.Message
			}
			return errors.New(msg)
		}
	}
	return nil
}

func (p *Provisioner) waitReady(ctx context.Context, addr string) error {
	deadline := time.Now().Add(p.readyBudget)
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if _, err := p.prober.Status(ctx, addr); err == nil {
			return nil
		}
	}
	return fmt.Errorf("worker agent on %s not ready within %s", addr, p.readyBudget)
}

// teardown deletes a half-built machine on a fresh context; the caller's may
// already be expired and a leaked VM bills by the hour.
func (p *Provisioner) teardown(resourceID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.client.DeleteServer(ctx, resourceID); err != nil {
		p.logger.Error("failed to delete half-built server, resource may leak",
			zap.Int64("resource_id", resourceID),
			zap.Error(err))
	}
}
