package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pixelfort/vmhub/internal/models"
)

// AgentPort is where every worker agent listens, master host included.
const AgentPort = 8081

// Per-call deadlines. A spawn forks a process and may block on the exec; a
// shutdown or status probe must never stall a monitor cycle.
const (
	spawnTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
	statusTimeout   = 5 * time.Second
)

// ErrMaxServers is the agent refusing a spawn because its host is at capacity.
var ErrMaxServers = errors.New("host at capacity")

// Client calls the worker agents' HTTP surface. One client serves every host;
// the target address is a per-call argument.
type Client struct {
	httpClient *http.Client
	accessKey  string
	agentPort  int
	logger     *zap.Logger
}

func NewClient(accessKey string, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: spawnTimeout},
		accessKey:  accessKey,
		agentPort:  AgentPort,
		logger:     logger,
	}
}

func (c *Client) baseURL(addr string) string {
	return fmt.Sprintf("http://%s:%d", addr, c.agentPort)
}

// Spawn asks the agent on addr to launch one game-server process. A zero
// port lets the agent's allocator pick the lowest free one.
func (c *Client) Spawn(ctx context.Context, addr string, req models.SpawnRequest) (*models.SpawnResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, spawnTimeout)
	defer cancel()

	var out models.SpawnResponse
	status, err := c.postJSON(ctx, c.baseURL(addr)+"/spawn_server", req, &out)
	if err != nil {
		return nil, fmt.Errorf("spawn on %s: %w", addr, err)
	}
	switch {
	case status == http.StatusServiceUnavailable:
		return nil, fmt.Errorf("spawn on %s: %w", addr, ErrMaxServers)
	case status < 200 || status >= 300:
		return nil, fmt.Errorf("spawn on %s: unexpected status code %d: %s", addr, status, out.Error)
	}
	return &out, nil
}

// Shutdown asks the agent to drain and exit (graceful) or exit at once.
func (c *Client) Shutdown(ctx context.Context, addr string, graceful bool) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	status, err := c.postJSON(ctx, c.baseURL(addr)+"/shutdown", models.ShutdownRequest{Graceful: graceful}, nil)
	if err != nil {
		return fmt.Errorf("shutdown on %s: %w", addr, err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("shutdown on %s: unexpected status code %d", addr, status)
	}
	return nil
}

// Status fetches the agent's view of its server set. The provisioner also
// uses this as its readiness probe.
func (c *Client) Status(ctx context.Context, addr string) (*models.AgentStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL(addr)+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status on %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status on %s: unexpected status code %d", addr, resp.StatusCode)
	}
	var out models.AgentStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("status on %s: decode: %w", addr, err)
	}
	return &out, nil
}

// postJSON sends a POST with a JSON body and decodes the answer into out when
// provided. The HTTP status comes back so callers can map refusals; transport
// failures are the only errors.
func (c *Client) postJSON(ctx context.Context, url string, body, out interface{}) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if out != nil {
		// Refusals carry a JSON body too; decode is best-effort.
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, nil
}
