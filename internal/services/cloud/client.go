package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// DefaultAPIBase is the production IaaS endpoint (Hetzner-compatible REST).
const DefaultAPIBase = "https://api.hetzner.cloud/v1"

// Action status values reported by the IaaS API.
const (
	ActionStatusRunning = "running"
	ActionStatusSuccess = "success"
	ActionStatusError   = "error"
)

// ServerSpec is the create-server request body.
type ServerSpec struct {
	Name             string            `json:"name"`
	ServerType       string            `json:"server_type"`
	Image            string            `json:"image"`
	Location         string            `json:"location"`
	StartAfterCreate bool              `json:"start_after_create"`
	UserData         string            `json:"user_data"`
	Labels           map[string]string `json:"labels"`
}

// Server is the IaaS view of one machine.
type Server struct {
	ID        int64             `json:"id"`
	Name      string            `json:"name"`
	Status    string            `json:"status"`
	PublicNet PublicNet         `json:"public_net"`
	Labels    map[string]string `json:"labels"`
	Created   time.Time         `json:"created"`
}

type PublicNet struct {
	IPv4 IPv4 `json:"ipv4"`
}

type IPv4 struct {
	IP string `json:"ip"`
}

// PublicIP returns the machine's IPv4 address, empty while the network is
// still being attached.
func (s *Server) PublicIP() string {
	return s.PublicNet.IPv4.IP
}

// Action is an asynchronous IaaS operation; server builds report through one.
type Action struct {
	ID     int64        `json:"id"`
	Status string       `json:"status"`
	Error  *ActionError `json:"error"`
}

type ActionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CreateResult pairs the created server with the build action to poll.
type CreateResult struct {
	Server Server `json:"server"`
	Action Action `json:"action"`
}

// Client is a thin REST client for the IaaS API. Every call carries the API
// token as a bearer header.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *zap.Logger
}

func NewClient(token string, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    DefaultAPIBase,
		token:      token,
		logger:     logger,
	}
}

// CreateServer submits a build. The returned action finishes asynchronously;
// poll it with GetAction.
func (c *Client) CreateServer(ctx context.Context, spec ServerSpec) (*CreateResult, error) {
	var result CreateResult
	if err := c.do(ctx, http.MethodPost, "/servers", spec, &result); err != nil {
		return nil, fmt.Errorf("create server %q: %w", spec.Name, err)
	}
	return &result, nil
}

// DeleteServer destroys a machine. The API answers 200/204 once the delete is
// accepted.
func (c *Client) DeleteServer(ctx context.Context, serverID int64) error {
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/servers/%d", serverID), nil, nil); err != nil {
		return fmt.Errorf("delete server %d: %w", serverID, err)
	}
	return nil
}

func (c *Client) GetServer(ctx context.Context, serverID int64) (*Server, error) {
	var result struct {
		Server Server `json:"server"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/servers/%d", serverID), nil, &result); err != nil {
		return nil, fmt.Errorf("get server %d: %w", serverID, err)
	}
	return &result.Server, nil
}

// ListServers returns machines matching the label selector, e.g.
// "role=game-host".
func (c *Client) ListServers(ctx context.Context, labelSelector string) ([]Server, error) {
	path := "/servers"
	if labelSelector != "" {
		path += "?label_selector=" + url.QueryEscape(labelSelector)
	}
	var result struct {
		Servers []Server `json:"servers"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	return result.Servers, nil
}

func (c *Client) GetAction(ctx context.Context, actionID int64) (*Action, error) {
	var result struct {
		Action Action `json:"action"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/actions/%d", actionID), nil, &result); err != nil {
		return nil, fmt.Errorf("get action %d: %w", actionID, err)
	}
	return &result.Action, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, detail)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
