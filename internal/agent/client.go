package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/pixelfort/vmhub/internal/models"
)

const (
	requestTimeout  = 10 * time.Second
	downloadTimeout = 300 * time.Second
)

// Client talks to the control plane: heartbeats, startup log lines and the
// game binary download. Every request carries the shared access key.
type Client struct {
	httpClient     *http.Client
	downloadClient *http.Client
	baseURL        string
	hostID         string
	accessKey      string
	logger         *zap.Logger
}

func NewClient(baseURL, hostID, accessKey string, logger *zap.Logger) *Client {
	return &Client{
		httpClient:     &http.Client{Timeout: requestTimeout},
		downloadClient: &http.Client{Timeout: downloadTimeout},
		baseURL:        baseURL,
		hostID:         hostID,
		accessKey:      accessKey,
		logger:         logger,
	}
}

// Report sends one heartbeat and returns the control plane's answer.
func (c *Client) Report(ctx context.Context, hb *models.HeartbeatRequest) (*models.HeartbeatResponse, error) {
	resp, err := c.post(ctx, "/vm/heartbeat", hb)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("heartbeat rejected: status code %d", resp.StatusCode)
	}

	var out models.HeartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("heartbeat decode: %w", err)
	}
	return &out, nil
}

// ReportStartup forwards one agent startup message to the host's
// provisioning log. Failures are non-fatal for the caller.
func (c *Client) ReportStartup(ctx context.Context, message string) error {
	resp, err := c.post(ctx, "/vm/startup_log", models.StartupLogRequest{
		HostID:  c.hostID,
		Message: message,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("startup log rejected: status code %d", resp.StatusCode)
	}
	return nil
}

// DownloadGameBinary fetches the game server binary to dest unless it is
// already present. The bootstrap script downloads it on fresh hosts; this
// covers agents restarted on a wiped disk.
func (c *Client) DownloadGameBinary(ctx context.Context, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/download_binary", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessKey)

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return fmt.Errorf("binary download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("binary download rejected: status code %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create binary dir: %w", err)
	}

	tmp := dest + ".part"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}

	written, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write game binary: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move game binary in place: %w", err)
	}

	c.logger.Info("downloaded game binary",
		zap.String("dest", dest),
		zap.Int64("bytes", written))
	return nil
}

// post sends a JSON body with the access key. The caller owns the response.
func (c *Client) post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}
