package agent

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults match what the control plane assumes about worker hosts: six
// servers per host, game ports from 9000 up, the agent API on 8081.
const (
	DefaultListenPort = 8081
	DefaultMaxServers = 6
	DefaultPortBase   = 9000

	heartbeatInterval  = 5 * time.Second
	maxHeartbeatMisses = 6

	spawnWarmup   = 3 * time.Second
	stopGrace     = 10 * time.Second
	drainSaveWait = 30 * time.Second
)

// Config holds the worker agent's environment. On provisioned hosts the
// bootstrap script writes these into the agent's env file.
type Config struct {
	HostID          string
	ControlPlaneURL string
	AccessKey       string
	GameServerBin   string
	MaxServers      int
	PortBase        int
	ListenPort      int
}

// LoadConfig reads the agent configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		MaxServers: DefaultMaxServers,
		PortBase:   DefaultPortBase,
		ListenPort: DefaultListenPort,
	}

	cfg.HostID = os.Getenv("HOST_ID")
	if cfg.HostID == "" {
		return nil, fmt.Errorf("HOST_ID is required")
	}

	cfg.ControlPlaneURL = os.Getenv("CONTROL_PLANE_URL")
	if cfg.ControlPlaneURL == "" {
		return nil, fmt.Errorf("CONTROL_PLANE_URL is required")
	}

	cfg.AccessKey = os.Getenv("ACCESS_KEY")
	if cfg.AccessKey == "" {
		return nil, fmt.Errorf("ACCESS_KEY is required")
	}

	cfg.GameServerBin = os.Getenv("GAME_SERVER_BIN")
	if cfg.GameServerBin == "" {
		return nil, fmt.Errorf("GAME_SERVER_BIN is required")
	}

	if v := os.Getenv("MAX_SERVERS_PER_HOST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid MAX_SERVERS_PER_HOST: %q", v)
		}
		cfg.MaxServers = n
	}

	if v := os.Getenv("GAME_PORT_BASE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 65535 {
			return nil, fmt.Errorf("invalid GAME_PORT_BASE: %q", v)
		}
		cfg.PortBase = n
	}

	if v := os.Getenv("AGENT_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 65535 {
			return nil, fmt.Errorf("invalid AGENT_PORT: %q", v)
		}
		cfg.ListenPort = n
	}

	return cfg, nil
}
