package models

import (
	"fmt"
	"strings"
)

// Game server process status constants
type ServerStatus string

const (
	ServerStatusStarting ServerStatus = "starting" // process launched, warmup not yet elapsed
	ServerStatusRunning  ServerStatus = "running"  // accepting players
	ServerStatusStopping ServerStatus = "stopping" // terminate sent, waiting for exit
	ServerStatusDead     ServerStatus = "dead"     // process exited, entry pending removal
)

// ServerSnapshot is one server entry inside a heartbeat: the agent's view of
// a single game-server process. The registry stores these verbatim per host.
type ServerSnapshot struct {
	UID         string       `json:"uid" validate:"required"`
	Port        int          `json:"port" validate:"required,min=1,max=65535"`
	PlayerCount int          `json:"player_count" validate:"min=0"`
	Status      ServerStatus `json:"status" validate:"required,oneof=starting running stopping dead"`
	OwnerID     *int64       `json:"owner_id,omitempty"`
	Private     bool         `json:"private"`
}

// PublicServerUID builds the uid convention for matchmaker-spawned servers.
func PublicServerUID(hostID string, port int) string {
	return fmt.Sprintf("%s-%d", hostID, port)
}

// PrivateServerUID builds the uid convention for owner-bound servers.
func PrivateServerUID(userID int64, hostID string) string {
	return fmt.Sprintf("private_%d_%s", userID, hostID)
}

// IsPrivateUID reports whether uid follows the private-server convention.
func IsPrivateUID(uid string) bool {
	return strings.HasPrefix(uid, "private_")
}

// SpawnRequest asks a worker agent to launch one game-server process.
// Port 0 lets the agent allocate the lowest free port in its range.
type SpawnRequest struct {
	UID     string `json:"uid,omitempty"`
	Port    int    `json:"port,omitempty"`
	OwnerID *int64 `json:"owner_id,omitempty"`
	Private bool   `json:"private,omitempty"`
}

type SpawnResponse struct {
	Success   bool   `json:"success"`
	ServerUID string `json:"server_uid,omitempty"`
	Port      int    `json:"port,omitempty"`
	Error     string `json:"error,omitempty"`
}

type ShutdownRequest struct {
	Graceful bool `json:"graceful"`
}

// AgentStatus is the worker agent's GET /status payload, also used by the
// provisioner as the readiness probe.
type AgentStatus struct {
	HostID       string           `json:"host_id"`
	ServerCount  int              `json:"server_count"`
	MaxServers   int              `json:"max_servers"`
	Servers      []ServerSnapshot `json:"servers"`
	PendingSaves []string         `json:"pending_saves"`
}

// UpdatePlayersRequest is posted by the game process to its local agent
// whenever its player set changes.
type UpdatePlayersRequest struct {
	ServerUID string  `json:"server_uid" binding:"required"`
	Players   []int64 `json:"players"`
}

// TrackSaveRequest is posted by the game process to its local agent around
// durable player-data writes so a draining agent can wait for them.
type TrackSaveRequest struct {
	SaveID string `json:"save_id" binding:"required"`
	Status string `json:"status" binding:"required,oneof=start complete failed"`
}
