package models

// HeartbeatRequest is the agent's periodic report of its complete server set.
// Arrival rewrites the host's server table in the registry, so a malformed
// payload must be rejected outright rather than partially applied.
type HeartbeatRequest struct {
	HostID       string           `json:"host_id" validate:"required"`
	Servers      []ServerSnapshot `json:"servers" validate:"dive"`
	Timestamp    int64            `json:"timestamp" validate:"required"`
	TotalPlayers int              `json:"total_players" validate:"min=0"`
}

// Heartbeat response commands
const (
	CommandShutdown = "shutdown"
)

type HeartbeatResponse struct {
	Status  string `json:"status"`
	Command string `json:"command,omitempty"`
}

// StartupLogRequest carries one bootstrap or agent startup message for the
// host's provisioning log.
type StartupLogRequest struct {
	HostID  string `json:"host_id" validate:"required"`
	Message string `json:"message" validate:"required"`
}
