package models

import "time"

// Host lifecycle status constants
type HostStatus string

const (
	HostStatusProvisioning HostStatus = "provisioning" // cloud resource created, agent not yet heard from
	HostStatusActive       HostStatus = "active"       // heartbeats arriving
	HostStatusInactive     HostStatus = "inactive"     // heartbeat missing for more than the inactive threshold
	HostStatusDraining     HostStatus = "draining"     // graceful shutdown requested, waiting for the agent to drain
)

// HostInfo is the externally visible view of a registry host, used by the
// admin endpoints and tests. The registry owns the mutable runtime state;
// this is always a copy.
type HostInfo struct {
	ID            string           `json:"host_id"`
	Address       string           `json:"address"`
	ResourceID    *int64           `json:"resource_id,omitempty"` // absent for the master host
	Status        HostStatus       `json:"status"`
	IsMaster      bool             `json:"is_master"`
	CreatedAt     time.Time        `json:"created_at"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
	EmptySince    *time.Time       `json:"empty_since,omitempty"`
	TotalPlayers  int              `json:"total_players"`
	Servers       []ServerSnapshot `json:"servers"`
}

// MasterHostID returns the reserved id of the control plane's own host.
func MasterHostID(publicAddress string) string {
	return "main-" + publicAddress
}
