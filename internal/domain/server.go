package domain

import "time"

// ServerStatus is the lifecycle status of a server. It advances only in
// response to confirmed agent responses or agent-pushed status events.
type ServerStatus string

const (
	StatusInstalling   ServerStatus = "installing"
	StatusRunning      ServerStatus = "running"
	StatusStopping     ServerStatus = "stopping"
	StatusOffline      ServerStatus = "offline"
	StatusSuspended    ServerStatus = "suspended"
	StatusTransferring ServerStatus = "transferring"
)

// Limits are the resource limits requested for a server. CPU is a
// percentage of one core (200 = two cores); Memory, Disk and Swap are
// MiB; IO is the relative block-IO weight passed through to the agent.
type Limits struct {
	CPU    int   `json:"cpu"`
	Memory int64 `json:"memory"`
	Disk   int64 `json:"disk"`
	Swap   int64 `json:"swap"`
	IO     int   `json:"io"`
}

// Server is a provisioned instance on a node. UUID is the identity the
// node agent knows it by; ID is the control-plane identity.
type Server struct {
	ID     string       `json:"id"`
	UUID   string       `json:"uuid"`
	NodeID string       `json:"node_id"`
	Name   string       `json:"name"`
	Status ServerStatus `json:"status"`
	Limits Limits       `json:"limits"`

	// PrimaryAllocationID designates which of the server's bound
	// allocations is the primary endpoint. It must always refer to an
	// allocation bound to this server.
	PrimaryAllocationID string `json:"primary_allocation_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
