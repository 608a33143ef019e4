package domain

import (
	"fmt"
	"time"
)

// Node is a host running the remote execution agent. It owns the
// allocation pool for its address space and hosts zero or more servers.
type Node struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Agent reachability. The control plane only ever talks to the
	// node through the agent's HTTP API at Scheme://Host:Port.
	Scheme string `json:"scheme"`
	Host   string `json:"host"`
	Port   int    `json:"port"`

	// Token is the per-node bearer credential for the agent API.
	Token string `json:"-"`

	// Capacity view in MiB. Allocated is the sum of limits of servers
	// placed on the node, maintained by the provisioning coordinator.
	MemoryTotal     int64 `json:"memory_total"`
	MemoryAllocated int64 `json:"memory_allocated"`
	DiskTotal       int64 `json:"disk_total"`
	DiskAllocated   int64 `json:"disk_allocated"`

	// Deployable gates self-service provisioning. An operator can park
	// a node without removing it from the inventory.
	Deployable bool `json:"deployable"`

	// DeployFeeCents is charged per deployment by the (out of scope)
	// billing layer.
	DeployFeeCents int64 `json:"deploy_fee_cents"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BaseURL returns the root URL of the node's agent API.
func (n *Node) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", n.Scheme, n.Host, n.Port)
}

// FreeMemory returns the unallocated memory capacity in MiB.
func (n *Node) FreeMemory() int64 { return n.MemoryTotal - n.MemoryAllocated }

// FreeDisk returns the unallocated disk capacity in MiB.
func (n *Node) FreeDisk() int64 { return n.DiskTotal - n.DiskAllocated }
