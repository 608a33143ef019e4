// Package inventory provides persistent storage for nodes, allocations,
// and servers.
//
// Allocation uniqueness — one (node, ip, port) triple per row across the
// whole pool — is enforced by the database as a hard constraint, and the
// claim operations are single conditional statements so that concurrent
// provisioning requests can never bind the same endpoint twice.
package inventory

import (
	"context"

	"nodewarden/internal/domain"
)

// Repository defines the persistence interface for the control plane's
// durable state.
type Repository interface {
	// CreateNode inserts a new node. The caller assigns the ID.
	CreateNode(ctx context.Context, node *domain.Node) error

	// GetNode retrieves a node by ID. Missing nodes return an error
	// wrapping domain.ErrNotFound.
	GetNode(ctx context.Context, id string) (*domain.Node, error)

	// ListNodes returns all nodes ordered by name.
	ListNodes(ctx context.Context) ([]domain.Node, error)

	// AdjustNodeUsage applies deltas (MiB, may be negative) to a
	// node's allocated memory and disk counters.
	AdjustNodeUsage(ctx context.Context, nodeID string, memoryDelta, diskDelta int64) error

	// InsertAllocations inserts endpoints as free allocations on a
	// node inside one transaction. Endpoints already present on the
	// node are skipped, not errors. Returns the number inserted.
	InsertAllocations(ctx context.Context, nodeID string, endpoints []domain.Endpoint) (int, error)

	// GetAllocation retrieves an allocation by ID.
	GetAllocation(ctx context.Context, id string) (*domain.Allocation, error)

	// ListAllocations returns a node's allocations ordered by ip, port.
	ListAllocations(ctx context.Context, nodeID string) ([]domain.Allocation, error)

	// DeleteFreeAllocation deletes an allocation only while it is
	// unbound. A bound allocation returns an error wrapping
	// domain.ErrConflict; a missing one wraps domain.ErrNotFound.
	DeleteFreeAllocation(ctx context.Context, id string) error

	// ClaimFreeAllocation atomically binds one free allocation on the
	// node to serverID and returns it. An exhausted pool returns an
	// error wrapping domain.ErrNotFound.
	ClaimFreeAllocation(ctx context.Context, nodeID, serverID string) (*domain.Allocation, error)

	// ClaimAllocation atomically binds the specific allocation to
	// serverID. An already-bound allocation returns an error wrapping
	// domain.ErrConflict.
	ClaimAllocation(ctx context.Context, id, serverID string) (*domain.Allocation, error)

	// ReleaseAllocation unbinds a single allocation.
	ReleaseAllocation(ctx context.Context, id string) error

	// ReleaseServerAllocations unbinds every allocation held by a
	// server and returns how many were released.
	ReleaseServerAllocations(ctx context.Context, serverID string) (int, error)

	// CreateServer inserts a new server row.
	CreateServer(ctx context.Context, server *domain.Server) error

	// GetServer retrieves a server by ID.
	GetServer(ctx context.Context, id string) (*domain.Server, error)

	// UpdateServerStatus advances a server's lifecycle status.
	UpdateServerStatus(ctx context.Context, id string, status domain.ServerStatus) error

	// DeleteServer removes a server row. Its allocations must be
	// released separately; deletion never cascades into the pool.
	DeleteServer(ctx context.Context, id string) error

	// Close releases database resources.
	Close() error
}
