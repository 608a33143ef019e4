// Package provision orchestrates server creation and deletion across
// the allocation pool and the node agent.
//
// Reservation and rollback around the remote create are deliberately
// not one storage transaction: the agent call can take seconds and must
// not hold a database lock. The allocation claim commits immediately;
// if the agent then fails, a single compensating write releases it. The
// control plane accepts the brief window where an allocation appears
// claimed while the call is in flight, and never retains a
// claimed-but-unfulfilled allocation afterwards.
package provision

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"nodewarden/internal/allocations"
	"nodewarden/internal/daemon"
	"nodewarden/internal/domain"
	"nodewarden/internal/inventory"
)

// CapacityError indicates a node cannot fit the requested limits. It is
// a conflict, not a validation error: the same request may succeed on
// another node.
type CapacityError struct {
	NodeID    string
	Resource  string
	Requested int64
	Available int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("node %s: insufficient %s (requested %d MiB, %d MiB available)",
		e.NodeID, e.Resource, e.Requested, e.Available)
}

// Agent abstracts the node-agent calls the coordinator makes, so tests
// can inject failures without a live agent.
type Agent interface {
	CreateServer(ctx context.Context, node *domain.Node, req daemon.CreateRequest) error
	DeleteServer(ctx context.Context, node *domain.Node, serverUUID string, force bool) error
}

// DaemonAgent implements Agent over the daemon channel layer.
type DaemonAgent struct {
	Config daemon.Config
}

func (a *DaemonAgent) CreateServer(ctx context.Context, node *domain.Node, req daemon.CreateRequest) error {
	return daemon.NewServerChannel(node, req.UUID, a.Config).Create(ctx, req)
}

func (a *DaemonAgent) DeleteServer(ctx context.Context, node *domain.Node, serverUUID string, force bool) error {
	return daemon.NewServerChannel(node, serverUUID, a.Config).Delete(ctx, force)
}

// Request describes one provisioning attempt.
type Request struct {
	Name   string
	NodeID string
	Limits domain.Limits

	// AllocationID pins a specific allocation. Empty selects one
	// automatically.
	AllocationID string
}

// Coordinator drives the provisioning state machine:
// validate → reserve allocation → agent create → persist, with a single
// compensating release path on agent failure.
type Coordinator struct {
	repo     inventory.Repository
	selector *allocations.AutoSelector
	agent    Agent
	log      *slog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(repo inventory.Repository, selector *allocations.AutoSelector, agent Agent, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{repo: repo, selector: selector, agent: agent, log: log}
}

// Provision reserves an allocation, instructs the node agent to create
// the server, and persists the server row in installing status. On
// agent failure the reserved allocation is released and the original
// error surfaces unchanged.
func (c *Coordinator) Provision(ctx context.Context, req Request) (*domain.Server, error) {
	node, err := c.repo.GetNode(ctx, req.NodeID)
	if err != nil {
		return nil, err
	}
	if !node.Deployable {
		return nil, fmt.Errorf("node %q is not accepting deployments: %w", node.Name, domain.ErrConflict)
	}
	if err := checkCapacity(node, req.Limits); err != nil {
		// Fail fast: nothing has been reserved yet.
		return nil, err
	}

	serverID := uuid.NewString()
	serverUUID := uuid.NewString()

	var alloc *domain.Allocation
	if req.AllocationID != "" {
		alloc, err = c.selector.ClaimSpecific(ctx, req.AllocationID, serverID)
	} else {
		alloc, err = c.selector.Claim(ctx, node.ID, serverID)
	}
	if err != nil {
		return nil, err
	}

	createReq := daemon.CreateRequest{
		UUID:       serverUUID,
		Name:       req.Name,
		Limits:     req.Limits,
		Allocation: domain.Endpoint{IP: alloc.IP, Port: alloc.Port},
	}
	if err := c.agent.CreateServer(ctx, node, createReq); err != nil {
		c.rollbackAllocation(alloc)
		return nil, err
	}

	server := &domain.Server{
		ID:                  serverID,
		UUID:                serverUUID,
		NodeID:              node.ID,
		Name:                req.Name,
		Status:              domain.StatusInstalling,
		Limits:              req.Limits,
		PrimaryAllocationID: alloc.ID,
	}
	if err := c.repo.CreateServer(ctx, server); err != nil {
		// The agent-side server exists; tear it down best-effort
		// before releasing the allocation.
		if cleanupErr := c.agent.DeleteServer(context.WithoutCancel(ctx), node, serverUUID, true); cleanupErr != nil {
			c.log.Error("orphaned agent server after failed persist",
				"node", node.ID, "server_uuid", serverUUID, "error", cleanupErr)
		}
		c.rollbackAllocation(alloc)
		return nil, err
	}

	if err := c.repo.AdjustNodeUsage(ctx, node.ID, req.Limits.Memory, req.Limits.Disk); err != nil {
		c.log.Error("failed to record node usage", "node", node.ID, "server", serverID, "error", err)
	}

	c.log.Info("server provisioned",
		"server", serverID, "node", node.ID, "endpoint", fmt.Sprintf("%s:%d", alloc.IP, alloc.Port))
	return server, nil
}

// Delete destroys a server. The agent is asked first; only a confirmed
// destruction (or an explicit force) releases the server's allocations,
// returns its capacity, and removes the row.
func (c *Coordinator) Delete(ctx context.Context, serverID string, force bool) error {
	server, err := c.repo.GetServer(ctx, serverID)
	if err != nil {
		return err
	}
	node, err := c.repo.GetNode(ctx, server.NodeID)
	if err != nil {
		return err
	}

	if err := c.agent.DeleteServer(ctx, node, server.UUID, force); err != nil {
		if !force {
			return err
		}
		c.log.Warn("force delete proceeding despite agent error",
			"server", serverID, "node", node.ID, "error", err)
	}

	if _, err := c.repo.ReleaseServerAllocations(ctx, serverID); err != nil {
		return err
	}
	if err := c.repo.AdjustNodeUsage(ctx, node.ID, -server.Limits.Memory, -server.Limits.Disk); err != nil {
		c.log.Error("failed to return node capacity", "node", node.ID, "server", serverID, "error", err)
	}
	if err := c.repo.DeleteServer(ctx, serverID); err != nil {
		return err
	}

	c.log.Info("server deleted", "server", serverID, "node", node.ID, "force", force)
	return nil
}

// rollbackAllocation is the single compensating path for a reserved
// allocation whose remote create did not complete. It runs detached
// from the request context so an abandoned request still rolls back.
func (c *Coordinator) rollbackAllocation(alloc *domain.Allocation) {
	if err := c.repo.ReleaseAllocation(context.Background(), alloc.ID); err != nil {
		c.log.Error("failed to release reserved allocation",
			"allocation", alloc.ID, "node", alloc.NodeID, "error", err)
	}
}

func checkCapacity(node *domain.Node, limits domain.Limits) error {
	if free := node.FreeMemory(); limits.Memory > free {
		return &CapacityError{NodeID: node.ID, Resource: "memory", Requested: limits.Memory, Available: free}
	}
	if free := node.FreeDisk(); limits.Disk > free {
		return &CapacityError{NodeID: node.ID, Resource: "disk", Requested: limits.Disk, Available: free}
	}
	return nil
}
