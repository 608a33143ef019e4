// Package allocations implements the control-plane services that manage
// the network endpoint pool: bulk assignment, deletion, and the
// race-safe claim used during self-service provisioning.
package allocations

import (
	"context"
	"errors"
	"fmt"

	"nodewarden/internal/domain"
	"nodewarden/internal/inventory"
	"nodewarden/internal/netrange"
)

var (
	// ErrAllocationInUse indicates an attempt to delete an allocation
	// that is bound to a server.
	ErrAllocationInUse = errors.New("allocation is in use by a server")

	// ErrNoViableAllocation indicates a node has no free allocation to
	// satisfy a deployment.
	ErrNoViableAllocation = errors.New("no viable allocation available")
)

// AssignmentService expands an operator-supplied range specification and
// persists the derived endpoints as free allocations.
type AssignmentService struct {
	repo   inventory.Repository
	policy netrange.Policy
}

// NewAssignmentService creates an AssignmentService with the given
// expansion policy.
func NewAssignmentService(repo inventory.Repository, policy netrange.Policy) *AssignmentService {
	return &AssignmentService{repo: repo, policy: policy}
}

// Assign expands ipToken and portToken and inserts the endpoints not
// already present on the node as free allocations, all inside one
// storage transaction. It returns the number of rows created.
// Re-submitting an overlapping range is a no-op for the endpoints that
// already exist, never an error. No node-agent call is made: an
// allocation is a control-plane reservation, independent of whether the
// agent has opened the port.
func (s *AssignmentService) Assign(ctx context.Context, nodeID, ipToken, portToken string) (int, error) {
	if _, err := s.repo.GetNode(ctx, nodeID); err != nil {
		return 0, err
	}

	endpoints, err := netrange.Expand(ipToken, portToken, s.policy)
	if err != nil {
		return 0, err
	}

	created, err := s.repo.InsertAllocations(ctx, nodeID, endpoints)
	if err != nil {
		return 0, fmt.Errorf("assign allocations on node %q: %w", nodeID, err)
	}
	return created, nil
}

// DeletionService removes single allocations from the pool.
type DeletionService struct {
	repo inventory.Repository
}

// NewDeletionService creates a DeletionService.
func NewDeletionService(repo inventory.Repository) *DeletionService {
	return &DeletionService{repo: repo}
}

// Delete removes the allocation if it is free. A bound allocation is
// never silently detached; the caller gets ErrAllocationInUse.
func (s *DeletionService) Delete(ctx context.Context, allocationID string) error {
	err := s.repo.DeleteFreeAllocation(ctx, allocationID)
	if errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("allocation %q: %w", allocationID, ErrAllocationInUse)
	}
	return err
}

// AutoSelector claims allocations for deployments.
type AutoSelector struct {
	repo inventory.Repository
}

// NewAutoSelector creates an AutoSelector.
func NewAutoSelector(repo inventory.Repository) *AutoSelector {
	return &AutoSelector{repo: repo}
}

// Claim binds one free allocation on the node to serverID and returns
// it. The select-and-mark is a single atomic statement in the
// repository, so concurrent deployments against the same node can never
// claim the same endpoint. An exhausted pool returns
// ErrNoViableAllocation.
func (s *AutoSelector) Claim(ctx context.Context, nodeID, serverID string) (*domain.Allocation, error) {
	alloc, err := s.repo.ClaimFreeAllocation(ctx, nodeID, serverID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("node %q: %w", nodeID, ErrNoViableAllocation)
	}
	if err != nil {
		return nil, err
	}
	return alloc, nil
}

// ClaimSpecific binds the explicitly requested allocation to serverID.
// The bind is the same conditional update as Claim, so an allocation
// raced away by another deployment surfaces as a conflict rather than a
// double-assignment.
func (s *AutoSelector) ClaimSpecific(ctx context.Context, allocationID, serverID string) (*domain.Allocation, error) {
	return s.repo.ClaimAllocation(ctx, allocationID, serverID)
}
