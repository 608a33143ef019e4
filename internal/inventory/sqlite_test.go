package inventory

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"nodewarden/internal/domain"
)

func tempRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nodewarden.db")
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func seedNode(t *testing.T, r *SQLiteRepository) *domain.Node {
	t.Helper()
	node := &domain.Node{
		Name:        "node-" + t.Name(),
		Scheme:      "http",
		Host:        "10.0.0.1",
		Port:        8080,
		Token:       "token",
		MemoryTotal: 32768,
		DiskTotal:   512000,
		Deployable:  true,
	}
	if err := r.CreateNode(context.Background(), node); err != nil {
		t.Fatalf("CreateNode failed: %v", err)
	}
	return node
}

func seedAllocations(t *testing.T, r *SQLiteRepository, nodeID string, endpoints []domain.Endpoint) {
	t.Helper()
	if _, err := r.InsertAllocations(context.Background(), nodeID, endpoints); err != nil {
		t.Fatalf("InsertAllocations failed: %v", err)
	}
}

func TestInsertAllocations_SkipsExisting(t *testing.T) {
	r := tempRepo(t)
	node := seedNode(t, r)
	ctx := context.Background()

	first := []domain.Endpoint{
		{IP: "10.0.0.1", Port: 25565},
		{IP: "10.0.0.1", Port: 25566},
	}
	n, err := r.InsertAllocations(ctx, node.ID, first)
	if err != nil {
		t.Fatalf("InsertAllocations failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("inserted %d, want 2", n)
	}

	// Overlapping re-submission inserts only the new endpoint.
	second := append(first, domain.Endpoint{IP: "10.0.0.1", Port: 25567})
	n, err = r.InsertAllocations(ctx, node.ID, second)
	if err != nil {
		t.Fatalf("overlapping InsertAllocations failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("inserted %d on re-submission, want 1", n)
	}

	allocs, err := r.ListAllocations(ctx, node.ID)
	if err != nil {
		t.Fatalf("ListAllocations failed: %v", err)
	}
	if len(allocs) != 3 {
		t.Fatalf("pool has %d allocations, want 3", len(allocs))
	}
}

func TestInsertAllocations_FullResubmissionIsNoOp(t *testing.T) {
	r := tempRepo(t)
	node := seedNode(t, r)
	ctx := context.Background()

	endpoints := []domain.Endpoint{
		{IP: "192.168.0.5", Port: 8000},
		{IP: "192.168.0.5", Port: 8001},
		{IP: "192.168.0.6", Port: 8000},
	}
	if _, err := r.InsertAllocations(ctx, node.ID, endpoints); err != nil {
		t.Fatalf("InsertAllocations failed: %v", err)
	}
	n, err := r.InsertAllocations(ctx, node.ID, endpoints)
	if err != nil {
		t.Fatalf("re-submission failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("re-submission inserted %d, want 0", n)
	}
}

func TestClaimFreeAllocation_Atomic(t *testing.T) {
	r := tempRepo(t)
	node := seedNode(t, r)
	ctx := context.Background()

	seedAllocations(t, r, node.ID, []domain.Endpoint{
		{IP: "10.0.0.1", Port: 25565},
		{IP: "10.0.0.1", Port: 25566},
	})

	a, err := r.ClaimFreeAllocation(ctx, node.ID, "srv-1")
	if err != nil {
		t.Fatalf("ClaimFreeAllocation failed: %v", err)
	}
	if a.ServerID != "srv-1" {
		t.Errorf("claimed allocation server = %q, want srv-1", a.ServerID)
	}

	got, err := r.GetAllocation(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAllocation failed: %v", err)
	}
	if got.ServerID != "srv-1" {
		t.Errorf("persisted server = %q, want srv-1", got.ServerID)
	}
}

// Concurrent claims against a node with K free allocations must produce
// exactly K winners and no double-claimed row.
func TestClaimFreeAllocation_Concurrent(t *testing.T) {
	r := tempRepo(t)
	node := seedNode(t, r)
	ctx := context.Background()

	const free = 3
	const callers = 8

	endpoints := make([]domain.Endpoint, 0, free)
	for i := 0; i < free; i++ {
		endpoints = append(endpoints, domain.Endpoint{IP: "10.0.0.1", Port: 30000 + i})
	}
	seedAllocations(t, r, node.ID, endpoints)

	var wg sync.WaitGroup
	results := make([]error, callers)
	claimed := make([]*domain.Allocation, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			serverID := "srv-" + string(rune('a'+i))
			claimed[i], results[i] = r.ClaimFreeAllocation(ctx, node.ID, serverID)
		}(i)
	}
	wg.Wait()

	wins := 0
	seen := map[string]int{}
	for i, err := range results {
		switch {
		case err == nil:
			wins++
			seen[claimed[i].ID]++
		case errors.Is(err, domain.ErrNotFound):
		default:
			t.Fatalf("caller %d: unexpected error: %v", i, err)
		}
	}
	if wins != free {
		t.Fatalf("%d successful claims, want %d", wins, free)
	}
	for id, count := range seen {
		if count > 1 {
			t.Fatalf("allocation %q claimed %d times", id, count)
		}
	}
}

func TestClaimAllocation_AlreadyBound(t *testing.T) {
	r := tempRepo(t)
	node := seedNode(t, r)
	ctx := context.Background()

	seedAllocations(t, r, node.ID, []domain.Endpoint{{IP: "10.0.0.1", Port: 25565}})
	allocs, _ := r.ListAllocations(ctx, node.ID)

	if _, err := r.ClaimAllocation(ctx, allocs[0].ID, "srv-1"); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	_, err := r.ClaimAllocation(ctx, allocs[0].ID, "srv-2")
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second claim error = %v, want ErrConflict", err)
	}
}

func TestDeleteFreeAllocation(t *testing.T) {
	r := tempRepo(t)
	node := seedNode(t, r)
	ctx := context.Background()

	seedAllocations(t, r, node.ID, []domain.Endpoint{
		{IP: "10.0.0.1", Port: 25565},
		{IP: "10.0.0.1", Port: 25566},
	})
	allocs, _ := r.ListAllocations(ctx, node.ID)

	if _, err := r.ClaimAllocation(ctx, allocs[0].ID, "srv-1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	// Bound allocation refuses deletion and stays intact.
	err := r.DeleteFreeAllocation(ctx, allocs[0].ID)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("delete bound allocation error = %v, want ErrConflict", err)
	}
	if got, _ := r.GetAllocation(ctx, allocs[0].ID); got == nil || got.ServerID != "srv-1" {
		t.Fatal("bound allocation was mutated by refused delete")
	}

	// Free allocation deletes cleanly.
	if err := r.DeleteFreeAllocation(ctx, allocs[1].ID); err != nil {
		t.Fatalf("delete free allocation failed: %v", err)
	}
	if _, err := r.GetAllocation(ctx, allocs[1].ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("deleted allocation lookup error = %v, want ErrNotFound", err)
	}

	// Missing allocation reports not-found, not conflict.
	err = r.DeleteFreeAllocation(ctx, "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("delete missing allocation error = %v, want ErrNotFound", err)
	}
}

func TestReleaseServerAllocations(t *testing.T) {
	r := tempRepo(t)
	node := seedNode(t, r)
	ctx := context.Background()

	seedAllocations(t, r, node.ID, []domain.Endpoint{
		{IP: "10.0.0.1", Port: 25565},
		{IP: "10.0.0.1", Port: 25566},
	})
	allocs, _ := r.ListAllocations(ctx, node.ID)
	for _, a := range allocs {
		if _, err := r.ClaimAllocation(ctx, a.ID, "srv-1"); err != nil {
			t.Fatalf("claim failed: %v", err)
		}
	}

	n, err := r.ReleaseServerAllocations(ctx, "srv-1")
	if err != nil {
		t.Fatalf("ReleaseServerAllocations failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("released %d, want 2", n)
	}
	for _, a := range allocs {
		got, _ := r.GetAllocation(ctx, a.ID)
		if !got.Free() {
			t.Errorf("allocation %q still bound after release", a.ID)
		}
	}
}

func TestServerLifecycle(t *testing.T) {
	r := tempRepo(t)
	node := seedNode(t, r)
	ctx := context.Background()

	server := &domain.Server{
		UUID:   "uuid-1",
		NodeID: node.ID,
		Name:   "web",
		Status: domain.StatusInstalling,
		Limits: domain.Limits{CPU: 100, Memory: 2048, Disk: 10240, IO: 500},
	}
	if err := r.CreateServer(ctx, server); err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}
	if server.ID == "" {
		t.Fatal("expected server ID to be assigned")
	}

	if err := r.UpdateServerStatus(ctx, server.ID, domain.StatusRunning); err != nil {
		t.Fatalf("UpdateServerStatus failed: %v", err)
	}
	got, err := r.GetServer(ctx, server.ID)
	if err != nil {
		t.Fatalf("GetServer failed: %v", err)
	}
	if got.Status != domain.StatusRunning {
		t.Errorf("status = %q, want running", got.Status)
	}
	if got.Limits != server.Limits {
		t.Errorf("limits = %+v, want %+v", got.Limits, server.Limits)
	}

	if err := r.DeleteServer(ctx, server.ID); err != nil {
		t.Fatalf("DeleteServer failed: %v", err)
	}
	if _, err := r.GetServer(ctx, server.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("deleted server lookup error = %v, want ErrNotFound", err)
	}
}

func TestAdjustNodeUsage(t *testing.T) {
	r := tempRepo(t)
	node := seedNode(t, r)
	ctx := context.Background()

	if err := r.AdjustNodeUsage(ctx, node.ID, 2048, 10240); err != nil {
		t.Fatalf("AdjustNodeUsage failed: %v", err)
	}
	got, _ := r.GetNode(ctx, node.ID)
	if got.MemoryAllocated != 2048 || got.DiskAllocated != 10240 {
		t.Fatalf("allocated = %d/%d, want 2048/10240", got.MemoryAllocated, got.DiskAllocated)
	}

	if err := r.AdjustNodeUsage(ctx, node.ID, -2048, -10240); err != nil {
		t.Fatalf("negative AdjustNodeUsage failed: %v", err)
	}
	got, _ = r.GetNode(ctx, node.ID)
	if got.MemoryAllocated != 0 || got.DiskAllocated != 0 {
		t.Fatalf("allocated = %d/%d after release, want 0/0", got.MemoryAllocated, got.DiskAllocated)
	}

	if err := r.AdjustNodeUsage(ctx, "missing", 1, 1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing node error = %v, want ErrNotFound", err)
	}
}
