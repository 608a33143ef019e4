package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"nodewarden/internal/database"
	"nodewarden/internal/domain"
)

// SQLiteRepository implements Repository backed by the daemon's SQLite
// database.
type SQLiteRepository struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*SQLiteRepository, error) {
	db, err := database.Open(path)
	if err != nil {
		return nil, err
	}

	r := &SQLiteRepository{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// New wraps an already-open database handle and runs migrations.
func New(db *sql.DB) (*SQLiteRepository, error) {
	r := &SQLiteRepository{db: db}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRepository) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			id               TEXT    PRIMARY KEY,
			name             TEXT    NOT NULL UNIQUE,
			scheme           TEXT    NOT NULL DEFAULT 'http',
			host             TEXT    NOT NULL,
			port             INTEGER NOT NULL,
			token            TEXT    NOT NULL DEFAULT '',
			memory_total     INTEGER NOT NULL DEFAULT 0,
			memory_allocated INTEGER NOT NULL DEFAULT 0,
			disk_total       INTEGER NOT NULL DEFAULT 0,
			disk_allocated   INTEGER NOT NULL DEFAULT 0,
			deployable       INTEGER NOT NULL DEFAULT 1,
			deploy_fee_cents INTEGER NOT NULL DEFAULT 0,
			created_at       TEXT    NOT NULL,
			updated_at       TEXT    NOT NULL
		);`,
		// server_id carries no foreign key: an allocation is claimed
		// before its server row exists, and released after the row is
		// gone.
		`CREATE TABLE IF NOT EXISTS allocations (
			id        TEXT    PRIMARY KEY,
			node_id   TEXT    NOT NULL REFERENCES nodes(id),
			ip        TEXT    NOT NULL,
			port      INTEGER NOT NULL,
			alias     TEXT    NOT NULL DEFAULT '',
			server_id TEXT,
			notes     TEXT    NOT NULL DEFAULT '',
			UNIQUE (node_id, ip, port)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_allocations_node_free ON allocations(node_id, server_id);`,
		`CREATE TABLE IF NOT EXISTS servers (
			id                    TEXT    PRIMARY KEY,
			uuid                  TEXT    NOT NULL UNIQUE,
			node_id               TEXT    NOT NULL REFERENCES nodes(id),
			name                  TEXT    NOT NULL,
			status                TEXT    NOT NULL,
			cpu_limit             INTEGER NOT NULL DEFAULT 0,
			memory_limit          INTEGER NOT NULL DEFAULT 0,
			disk_limit            INTEGER NOT NULL DEFAULT 0,
			swap_limit            INTEGER NOT NULL DEFAULT 0,
			io_weight             INTEGER NOT NULL DEFAULT 500,
			primary_allocation_id TEXT    NOT NULL DEFAULT '',
			created_at            TEXT    NOT NULL,
			updated_at            TEXT    NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_servers_node ON servers(node_id);`,
	}
	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("inventory: migration failed: %w", err)
		}
	}
	return nil
}

// Close releases database resources.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// --- Nodes ---

func (r *SQLiteRepository) CreateNode(ctx context.Context, node *domain.Node) error {
	now := time.Now().UTC()
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	node.CreatedAt = now
	node.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO nodes (id, name, scheme, host, port, token, memory_total, memory_allocated,
		                   disk_total, disk_allocated, deployable, deploy_fee_cents, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.ID, node.Name, node.Scheme, node.Host, node.Port, node.Token,
		node.MemoryTotal, node.MemoryAllocated, node.DiskTotal, node.DiskAllocated,
		boolToInt(node.Deployable), node.DeployFeeCents,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("inventory: node %q: %w", node.Name, domain.ErrConflict)
		}
		return fmt.Errorf("inventory: insert node failed: %w", err)
	}
	return nil
}

const nodeColumns = `id, name, scheme, host, port, token, memory_total, memory_allocated,
	disk_total, disk_allocated, deployable, deploy_fee_cents, created_at, updated_at`

func (r *SQLiteRepository) GetNode(ctx context.Context, id string) (*domain.Node, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)

	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("inventory: node %q: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("inventory: query node failed: %w", err)
	}
	return node, nil
}

func (r *SQLiteRepository) ListNodes(ctx context.Context) ([]domain.Node, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("inventory: list nodes failed: %w", err)
	}
	defer rows.Close()

	var nodes []domain.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("inventory: scan node failed: %w", err)
		}
		nodes = append(nodes, *node)
	}
	return nodes, rows.Err()
}

func (r *SQLiteRepository) AdjustNodeUsage(ctx context.Context, nodeID string, memoryDelta, diskDelta int64) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE nodes
		SET memory_allocated = memory_allocated + ?,
		    disk_allocated   = disk_allocated + ?,
		    updated_at       = ?
		WHERE id = ?`,
		memoryDelta, diskDelta, time.Now().UTC().Format(time.RFC3339Nano), nodeID,
	)
	if err != nil {
		return fmt.Errorf("inventory: adjust node usage failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("inventory: node %q: %w", nodeID, domain.ErrNotFound)
	}
	return nil
}

// --- Allocations ---

func (r *SQLiteRepository) InsertAllocations(ctx context.Context, nodeID string, endpoints []domain.Endpoint) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("inventory: begin insert failed: %w", err)
	}
	defer tx.Rollback()

	// ON CONFLICT DO NOTHING makes re-submission of an overlapping
	// range a no-op for the rows already present, while the unique
	// constraint still rejects a genuine double insert racing past the
	// application.
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO allocations (id, node_id, ip, port)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (node_id, ip, port) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("inventory: prepare insert failed: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, ep := range endpoints {
		result, err := stmt.ExecContext(ctx, uuid.NewString(), nodeID, ep.IP, ep.Port)
		if err != nil {
			return 0, fmt.Errorf("inventory: insert allocation %s:%d failed: %w", ep.IP, ep.Port, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("inventory: commit insert failed: %w", err)
	}
	return inserted, nil
}

const allocationColumns = `id, node_id, ip, port, alias, server_id, notes`

func (r *SQLiteRepository) GetAllocation(ctx context.Context, id string) (*domain.Allocation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE id = ?`, id)

	alloc, err := scanAllocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("inventory: allocation %q: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("inventory: query allocation failed: %w", err)
	}
	return alloc, nil
}

func (r *SQLiteRepository) ListAllocations(ctx context.Context, nodeID string) ([]domain.Allocation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+allocationColumns+` FROM allocations
		WHERE node_id = ? ORDER BY ip, port`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("inventory: list allocations failed: %w", err)
	}
	defer rows.Close()

	var allocs []domain.Allocation
	for rows.Next() {
		alloc, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("inventory: scan allocation failed: %w", err)
		}
		allocs = append(allocs, *alloc)
	}
	return allocs, rows.Err()
}

func (r *SQLiteRepository) DeleteFreeAllocation(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM allocations WHERE id = ? AND server_id IS NULL`, id)
	if err != nil {
		return fmt.Errorf("inventory: delete allocation failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}

	// Nothing deleted: either the row is bound or it never existed.
	if _, err := r.GetAllocation(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("inventory: allocation %q is bound to a server: %w", id, domain.ErrConflict)
}

func (r *SQLiteRepository) ClaimFreeAllocation(ctx context.Context, nodeID, serverID string) (*domain.Allocation, error) {
	// Select and mark in one statement; two racing claims can never
	// resolve the inner SELECT to the same row and both update it.
	row := r.db.QueryRowContext(ctx, `
		UPDATE allocations SET server_id = ?
		WHERE id = (
			SELECT id FROM allocations
			WHERE node_id = ? AND server_id IS NULL
			ORDER BY ip, port
			LIMIT 1
		)
		RETURNING `+allocationColumns, serverID, nodeID)

	alloc, err := scanAllocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("inventory: no free allocation on node %q: %w", nodeID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("inventory: claim allocation failed: %w", err)
	}
	return alloc, nil
}

func (r *SQLiteRepository) ClaimAllocation(ctx context.Context, id, serverID string) (*domain.Allocation, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE allocations SET server_id = ?
		WHERE id = ? AND server_id IS NULL
		RETURNING `+allocationColumns, serverID, id)

	alloc, err := scanAllocation(row)
	if err == nil {
		return alloc, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("inventory: claim allocation failed: %w", err)
	}

	if _, err := r.GetAllocation(ctx, id); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("inventory: allocation %q is already bound: %w", id, domain.ErrConflict)
}

func (r *SQLiteRepository) ReleaseAllocation(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE allocations SET server_id = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("inventory: release allocation failed: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ReleaseServerAllocations(ctx context.Context, serverID string) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE allocations SET server_id = NULL WHERE server_id = ?`, serverID)
	if err != nil {
		return 0, fmt.Errorf("inventory: release server allocations failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// --- Servers ---

func (r *SQLiteRepository) CreateServer(ctx context.Context, server *domain.Server) error {
	now := time.Now().UTC()
	if server.ID == "" {
		server.ID = uuid.NewString()
	}
	server.CreatedAt = now
	server.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO servers (id, uuid, node_id, name, status, cpu_limit, memory_limit,
		                     disk_limit, swap_limit, io_weight, primary_allocation_id,
		                     created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		server.ID, server.UUID, server.NodeID, server.Name, string(server.Status),
		server.Limits.CPU, server.Limits.Memory, server.Limits.Disk,
		server.Limits.Swap, server.Limits.IO, server.PrimaryAllocationID,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("inventory: server %q: %w", server.UUID, domain.ErrConflict)
		}
		return fmt.Errorf("inventory: insert server failed: %w", err)
	}
	return nil
}

const serverColumns = `id, uuid, node_id, name, status, cpu_limit, memory_limit,
	disk_limit, swap_limit, io_weight, primary_allocation_id, created_at, updated_at`

func (r *SQLiteRepository) GetServer(ctx context.Context, id string) (*domain.Server, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = ?`, id)

	server, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("inventory: server %q: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("inventory: query server failed: %w", err)
	}
	return server, nil
}

func (r *SQLiteRepository) UpdateServerStatus(ctx context.Context, id string, status domain.ServerStatus) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE servers SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("inventory: update server status failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("inventory: server %q: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepository) DeleteServer(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("inventory: delete server failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("inventory: server %q: %w", id, domain.ErrNotFound)
	}
	return nil
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanNode(row scannable) (*domain.Node, error) {
	var n domain.Node
	var deployable int
	var createdStr, updatedStr string
	err := row.Scan(
		&n.ID, &n.Name, &n.Scheme, &n.Host, &n.Port, &n.Token,
		&n.MemoryTotal, &n.MemoryAllocated, &n.DiskTotal, &n.DiskAllocated,
		&deployable, &n.DeployFeeCents, &createdStr, &updatedStr,
	)
	if err != nil {
		return nil, err
	}
	n.Deployable = deployable != 0
	n.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	n.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &n, nil
}

func scanAllocation(row scannable) (*domain.Allocation, error) {
	var a domain.Allocation
	var serverID sql.NullString
	err := row.Scan(&a.ID, &a.NodeID, &a.IP, &a.Port, &a.Alias, &serverID, &a.Notes)
	if err != nil {
		return nil, err
	}
	a.ServerID = serverID.String
	return &a, nil
}

func scanServer(row scannable) (*domain.Server, error) {
	var s domain.Server
	var status string
	var createdStr, updatedStr string
	err := row.Scan(
		&s.ID, &s.UUID, &s.NodeID, &s.Name, &status,
		&s.Limits.CPU, &s.Limits.Memory, &s.Limits.Disk, &s.Limits.Swap, &s.Limits.IO,
		&s.PrimaryAllocationID, &createdStr, &updatedStr,
	)
	if err != nil {
		return nil, err
	}
	s.Status = domain.ServerStatus(status)
	s.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation reports whether err is a SQLite unique-constraint
// failure. modernc.org/sqlite does not export a stable error type for
// this, so the message is matched.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
