package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"nodewarden/internal/allocations"
	"nodewarden/internal/daemon"
	"nodewarden/internal/domain"
	"nodewarden/internal/inventory"
	"nodewarden/internal/netrange"
	"nodewarden/internal/provision"
	"nodewarden/internal/statscache"
)

// fakeAgent is an httptest server speaking the node agent protocol.
type fakeAgent struct {
	srv *httptest.Server

	statsCalls  atomic.Int64
	powerCalls  atomic.Int64
	lastSignal  atomic.Value
	systemCalls atomic.Int64
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	a := &fakeAgent{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/system", func(w http.ResponseWriter, r *http.Request) {
		a.systemCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"version":"1.11.0","kernel_version":"6.8.0","architecture":"amd64","os":"linux","cpu_count":16}`)
	})
	mux.HandleFunc("POST /api/servers", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("POST /api/servers/{uuid}/power", func(w http.ResponseWriter, r *http.Request) {
		a.powerCalls.Add(1)
		var body struct {
			Signal string `json:"signal"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		a.lastSignal.Store(body.Signal)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/servers/{uuid}/resources", func(w http.ResponseWriter, r *http.Request) {
		a.statsCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"cpu_absolute":42.5,"memory_bytes":1073741824,"disk_bytes":0,"uptime":120,"state":"running"}`)
	})
	mux.HandleFunc("DELETE /api/servers/{uuid}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	a.srv = httptest.NewServer(mux)
	t.Cleanup(a.srv.Close)
	return a
}

func (a *fakeAgent) endpoint(t *testing.T) (host string, port int) {
	t.Helper()
	u, err := url.Parse(a.srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return host, port
}

type harness struct {
	repo  inventory.Repository
	node  *domain.Node
	agent *fakeAgent
	mux   *http.ServeMux
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	repo, err := inventory.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { repo.Close() })

	agent := newFakeAgent(t)
	host, port := agent.endpoint(t)
	node := &domain.Node{
		Name:        "node-1",
		Scheme:      "http",
		Host:        host,
		Port:        port,
		Token:       "agent-token",
		MemoryTotal: 8192,
		DiskTotal:   102400,
		Deployable:  true,
	}
	if err := repo.CreateNode(context.Background(), node); err != nil {
		t.Fatal(err)
	}

	log := slog.New(slog.DiscardHandler)
	agentCfg := daemon.DefaultConfig()
	assign := allocations.NewAssignmentService(repo, netrange.DefaultPolicy())
	deletion := allocations.NewDeletionService(repo)
	selector := allocations.NewAutoSelector(repo)
	coordinator := provision.NewCoordinator(repo, selector, &provision.DaemonAgent{Config: agentCfg}, log)

	fetch := func(ctx context.Context, serverID string) (*domain.ResourceUsage, error) {
		server, err := repo.GetServer(ctx, serverID)
		if err != nil {
			return nil, err
		}
		n, err := repo.GetNode(ctx, server.NodeID)
		if err != nil {
			return nil, err
		}
		return daemon.NewServerChannel(n, server.UUID, agentCfg).Details(ctx)
	}
	stats := statscache.New(fetch, statscache.DefaultTTL)

	h := New(repo, assign, deletion, coordinator, stats, agentCfg, log)
	return &harness{repo: repo, node: node, agent: agent, mux: h.Routes()}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	return rec
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Errors []struct {
			Code   string `json:"code"`
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body %q: %v", rec.Body.String(), err)
	}
	if len(body.Errors) != 1 {
		t.Fatalf("expected one error entry, got %q", rec.Body.String())
	}
	return body.Errors[0].Code
}

func (h *harness) createServer(t *testing.T) *domain.Server {
	t.Helper()
	if _, err := h.repo.InsertAllocations(context.Background(), h.node.ID, []domain.Endpoint{
		{IP: "10.0.0.1", Port: 25565},
	}); err != nil {
		t.Fatal(err)
	}
	rec := h.do(t, http.MethodPost, "/api/servers", map[string]any{
		"name":    "lobby",
		"node_id": h.node.ID,
		"limits":  domain.Limits{CPU: 200, Memory: 2048, Disk: 10240},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create server: status %d, body %s", rec.Code, rec.Body.String())
	}
	var server domain.Server
	if err := json.Unmarshal(rec.Body.Bytes(), &server); err != nil {
		t.Fatal(err)
	}
	return &server
}

func TestCreateAllocations(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/nodes/"+h.node.ID+"/allocations", map[string]string{
		"ip":    "10.0.0.0/30",
		"ports": "25565-25566",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	var body map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["created"] != 4 {
		t.Fatalf("created = %d, want 4", body["created"])
	}
}

func TestCreateAllocations_InvalidToken(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		name  string
		ip    string
		ports string
		code  string
	}{
		{"cidr too wide", "10.0.0.0/8", "25565", "CidrOutOfRange"},
		{"port too high", "10.0.0.1", "70000", "PortOutOfRange"},
		{"inverted range", "10.0.0.1", "26000-25000", "InvalidPortMapping"},
		{"too many ports", "10.0.0.1", "1025-5000", "TooManyPortsInRange"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/api/nodes/"+h.node.ID+"/allocations", map[string]string{
				"ip": tc.ip, "ports": tc.ports,
			})
			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
			}
			if got := errCode(t, rec); got != tc.code {
				t.Errorf("code = %q, want %q", got, tc.code)
			}
		})
	}
}

func TestCreateAllocations_UnknownNode(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/nodes/nope/allocations", map[string]string{
		"ip": "10.0.0.1", "ports": "25565",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestDeleteAllocation(t *testing.T) {
	h := newHarness(t)

	if _, err := h.repo.InsertAllocations(context.Background(), h.node.ID, []domain.Endpoint{
		{IP: "10.0.0.1", Port: 25565},
	}); err != nil {
		t.Fatal(err)
	}
	allocs, err := h.repo.ListAllocations(context.Background(), h.node.ID)
	if err != nil {
		t.Fatal(err)
	}

	rec := h.do(t, http.MethodDelete, "/api/allocations/"+allocs[0].ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestDeleteAllocation_Bound(t *testing.T) {
	h := newHarness(t)
	server := h.createServer(t)

	allocs, err := h.repo.ListAllocations(context.Background(), h.node.ID)
	if err != nil {
		t.Fatal(err)
	}
	if allocs[0].ServerID != server.ID {
		t.Fatalf("allocation not bound to server")
	}

	rec := h.do(t, http.MethodDelete, "/api/allocations/"+allocs[0].ID, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	if got := errCode(t, rec); got != "ServerUsingAllocation" {
		t.Errorf("code = %q, want ServerUsingAllocation", got)
	}
}

func TestCreateServer(t *testing.T) {
	h := newHarness(t)
	server := h.createServer(t)

	if server.Status != domain.StatusInstalling {
		t.Errorf("status = %q, want %q", server.Status, domain.StatusInstalling)
	}
	if server.NodeID != h.node.ID {
		t.Errorf("node = %q, want %q", server.NodeID, h.node.ID)
	}

	node, err := h.repo.GetNode(context.Background(), h.node.ID)
	if err != nil {
		t.Fatal(err)
	}
	if node.MemoryAllocated != 2048 {
		t.Errorf("memory allocated = %d, want 2048", node.MemoryAllocated)
	}
}

func TestCreateServer_ExhaustedPool(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/servers", map[string]any{
		"name":    "lobby",
		"node_id": h.node.ID,
		"limits":  domain.Limits{Memory: 1024, Disk: 1024},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	if got := errCode(t, rec); got != "NoViableAllocation" {
		t.Errorf("code = %q, want NoViableAllocation", got)
	}
}

func TestCreateServer_InsufficientCapacity(t *testing.T) {
	h := newHarness(t)
	if _, err := h.repo.InsertAllocations(context.Background(), h.node.ID, []domain.Endpoint{
		{IP: "10.0.0.1", Port: 25565},
	}); err != nil {
		t.Fatal(err)
	}

	rec := h.do(t, http.MethodPost, "/api/servers", map[string]any{
		"name":    "lobby",
		"node_id": h.node.ID,
		"limits":  domain.Limits{Memory: 999999, Disk: 1024},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	if got := errCode(t, rec); got != "InsufficientCapacity" {
		t.Errorf("code = %q, want InsufficientCapacity", got)
	}
}

func TestServerResources_Cached(t *testing.T) {
	h := newHarness(t)
	server := h.createServer(t)

	want := &domain.ResourceUsage{
		CPUAbsolute: 42.5,
		MemoryBytes: 1073741824,
		Uptime:      120,
		State:       "running",
	}
	for i := 0; i < 3; i++ {
		rec := h.do(t, http.MethodGet, "/api/servers/"+server.ID+"/resources", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
		}
		var got domain.ResourceUsage
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want, &got); diff != "" {
			t.Fatalf("usage mismatch (-want +got):\n%s", diff)
		}
	}
	if n := h.agent.statsCalls.Load(); n != 1 {
		t.Errorf("agent stats calls = %d, want 1", n)
	}
}

func TestSendPower(t *testing.T) {
	h := newHarness(t)
	server := h.createServer(t)

	rec := h.do(t, http.MethodPost, "/api/servers/"+server.ID+"/power", map[string]string{
		"signal": "restart",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	if got := h.agent.lastSignal.Load(); got != "restart" {
		t.Errorf("agent received signal %v, want restart", got)
	}
}

func TestSendPower_InvalidSignal(t *testing.T) {
	h := newHarness(t)
	server := h.createServer(t)

	rec := h.do(t, http.MethodPost, "/api/servers/"+server.ID+"/power", map[string]string{
		"signal": "reboot",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	if got := errCode(t, rec); got != "InvalidSignal" {
		t.Errorf("code = %q, want InvalidSignal", got)
	}
	if n := h.agent.powerCalls.Load(); n != 0 {
		t.Errorf("agent power calls = %d, want 0", n)
	}
}

func TestNodeSystem(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/nodes/"+h.node.ID+"/system", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	var info domain.SystemInformation
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.KernelVersion != "6.8.0" || info.CPUCount != 16 {
		t.Errorf("unexpected system info: %+v", info)
	}
}

func TestNodeSystem_AgentDown(t *testing.T) {
	h := newHarness(t)
	h.agent.srv.Close()

	rec := h.do(t, http.MethodGet, "/api/nodes/"+h.node.ID+"/system", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	if got := errCode(t, rec); got != "DaemonConnection" {
		t.Errorf("code = %q, want DaemonConnection", got)
	}
}

func TestDeleteServer(t *testing.T) {
	h := newHarness(t)
	server := h.createServer(t)

	rec := h.do(t, http.MethodDelete, "/api/servers/"+server.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}

	allocs, err := h.repo.ListAllocations(context.Background(), h.node.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !allocs[0].Free() {
		t.Errorf("allocation still bound after server delete")
	}
	if _, err := h.repo.GetServer(context.Background(), server.ID); err == nil {
		t.Errorf("server row survived delete")
	}
}

func TestCreateAndListNodes(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/nodes", map[string]any{
		"name":         "node-2",
		"host":         "192.0.2.10",
		"port":         8080,
		"token":        "tok",
		"memory_total": 4096,
		"disk_total":   51200,
		"deployable":   true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}

	rec = h.do(t, http.MethodGet, "/api/nodes", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	var nodes []domain.Node
	if err := json.Unmarshal(rec.Body.Bytes(), &nodes); err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 2 {
		t.Fatalf("len(nodes) = %d, want 2", len(nodes))
	}
}
