// Package api exposes the control plane's inbound HTTP surface.
//
// Handlers are thin: they decode the request, call one service, and map
// the error taxonomy onto status codes. Authentication, form rendering,
// and the dashboard in front of this surface are other components'
// business.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"nodewarden/internal/allocations"
	"nodewarden/internal/daemon"
	"nodewarden/internal/domain"
	"nodewarden/internal/inventory"
	"nodewarden/internal/netrange"
	"nodewarden/internal/provision"
	"nodewarden/internal/statscache"
)

// Handler wires the control-plane services to their routes.
type Handler struct {
	repo        inventory.Repository
	assign      *allocations.AssignmentService
	deletion    *allocations.DeletionService
	coordinator *provision.Coordinator
	stats       *statscache.Cache
	agentCfg    daemon.Config
	log         *slog.Logger
}

// New creates a Handler.
func New(
	repo inventory.Repository,
	assign *allocations.AssignmentService,
	deletion *allocations.DeletionService,
	coordinator *provision.Coordinator,
	stats *statscache.Cache,
	agentCfg daemon.Config,
	log *slog.Logger,
) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		repo:        repo,
		assign:      assign,
		deletion:    deletion,
		coordinator: coordinator,
		stats:       stats,
		agentCfg:    agentCfg,
		log:         log,
	}
}

// Routes returns the API mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/nodes", h.createNode)
	mux.HandleFunc("GET /api/nodes", h.listNodes)
	mux.HandleFunc("GET /api/nodes/{node}/system", h.nodeSystem)
	mux.HandleFunc("POST /api/nodes/{node}/allocations", h.createAllocations)
	mux.HandleFunc("GET /api/nodes/{node}/allocations", h.listAllocations)
	mux.HandleFunc("DELETE /api/allocations/{id}", h.deleteAllocation)
	mux.HandleFunc("POST /api/servers", h.createServer)
	mux.HandleFunc("GET /api/servers/{id}", h.getServer)
	mux.HandleFunc("DELETE /api/servers/{id}", h.deleteServer)
	mux.HandleFunc("GET /api/servers/{id}/resources", h.serverResources)
	mux.HandleFunc("POST /api/servers/{id}/power", h.sendPower)
	return mux
}

// --- Nodes ---

type createNodeRequest struct {
	Name           string `json:"name"`
	Scheme         string `json:"scheme"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Token          string `json:"token"`
	MemoryTotal    int64  `json:"memory_total"`
	DiskTotal      int64  `json:"disk_total"`
	Deployable     bool   `json:"deployable"`
	DeployFeeCents int64  `json:"deploy_fee_cents"`
}

func (h *Handler) createNode(w http.ResponseWriter, r *http.Request) {
	var req createNodeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	if req.Name == "" || req.Host == "" || req.Port == 0 {
		writeError(w, http.StatusUnprocessableEntity, "ValidationError", "name, host, and port are required")
		return
	}
	if req.Scheme == "" {
		req.Scheme = "http"
	}

	node := &domain.Node{
		Name:           req.Name,
		Scheme:         req.Scheme,
		Host:           req.Host,
		Port:           req.Port,
		Token:          req.Token,
		MemoryTotal:    req.MemoryTotal,
		DiskTotal:      req.DiskTotal,
		Deployable:     req.Deployable,
		DeployFeeCents: req.DeployFeeCents,
	}
	if err := h.repo.CreateNode(r.Context(), node); err != nil {
		h.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

func (h *Handler) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.repo.ListNodes(r.Context())
	if err != nil {
		h.writeMappedError(w, r, err)
		return
	}
	if nodes == nil {
		nodes = []domain.Node{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (h *Handler) nodeSystem(w http.ResponseWriter, r *http.Request) {
	node, err := h.repo.GetNode(r.Context(), r.PathValue("node"))
	if err != nil {
		h.writeMappedError(w, r, err)
		return
	}

	info, err := daemon.NewConfigurationChannel(node, h.agentCfg).SystemInformation(r.Context())
	if err != nil {
		h.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// --- Allocations ---

type createAllocationsRequest struct {
	IP    string `json:"ip"`
	Ports string `json:"ports"`
}

func (h *Handler) createAllocations(w http.ResponseWriter, r *http.Request) {
	var req createAllocationsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}

	created, err := h.assign.Assign(r.Context(), r.PathValue("node"), req.IP, req.Ports)
	if err != nil {
		h.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"created": created})
}

func (h *Handler) listAllocations(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("node")
	if _, err := h.repo.GetNode(r.Context(), nodeID); err != nil {
		h.writeMappedError(w, r, err)
		return
	}

	allocs, err := h.repo.ListAllocations(r.Context(), nodeID)
	if err != nil {
		h.writeMappedError(w, r, err)
		return
	}
	if allocs == nil {
		allocs = []domain.Allocation{}
	}
	writeJSON(w, http.StatusOK, allocs)
}

func (h *Handler) deleteAllocation(w http.ResponseWriter, r *http.Request) {
	if err := h.deletion.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeMappedError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Servers ---

type createServerRequest struct {
	Name         string        `json:"name"`
	NodeID       string        `json:"node_id"`
	Limits       domain.Limits `json:"limits"`
	AllocationID string        `json:"allocation_id"`
}

func (h *Handler) createServer(w http.ResponseWriter, r *http.Request) {
	var req createServerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	if req.Name == "" || req.NodeID == "" {
		writeError(w, http.StatusUnprocessableEntity, "ValidationError", "name and node_id are required")
		return
	}

	server, err := h.coordinator.Provision(r.Context(), provision.Request{
		Name:         req.Name,
		NodeID:       req.NodeID,
		Limits:       req.Limits,
		AllocationID: req.AllocationID,
	})
	if err != nil {
		h.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, server)
}

func (h *Handler) getServer(w http.ResponseWriter, r *http.Request) {
	server, err := h.repo.GetServer(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, server)
}

func (h *Handler) deleteServer(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("id")
	force := r.URL.Query().Get("force") == "true"

	if err := h.coordinator.Delete(r.Context(), serverID, force); err != nil {
		h.writeMappedError(w, r, err)
		return
	}
	h.stats.Invalidate(serverID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) serverResources(w http.ResponseWriter, r *http.Request) {
	usage, err := h.stats.Usage(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

type powerRequest struct {
	Signal string `json:"signal"`
}

func (h *Handler) sendPower(w http.ResponseWriter, r *http.Request) {
	var req powerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}

	signal := domain.PowerSignal(req.Signal)
	if err := signal.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "InvalidSignal", err.Error())
		return
	}

	server, err := h.repo.GetServer(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeMappedError(w, r, err)
		return
	}
	node, err := h.repo.GetNode(r.Context(), server.NodeID)
	if err != nil {
		h.writeMappedError(w, r, err)
		return
	}

	if err := daemon.NewPowerChannel(node, server.UUID, h.agentCfg).Send(r.Context(), signal); err != nil {
		h.writeMappedError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Response helpers ---

func decode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string][]apiError{
		"errors": {{Code: code, Detail: detail}},
	})
}

// writeMappedError translates the service error taxonomy onto HTTP
// status codes: validation 422, missing 404, conflicts 409, agent
// failures 502.
func (h *Handler) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		capErr  *provision.CapacityError
		apiErr  *daemon.APIError
		connErr *daemon.ConnectionError
	)

	switch {
	case errors.Is(err, netrange.ErrCIDROutOfRange):
		writeError(w, http.StatusUnprocessableEntity, "CidrOutOfRange", err.Error())
	case errors.Is(err, netrange.ErrTooManyPorts):
		writeError(w, http.StatusUnprocessableEntity, "TooManyPortsInRange", err.Error())
	case errors.Is(err, netrange.ErrPortOutOfRange):
		writeError(w, http.StatusUnprocessableEntity, "PortOutOfRange", err.Error())
	case errors.Is(err, netrange.ErrInvalidPortMapping):
		writeError(w, http.StatusUnprocessableEntity, "InvalidPortMapping", err.Error())
	case errors.Is(err, allocations.ErrAllocationInUse):
		writeError(w, http.StatusConflict, "ServerUsingAllocation", err.Error())
	case errors.Is(err, allocations.ErrNoViableAllocation):
		writeError(w, http.StatusConflict, "NoViableAllocation", err.Error())
	case errors.As(err, &capErr):
		writeError(w, http.StatusConflict, "InsufficientCapacity", capErr.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "NotFound", err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "Conflict", err.Error())
	case errors.As(err, &apiErr):
		writeError(w, http.StatusBadGateway, "AgentError", apiErr.Error())
	case errors.As(err, &connErr):
		writeError(w, http.StatusBadGateway, "DaemonConnection", connErr.Error())
	default:
		h.log.Error("unhandled error", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "internal error")
	}
}
