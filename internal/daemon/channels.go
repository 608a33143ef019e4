package daemon

import (
	"context"
	"fmt"
	"net/http"

	"nodewarden/internal/domain"
)

// ConfigurationChannel queries node-level agent state.
type ConfigurationChannel struct {
	client *Client
}

// NewConfigurationChannel creates a configuration channel bound to one
// node.
func NewConfigurationChannel(node *domain.Node, cfg Config) *ConfigurationChannel {
	return &ConfigurationChannel{client: NewClient(node, cfg)}
}

// SystemInformation fetches the agent host's system description.
func (c *ConfigurationChannel) SystemInformation(ctx context.Context) (*domain.SystemInformation, error) {
	var info domain.SystemInformation
	if err := c.client.do(ctx, http.MethodGet, "/api/system", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// PowerChannel sends power-control signals for one server.
type PowerChannel struct {
	client     *Client
	serverUUID string
}

// NewPowerChannel creates a power channel bound to one server on one
// node.
func NewPowerChannel(node *domain.Node, serverUUID string, cfg Config) *PowerChannel {
	return &PowerChannel{client: NewClient(node, cfg), serverUUID: serverUUID}
}

// Send delivers a power signal. The agent acknowledges with 202/204 and
// drives the actual state transition asynchronously; success here means
// accepted, not completed.
func (p *PowerChannel) Send(ctx context.Context, signal domain.PowerSignal) error {
	if err := signal.Validate(); err != nil {
		return err
	}

	body := struct {
		Signal string `json:"signal"`
	}{Signal: string(signal)}

	path := fmt.Sprintf("/api/servers/%s/power", p.serverUUID)
	return p.client.do(ctx, http.MethodPost, path, body, nil)
}

// CreateRequest is the provisioning payload sent to the agent.
type CreateRequest struct {
	UUID       string          `json:"uuid"`
	Name       string          `json:"name"`
	Limits     domain.Limits   `json:"limits"`
	Allocation domain.Endpoint `json:"allocation"`
}

// ServerChannel drives one server's lifecycle on its node.
type ServerChannel struct {
	client     *Client
	serverUUID string
}

// NewServerChannel creates a server channel bound to one server on one
// node.
func NewServerChannel(node *domain.Node, serverUUID string, cfg Config) *ServerChannel {
	return &ServerChannel{client: NewClient(node, cfg), serverUUID: serverUUID}
}

// Create instructs the agent to materialize the server. Not idempotent;
// callers must not retry on failure.
func (s *ServerChannel) Create(ctx context.Context, req CreateRequest) error {
	return s.client.do(ctx, http.MethodPost, "/api/servers", req, nil)
}

// Details fetches the server's live resource usage snapshot.
func (s *ServerChannel) Details(ctx context.Context) (*domain.ResourceUsage, error) {
	var usage domain.ResourceUsage
	path := fmt.Sprintf("/api/servers/%s/resources", s.serverUUID)
	if err := s.client.do(ctx, http.MethodGet, path, nil, &usage); err != nil {
		return nil, err
	}
	return &usage, nil
}

// Delete instructs the agent to destroy the server. force asks the
// agent to tear down whatever exists without failing on partial state.
func (s *ServerChannel) Delete(ctx context.Context, force bool) error {
	path := fmt.Sprintf("/api/servers/%s", s.serverUUID)
	if force {
		path += "?force=true"
	}
	return s.client.do(ctx, http.MethodDelete, path, nil, nil)
}
