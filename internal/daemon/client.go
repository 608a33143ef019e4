// Package daemon is the typed HTTP RPC client for the per-node
// execution agent.
//
// A Client is a per-request descriptor bound to one node: it carries the
// node's reachable address, bearer credential, and timeout policy for
// the duration of a single control-plane operation. It is not a
// long-lived connection. The base request primitive never retries;
// retry policy belongs to callers, because operations like server
// creation are not idempotent.
package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"nodewarden/internal/domain"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

// Config bounds the client's outbound calls.
type Config struct {
	// ConnectTimeout bounds TCP connection establishment.
	ConnectTimeout time.Duration

	// RequestTimeout bounds the whole request, body included.
	RequestTimeout time.Duration
}

// DefaultConfig returns the standard agent timeouts.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: defaultConnectTimeout,
		RequestTimeout: defaultRequestTimeout,
	}
}

// Client issues authenticated JSON requests to one node's agent.
type Client struct {
	node    *domain.Node
	baseURL string
	client  *http.Client
}

// NewClient creates a client bound to the given node.
func NewClient(node *domain.Node, cfg Config) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
	}

	return &Client{
		node:    node,
		baseURL: node.BaseURL(),
		client: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
	}
}

// do issues one JSON request against the agent and decodes the response
// into out (which may be nil for operations with no response body).
//
// Transport failures come back as *ConnectionError so callers never see
// raw network errors. A non-2xx response with the agent's structured
// error payload comes back as *APIError; without one it degrades to a
// connection error carrying the status.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("daemon: failed to encode request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("daemon: failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.node.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &ConnectionError{NodeID: c.node.ID, Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.responseError(resp, method, path)
	}

	if out == nil {
		// Drain so the transport can reuse the connection.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ConnectionError{
			NodeID: c.node.ID,
			Op:     method + " " + path,
			Err:    fmt.Errorf("failed to decode response: %w", err),
		}
	}
	return nil
}

// agentErrors is the agent's structured error payload.
type agentErrors struct {
	Errors []struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (c *Client) responseError(resp *http.Response, method, path string) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var payload agentErrors
	if err := json.Unmarshal(data, &payload); err == nil && len(payload.Errors) > 0 {
		codes := make([]string, 0, len(payload.Errors))
		details := make([]string, 0, len(payload.Errors))
		for _, e := range payload.Errors {
			codes = append(codes, e.Code)
			details = append(details, e.Detail)
		}
		return &APIError{
			NodeID: c.node.ID,
			Status: resp.StatusCode,
			Code:   strings.Join(codes, "; "),
			Detail: strings.Join(details, "; "),
		}
	}

	return &ConnectionError{
		NodeID: c.node.ID,
		Op:     method + " " + path,
		Err:    fmt.Errorf("unexpected status %d", resp.StatusCode),
	}
}
