package daemon

import "fmt"

// ConnectionError normalizes every transport-level failure against a
// node agent: refused connections, timeouts, TLS failures, and
// malformed responses. It always carries the node identity so callers
// can report which agent was unreachable.
type ConnectionError struct {
	NodeID string
	Op     string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("node %s unreachable (%s): %v", e.NodeID, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// APIError is a failure the agent itself reported: a non-2xx response
// with the structured {errors: [{code, detail}]} payload. The agent's
// message is passed through, never swallowed.
type APIError struct {
	NodeID string
	Status int
	Code   string
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("node %s: agent returned %d [%s]: %s", e.NodeID, e.Status, e.Code, e.Detail)
}
