package domain

// Endpoint is a concrete (IP, port) pair derived from an operator-supplied
// range specification.
type Endpoint struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// Allocation is a reserved network endpoint on a node. The triple
// (NodeID, IP, Port) is unique across the whole pool; the storage layer
// enforces this as a hard constraint.
//
// An empty ServerID means the allocation is free. A non-empty ServerID
// binds it to exactly one server. Allocations are owned by their node
// and only weakly referenced by servers: deleting a server releases its
// allocations, it never destroys them.
type Allocation struct {
	ID       string `json:"id"`
	NodeID   string `json:"node_id"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Alias    string `json:"alias,omitempty"`
	ServerID string `json:"server_id,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// Free reports whether the allocation is not bound to a server.
func (a *Allocation) Free() bool { return a.ServerID == "" }
