package domain

import "fmt"

// PowerSignal is a power-control signal accepted by the node agent.
// Sending one is fire-and-forget: the agent drives the actual state
// transition asynchronously and reports it out of band.
type PowerSignal string

const (
	SignalStart   PowerSignal = "start"
	SignalStop    PowerSignal = "stop"
	SignalRestart PowerSignal = "restart"
	SignalKill    PowerSignal = "kill"
)

// Validate returns an error for signals the agent does not accept.
func (s PowerSignal) Validate() error {
	switch s {
	case SignalStart, SignalStop, SignalRestart, SignalKill:
		return nil
	}
	return fmt.Errorf("invalid power signal %q", string(s))
}

// SystemInformation describes the agent host, as reported by the agent's
// system endpoint.
type SystemInformation struct {
	Version       string `json:"version"`
	OS            string `json:"os"`
	Architecture  string `json:"architecture"`
	KernelVersion string `json:"kernel_version"`
	CPUCount      int    `json:"cpu_count"`
}

// ResourceUsage is a live usage snapshot for one server, as reported by
// the agent's resources endpoint.
type ResourceUsage struct {
	CPUAbsolute float64 `json:"cpu_absolute"`
	MemoryBytes int64   `json:"memory_bytes"`
	DiskBytes   int64   `json:"disk_bytes"`
	Uptime      int64   `json:"uptime"`
	State       string  `json:"state"`
}
