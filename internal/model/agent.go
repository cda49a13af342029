// Package model holds the domain types shared by the registry, job store,
// scheduler, and health monitor: agents, jobs, and the states they move
// through.
package model

import "time"

// AgentState is the lifecycle state of a registered agent.
type AgentState string

const (
	AgentOffline  AgentState = "OFFLINE"
	AgentIdle     AgentState = "IDLE"
	AgentReserved AgentState = "RESERVED"
	AgentStarting AgentState = "STARTING"
	AgentRunning  AgentState = "RUNNING"
	AgentStopping AgentState = "STOPPING"
	AgentError    AgentState = "ERROR"
	AgentDraining AgentState = "DRAINING"
)

// Capabilities are advertised by an agent on hello. The core does not
// filter on these today; they exist for observability and future
// capability-aware scheduling (spec Open Question).
type Capabilities struct {
	Slots         int  `json:"slots"`
	MaxResolution *int `json:"maxResolution,omitempty"`
}

// Agent is the registry's view of a single remote worker. All mutable
// fields are owned exclusively by the Agent Registry; other components may
// read a copy but must never write to a shared *Agent directly.
type Agent struct {
	AgentID      string
	Name         string
	Version      string
	Capabilities Capabilities
	Drain        bool
	Meta         map[string]any
	LastError    string
	RemoteAddr   string

	State         AgentState
	CurrentJobID  string // empty if none
	LastSeenAt    time.Time
	SocketVersion uint64 // bumped on every hello; close callbacks compare before acting
}

// Snapshot returns a shallow copy safe to hand to callers outside the
// registry's lock (Meta map is copied, not shared).
func (a *Agent) Snapshot() Agent {
	cp := *a
	if a.Meta != nil {
		cp.Meta = make(map[string]any, len(a.Meta))
		for k, v := range a.Meta {
			cp.Meta[k] = v
		}
	}
	return cp
}

// HasJob reports whether the agent is expected to be holding a job:
// CurrentJobID is set if and only if the agent is in one of these states.
func (s AgentState) HasJob() bool {
	switch s {
	case AgentReserved, AgentStarting, AgentRunning, AgentStopping:
		return true
	default:
		return false
	}
}
