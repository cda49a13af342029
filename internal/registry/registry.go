// Package registry is the Agent Registry: the single owner of mutable
// agent state and the hub that multiplexes the agent WebSocket
// connections. State mutation happens under the mutex; any I/O (socket
// writes, closes, subscriber notification) happens after the lock is
// released.
package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/trianglecurling/stream-orchestrator/internal/model"
)

// Conn is the minimal surface the registry needs from an agent's
// WebSocket connection. *agentconn.Conn (internal/agentconn) implements
// this; tests use a fake.
type Conn interface {
	Send(data []byte) bool
	Close()
}

type entry struct {
	agent model.Agent
	conn  Conn
}

// Listener is notified whenever an agent's observable state changes, so
// the UI fanout can push incremental updates without polling the
// registry.
type Listener func(model.Agent)

// Registry owns every known agent and its live connection, if any.
type Registry struct {
	log zerolog.Logger

	mu      sync.Mutex
	agents  map[string]*entry
	nextVer uint64

	listenersMu sync.RWMutex
	listeners   []Listener
}

// New creates an empty Registry.
func New(log zerolog.Logger) *Registry {
	return &Registry{
		log:    log.With().Str("component", "registry").Logger(),
		agents: make(map[string]*entry),
	}
}

// Subscribe registers a listener invoked after every state-changing
// registry operation, with the agent's fresh snapshot.
func (r *Registry) Subscribe(l Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) notify(a model.Agent) {
	r.listenersMu.RLock()
	ls := append([]Listener(nil), r.listeners...)
	r.listenersMu.RUnlock()
	for _, l := range ls {
		l(a)
	}
}

// HelloResult is returned by Hello, telling the caller what socket
// version it must tag subsequent close callbacks with and whether a
// previous connection was replaced. Hello does not set RecoveredJobValid,
// so it is always false.
type HelloResult struct {
	SocketVersion      uint64
	RecoveredJobValid  bool
	ReplacedPrevious   bool
}

// Hello admits a newly authenticated connection, replacing any previous
// connection for the same agent ID. recoveredJobID is the job the agent
// claims to still be holding across the reconnect (empty if none). Hello
// does not store the claim: it only keeps the agent's current state when
// the agent already has a current job and a claim is given, and sets it
// IDLE otherwise. The caller (the protocol handler) cross-checks the
// claim against the job store and follows up with ConfirmRecoveredJob.
func (r *Registry) Hello(id, name, version string, caps model.Capabilities, remoteAddr string, conn Conn, recoveredJobID string) HelloResult {
	var (
		old      Conn
		replaced bool
	)

	r.mu.Lock()
	r.nextVer++
	ver := r.nextVer

	e, ok := r.agents[id]
	if !ok {
		e = &entry{agent: model.Agent{AgentID: id}}
		r.agents[id] = e
	} else if e.conn != nil {
		old = e.conn
		replaced = true
	}

	e.agent.Name = name
	e.agent.Version = version
	e.agent.Capabilities = caps
	e.agent.RemoteAddr = remoteAddr
	e.agent.LastSeenAt = time.Now()
	e.agent.SocketVersion = ver
	e.conn = conn
	if e.agent.CurrentJobID == "" || recoveredJobID == "" {
		e.agent.State = model.AgentIdle
	}
	snapshot := e.agent.Snapshot()
	r.mu.Unlock()

	if replaced {
		old.Close()
		r.log.Warn().Str("agentId", id).Msg("replaced stale agent connection")
	}

	r.notify(snapshot)

	return HelloResult{SocketVersion: ver, ReplacedPrevious: replaced}
}

// ConfirmRecoveredJob is called once the protocol handler has verified
// (against the job store) that a reconnecting agent's claimed job is
// real and still assigned to it, restoring the agent's busy state.
func (r *Registry) ConfirmRecoveredJob(id, jobID string, state model.AgentState) {
	r.mu.Lock()
	e, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.agent.CurrentJobID = jobID
	e.agent.State = state
	e.agent.LastSeenAt = time.Now()
	snapshot := e.agent.Snapshot()
	r.mu.Unlock()

	r.notify(snapshot)
}

// Heartbeat records liveness and the agent-reported state/job/drain flag.
// Returns false if the agent is not known (the protocol handler should
// treat this as a protocol violation and close the connection).
func (r *Registry) Heartbeat(id string, state model.AgentState, currentJobID string, drain bool) bool {
	r.mu.Lock()
	e, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e.agent.LastSeenAt = time.Now()
	e.agent.State = state
	e.agent.CurrentJobID = currentJobID
	e.agent.Drain = drain
	snapshot := e.agent.Snapshot()
	r.mu.Unlock()

	r.notify(snapshot)
	return true
}

// SetDraining marks an agent draining so the scheduler stops
// assigning new jobs to it, without disturbing a job already in flight.
func (r *Registry) SetDraining(id string, drain bool) bool {
	r.mu.Lock()
	e, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e.agent.Drain = drain
	snapshot := e.agent.Snapshot()
	r.mu.Unlock()

	r.notify(snapshot)
	return true
}

// TryReserve atomically transitions an idle, non-draining agent to
// RESERVED for jobID. Returns false if the agent is no longer eligible
// (races with another scheduler tick, a disconnect, or a drain request
// landing first) so the caller can pick a different agent.
func (r *Registry) TryReserve(id, jobID string) bool {
	r.mu.Lock()
	e, ok := r.agents[id]
	if !ok || e.conn == nil || e.agent.Drain || e.agent.State != model.AgentIdle {
		r.mu.Unlock()
		return false
	}
	e.agent.State = model.AgentReserved
	e.agent.CurrentJobID = jobID
	snapshot := e.agent.Snapshot()
	r.mu.Unlock()

	r.notify(snapshot)
	return true
}

// Revert undoes a reservation that the agent failed to ack in time,
// returning it to IDLE so the scheduler can retry it or another agent.
func (r *Registry) Revert(id string) {
	r.mu.Lock()
	e, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.agent.State = model.AgentIdle
	e.agent.CurrentJobID = ""
	snapshot := e.agent.Snapshot()
	r.mu.Unlock()

	r.notify(snapshot)
}

// Disconnect marks an agent offline when its connection drops. version
// must match the SocketVersion recorded at Hello time, so a close
// callback for a socket that was already superseded by a reconnect does
// not clobber the new connection's state.
func (r *Registry) Disconnect(id string, version uint64) {
	r.mu.Lock()
	e, ok := r.agents[id]
	if !ok || e.agent.SocketVersion != version {
		r.mu.Unlock()
		return
	}
	e.conn = nil
	e.agent.State = model.AgentOffline
	snapshot := e.agent.Snapshot()
	r.mu.Unlock()

	r.notify(snapshot)
}

// Get returns a snapshot of the named agent.
func (r *Registry) Get(id string) (model.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return model.Agent{}, false
	}
	return e.agent.Snapshot(), true
}

// Conn returns the live connection for an agent, if any.
func (r *Registry) Conn(id string) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return nil
	}
	return e.conn
}

// List returns a snapshot of every known agent.
func (r *Registry) List() []model.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Agent, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e.agent.Snapshot())
	}
	return out
}

// IdleCandidates returns snapshots of agents eligible for assignment:
// connected, IDLE, and not draining.
func (r *Registry) IdleCandidates() []model.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Agent, 0)
	for _, e := range r.agents {
		if e.conn != nil && !e.agent.Drain && e.agent.State == model.AgentIdle {
			out = append(out, e.agent.Snapshot())
		}
	}
	return out
}

// SweepTimeouts transitions agents that have not sent a heartbeat within
// timeout to OFFLINE, closing their connection. It returns snapshots of
// the agents that were reaped so the caller (the orchestrator's sweep
// loop) can react, e.g. by requeuing any job the agent was holding.
func (r *Registry) SweepTimeouts(timeout time.Duration) []model.Agent {
	now := time.Now()

	var toClose []Conn
	var reaped []model.Agent

	r.mu.Lock()
	for _, e := range r.agents {
		if e.conn == nil {
			continue
		}
		if now.Sub(e.agent.LastSeenAt) <= timeout {
			continue
		}
		toClose = append(toClose, e.conn)
		e.conn = nil
		e.agent.State = model.AgentOffline
		reaped = append(reaped, e.agent.Snapshot())
	}
	r.mu.Unlock()

	for _, c := range toClose {
		c.Close()
	}
	for _, a := range reaped {
		r.log.Warn().Str("agentId", a.AgentID).Msg("agent heartbeat timeout")
		r.notify(a)
	}
	return reaped
}
