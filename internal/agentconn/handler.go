package agentconn

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/trianglecurling/stream-orchestrator/internal/jobstore"
	"github.com/trianglecurling/stream-orchestrator/internal/model"
	"github.com/trianglecurling/stream-orchestrator/internal/protocol"
	"github.com/trianglecurling/stream-orchestrator/internal/registry"
)

// SchedulerAck is the subset of *scheduler.Scheduler the handler needs,
// kept as an interface to avoid a dependency cycle (scheduler depends on
// this package's Dispatcher interface, not the other way around).
type SchedulerAck interface {
	Ack(jobID, agentID string, accepted bool)
}

// Handler upgrades incoming /agent connections, authenticates them, and
// routes every envelope to the registry, job store, and scheduler.
type Handler struct {
	log          zerolog.Logger
	tokenHash    []byte
	upgrader     websocket.Upgrader
	agents       *registry.Registry
	jobs         *jobstore.Store
	sched        SchedulerAck
	heartbeatMs  int

	mu    sync.Mutex
	conns map[string]*Conn // agentID -> live conn, for SendAssignStart/RestartJob
}

// New builds a Handler. tokenHash is the bcrypt hash of the shared agent
// token, compared against the token agents present in their hello. sched
// may be nil at construction time to break the scheduler/handler
// construction cycle (the scheduler's Dispatcher is this Handler); call
// SetSchedulerAck before serving any connections.
func New(log zerolog.Logger, tokenHash []byte, agents *registry.Registry, jobs *jobstore.Store, sched SchedulerAck, heartbeatMs int) *Handler {
	return &Handler{
		log:         log.With().Str("component", "agentconn").Logger(),
		tokenHash:   tokenHash,
		agents:      agents,
		jobs:        jobs,
		sched:       sched,
		heartbeatMs: heartbeatMs,
		conns:       make(map[string]*Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetSchedulerAck wires the scheduler after construction, resolving the
// scheduler/handler initialization cycle: the scheduler needs this
// Handler as its Dispatcher, and this Handler needs the scheduler as its
// SchedulerAck.
func (h *Handler) SetSchedulerAck(sched SchedulerAck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sched = sched
}

// ServeHTTP upgrades the connection and blocks for its lifetime. Mount
// at the agent WebSocket route; the control plane must already be
// restricted to trusted networks by the time this runs (see the
// IP-trust middleware in internal/server).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("agent websocket upgrade failed")
		return
	}

	session := &agentSession{handler: h}
	conn := NewConn(h.log, ws, session.onMessage, session.onClose)
	session.conn = conn
	conn.Run()
}

// agentSession tracks the per-connection state the handler needs before
// and after hello: the agent's claimed identity is not known until the
// first frame arrives.
type agentSession struct {
	handler *Handler
	conn    *Conn

	mu            sync.Mutex
	agentID       string
	socketVersion uint64
	helloDone     bool
}

func (s *agentSession) onMessage(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.handler.log.Warn().Err(err).Msg("malformed envelope")
		return
	}

	s.mu.Lock()
	helloDone := s.helloDone
	s.mu.Unlock()

	if !helloDone {
		if env.Type != protocol.TypeHello {
			s.sendError(model.ErrUnauthorized, "hello required before any other message")
			s.conn.Close()
			return
		}
		s.handleHello(&env)
		return
	}

	switch env.Type {
	case protocol.TypeHeartbeat:
		s.handleHeartbeat(&env)
	case protocol.TypeAssignAck:
		s.handleAssignAck(&env)
	case protocol.TypeJobUpdate:
		s.handleJobUpdate(&env)
	case protocol.TypeJobStopped:
		s.handleJobStopped(&env)
	case protocol.TypeError:
		s.handler.log.Warn().Str("agentId", s.agentID).Msg("agent reported protocol error")
	default:
		s.handler.log.Warn().Str("type", env.Type).Msg("unrecognized envelope type")
	}
}

func (s *agentSession) handleHello(env *protocol.Envelope) {
	var payload protocol.HelloPayload
	if err := env.Parse(&payload); err != nil {
		s.sendError(model.ErrUnauthorized, "malformed hello payload")
		s.conn.Close()
		return
	}

	if bcrypt.CompareHashAndPassword(s.handler.tokenHash, []byte(payload.Token)) != nil {
		s.sendError(model.ErrUnauthorized, "invalid agent token")
		s.conn.Close()
		return
	}

	remoteAddr := ""
	result := s.handler.agents.Hello(
		payload.AgentID, payload.Name, payload.Version,
		model.Capabilities{Slots: payload.Capabilities.Slots, MaxResolution: payload.Capabilities.MaxResolution},
		remoteAddr, s.conn, payload.RecoveredJobID,
	)

	s.mu.Lock()
	s.agentID = payload.AgentID
	s.socketVersion = result.SocketVersion
	s.helloDone = true
	s.mu.Unlock()

	s.handler.mu.Lock()
	s.handler.conns[payload.AgentID] = s.conn
	s.handler.mu.Unlock()

	if payload.RecoveredJobID != "" {
		if job, ok := s.handler.jobs.Get(payload.RecoveredJobID); ok && job.AgentID == payload.AgentID && !job.Status.Terminal() {
			s.handler.agents.ConfirmRecoveredJob(payload.AgentID, job.JobID, model.AgentRunning)
		}
	}

	ok, _ := protocol.NewEnvelope(protocol.TypeHelloOK, uuid.NewString(), env.MsgID, payload.AgentID, protocol.HelloOKPayload{
		HeartbeatIntervalMs: s.handler.heartbeatMs,
	})
	s.sendEnvelope(ok)

	s.handler.log.Info().Str("agentId", payload.AgentID).Str("version", payload.Version).Msg("agent hello accepted")
}

func (s *agentSession) handleHeartbeat(env *protocol.Envelope) {
	var payload protocol.HeartbeatPayload
	if err := env.Parse(&payload); err != nil {
		return
	}
	if !s.handler.agents.Heartbeat(s.agentID, model.AgentState(payload.State), payload.CurrentJobID, payload.Drain) {
		s.handler.log.Warn().Str("agentId", s.agentID).Msg("heartbeat from unknown agent")
		s.conn.Close()
	}
}

func (s *agentSession) handleAssignAck(env *protocol.Envelope) {
	var payload protocol.AssignAckPayload
	if err := env.Parse(&payload); err != nil {
		return
	}
	s.handler.mu.Lock()
	sched := s.handler.sched
	s.handler.mu.Unlock()
	if sched != nil {
		sched.Ack(payload.JobID, s.agentID, payload.Accepted)
	}
}

func (s *agentSession) handleJobUpdate(env *protocol.Envelope) {
	var payload protocol.JobUpdatePayload
	if err := env.Parse(&payload); err != nil {
		return
	}
	s.handler.jobs.Mutate(payload.JobID, func(j *model.Job) bool {
		if j.Status.Terminal() {
			return false
		}
		j.Status = model.JobStatus(payload.Status)
		if payload.Error != nil {
			j.Error = &model.JobError{Code: payload.Error.Code, Message: payload.Error.Message}
		}
		return true
	})
}

func (s *agentSession) handleJobStopped(env *protocol.Envelope) {
	var payload protocol.JobStoppedPayload
	if err := env.Parse(&payload); err != nil {
		return
	}
	s.handler.jobs.Mutate(payload.JobID, func(j *model.Job) bool {
		j.Status = model.JobStatus(payload.Status)
		if payload.Error != nil {
			j.Error = &model.JobError{Code: payload.Error.Code, Message: payload.Error.Message}
		}
		return true
	})
	s.handler.agents.Revert(s.agentID)
}

func (s *agentSession) onClose() {
	s.mu.Lock()
	agentID, version := s.agentID, s.socketVersion
	s.mu.Unlock()

	if agentID == "" {
		return
	}

	s.handler.mu.Lock()
	if s.handler.conns[agentID] == s.conn {
		delete(s.handler.conns, agentID)
	}
	s.handler.mu.Unlock()

	s.handler.agents.Disconnect(agentID, version)
}

func (s *agentSession) sendError(code, message string) {
	env, err := protocol.NewEnvelope(protocol.TypeError, uuid.NewString(), "", s.agentID, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	s.sendEnvelope(env)
}

func (s *agentSession) sendEnvelope(env *protocol.Envelope) {
	if env == nil {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	s.conn.Send(data)
}

// SendAssignStart implements scheduler.Dispatcher.
func (h *Handler) SendAssignStart(agentID string, job model.Job) (string, error) {
	h.mu.Lock()
	conn, ok := h.conns[agentID]
	h.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("agentconn: no live connection for agent %s", agentID)
	}

	msgID := uuid.NewString()
	env, err := protocol.NewEnvelope(protocol.TypeAssignStart, msgID, "", agentID, protocol.AssignStartPayload{
		JobID:          job.JobID,
		TemplateID:     job.TemplateID,
		InlineConfig:   job.InlineConfig,
		StreamMetadata: job.StreamMetadata,
	})
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	if !conn.Send(data) {
		return "", fmt.Errorf("agentconn: send buffer full or connection closed for agent %s", agentID)
	}
	return msgID, nil
}

// RestartJob implements health.Restarter: it sends job.stop for the job
// to its current agent when that agent is connected, and always returns
// nil. It does not change the job's status; the health monitor returns
// the job to PENDING itself after calling it.
func (h *Handler) RestartJob(job model.Job) error {
	h.mu.Lock()
	conn, ok := h.conns[job.AgentID]
	h.mu.Unlock()
	if ok {
		env, err := protocol.NewEnvelope(protocol.TypeJobStop, uuid.NewString(), "", job.AgentID, protocol.JobStopPayload{JobID: job.JobID})
		if err == nil {
			if data, err := json.Marshal(env); err == nil {
				conn.Send(data)
			}
		}
	}
	return nil
}
