// Package protocol defines the WebSocket envelope and payload types
// exchanged between the orchestrator and its agents.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the wrapper for every message on the agent WebSocket
// connection. CorrelationID links a reply (e.g. assign.ack) back to the
// message that prompted it (e.g. assign.start); it is empty on messages
// that do not answer a prior one.
type Envelope struct {
	Type          string          `json:"type"`
	MsgID         string          `json:"msgId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Ts            time.Time       `json:"ts"`
	AgentID       string          `json:"agentId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload and wraps it with the given msgId and the
// current timestamp. correlationID may be empty.
func NewEnvelope(msgType, msgID, correlationID, agentID string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:          msgType,
		MsgID:         msgID,
		CorrelationID: correlationID,
		Ts:            time.Now(),
		AgentID:       agentID,
		Payload:       data,
	}, nil
}

// Parse unmarshals the envelope's payload into target.
func (e *Envelope) Parse(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// Message types, agent → orchestrator.
const (
	TypeHello      = "hello"
	TypeHeartbeat  = "heartbeat"
	TypeAssignAck  = "assign.ack"
	TypeJobUpdate  = "job.update"
	TypeJobStopped = "job.stopped"
	TypeError      = "error"
)

// Message types, orchestrator → agent.
const (
	TypeHelloOK     = "hello.ok"
	TypeAssignStart = "assign.start"
	TypeJobStop     = "job.stop"
)

// HelloPayload is sent once by the agent immediately after the socket
// opens, authenticating with the shared token and advertising identity
// and capabilities.
type HelloPayload struct {
	AgentID      string         `json:"agentId"`
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Token        string         `json:"token"`
	Capabilities Capabilities   `json:"capabilities"`
	Meta         map[string]any `json:"meta,omitempty"`

	// RecoveredJobID is set by a reconnecting agent that believes it is
	// still holding a job from before the disconnect, letting the
	// registry reconcile rather than silently orphaning the job.
	RecoveredJobID string `json:"recoveredJobId,omitempty"`
}

// Capabilities mirrors model.Capabilities on the wire.
type Capabilities struct {
	Slots         int  `json:"slots"`
	MaxResolution *int `json:"maxResolution,omitempty"`
}

// HelloOKPayload confirms a hello and communicates the heartbeat cadence
// the agent should use.
type HelloOKPayload struct {
	HeartbeatIntervalMs int `json:"heartbeatIntervalMs"`
}

// HeartbeatPayload is sent periodically by the agent to prove liveness.
type HeartbeatPayload struct {
	State        string `json:"state"`
	CurrentJobID string `json:"currentJobId,omitempty"`
	Drain        bool   `json:"drain"`
}

// AssignStartPayload instructs the agent to start a job. The agent must
// reply with assign.ack within the orchestrator's assign-ack TTL or the
// assignment is reverted. The orchestrator matches the ack to the
// assignment by jobId and the sending agent, not by msgId.
type AssignStartPayload struct {
	JobID          string         `json:"jobId"`
	TemplateID     string         `json:"templateId,omitempty"`
	InlineConfig   map[string]any `json:"inlineConfig,omitempty"`
	StreamMetadata any            `json:"streamMetadata"`
}

// AssignAckPayload is the agent's reply to assign.start.
type AssignAckPayload struct {
	JobID    string `json:"jobId"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// JobStopPayload instructs the agent to stop a running job, e.g. on
// cancellation or operator request.
type JobStopPayload struct {
	JobID string `json:"jobId"`
}

// JobUpdatePayload reports a job status transition observed by the agent.
type JobUpdatePayload struct {
	JobID   string         `json:"jobId"`
	Status  string         `json:"status"`
	Error   *JobErrorWire  `json:"error,omitempty"`
	YouTube map[string]any `json:"youtube,omitempty"`
}

// JobStoppedPayload confirms the agent has fully torn down a job and
// released its slot.
type JobStoppedPayload struct {
	JobID  string        `json:"jobId"`
	Status string        `json:"status"`
	Error  *JobErrorWire `json:"error,omitempty"`
}

// JobErrorWire is the wire shape of model.JobError.
type JobErrorWire struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorPayload reports a protocol-level error not tied to a specific job.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
