// ABOUTME: Wire protocol frames exchanged between the control plane and agents.
// ABOUTME: All frames are JSON envelopes with a type tag and a raw payload.

package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the top-level structure for every frame on an agent connection.
// Type determines how Payload is decoded.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Frame types sent from the control plane to agents.
const (
	TypeCommand     = "command"
	TypePing        = "ping"
	TypeShutdown    = "shutdown"
	TypeRegisterAck = "register_ack"
)

// Frame types sent from agents to the control plane.
const (
	TypeRegister  = "register"
	TypeHeartbeat = "heartbeat"
	TypeAck       = "ack"
	TypeComplete  = "complete"
	TypeFailed    = "failed"
)

// Register is the first frame an agent sends after connecting. The control
// plane answers with a RegisterAck and only then treats the agent as online.
type Register struct {
	AgentID   string    `json:"agent_id"`
	Platform  string    `json:"platform"`
	Region    string    `json:"region,omitempty"`
	ClusterID string    `json:"cluster_id,omitempty"`
	Capacity  *Capacity `json:"capacity,omitempty"`
}

// Capacity describes an agent's resource limits, refreshed by heartbeats.
type Capacity struct {
	MaxSessions int    `json:"max_sessions"`
	CPU         string `json:"cpu,omitempty"`
	Memory      string `json:"memory,omitempty"`
}

// RegisterAck confirms or rejects a registration handshake.
type RegisterAck struct {
	Status string `json:"status"` // "ok" or "rejected"
	Error  string `json:"error,omitempty"`
}

// Heartbeat is the agent's periodic keepalive. ActiveSessions feeds the
// selector's load view.
type Heartbeat struct {
	ActiveSessions int       `json:"active_sessions"`
	Capacity       *Capacity `json:"capacity,omitempty"`
}

// Command instructs an agent to execute one unit of work.
type Command struct {
	CommandID string            `json:"command_id"`
	SessionID string            `json:"session_id"`
	Action    string            `json:"action"`
	Payload   map[string]string `json:"payload,omitempty"`
}

// Command actions.
const (
	ActionStartSession     = "start_session"
	ActionStopSession      = "stop_session"
	ActionHibernateSession = "hibernate_session"
	ActionWakeSession      = "wake_session"
)

// Ack acknowledges receipt of a command. Execution has begun.
type Ack struct {
	CommandID string `json:"command_id"`
}

// Complete reports successful command execution.
type Complete struct {
	CommandID string            `json:"command_id"`
	Result    map[string]string `json:"result,omitempty"`
}

// Failed reports command failure. Sent before an Ack it means the agent
// rejected the command outright.
type Failed struct {
	CommandID string `json:"command_id"`
	Error     string `json:"error"`
}

// Encode wraps a payload in an Envelope and marshals it for transmission.
func Encode(frameType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s payload: %w", frameType, err)
		}
		raw = data
	}

	env := Envelope{
		Type:      frameType,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s envelope: %w", frameType, err)
	}
	return data, nil
}

// Decode parses a received frame into an Envelope. The payload is left raw
// for the caller to decode based on Type.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("frame has no type")
	}
	return &env, nil
}

// DecodePayload unmarshals an envelope's payload into dst.
func DecodePayload(env *Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("decoding %s payload: %w", env.Type, err)
	}
	return nil
}
