// ABOUTME: Store interface and data types for hive-control persistence
// ABOUTME: Defines Agent, Session, Command records and their lifecycle contracts

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a lifecycle update does not match the
// record's current state. Terminal command states are never revisited.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrAgentReferenced is returned when deleting an agent that historical
// commands still reference. Such agents are retired instead.
var ErrAgentReferenced = errors.New("agent referenced by commands")

// Agent status values.
const (
	AgentOnline  = "online"
	AgentOffline = "offline"
	AgentRetired = "retired"
)

// Session lifecycle states.
const (
	SessionPending      = "pending"
	SessionProvisioning = "provisioning"
	SessionRunning      = "running"
	SessionHibernated   = "hibernated"
	SessionTerminated   = "terminated"
	SessionFailed       = "failed"
)

// Command lifecycle states. Completed and failed are terminal.
const (
	CommandPending        = "pending"
	CommandDispatched     = "dispatched"
	CommandRunning        = "running"
	CommandCompleted      = "completed"
	CommandFailed         = "failed"
	CommandDispatchFailed = "dispatch_failed"
)

// Agent is the persisted record of a known execution agent.
// Capacity is raw JSON; nil means the agent never reported capacity.
type Agent struct {
	ID             string
	AgentID        string
	Platform       string
	Region         string
	ClusterID      string
	Status         string
	ActiveSessions int
	Capacity       *string
	LastHeartbeat  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Session is the user-facing resource a command serves.
// ClusterID is nil when the session declares no cluster affinity.
// AgentID is nil until the dispatcher places the session.
type Session struct {
	ID           string
	UserID       string
	Template     string
	ClusterID    *string
	AgentID      *string
	Resources    *string
	State        string
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Command is one unit of dispatched work bound to a session.
// ErrorMessage and the trailing timestamps are pointers: nil means the field
// does not apply, which is distinct from an empty value.
type Command struct {
	ID             string
	SessionID      string
	AgentID        string
	Action         string
	Payload        *string
	Status         string
	Attempts       int
	ErrorMessage   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DispatchedAt   *time.Time
	AcknowledgedAt *time.Time
	CompletedAt    *time.Time
}

// Terminal reports whether the command has reached a final state.
func (c *Command) Terminal() bool {
	return c.Status == CommandCompleted || c.Status == CommandFailed
}

// Store defines the persistence contract for agents, sessions, and commands.
type Store interface {
	// Agents
	UpsertAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	SetAgentStatus(ctx context.Context, agentID, status string) error
	RecordHeartbeat(ctx context.Context, agentID string, activeSessions int, capacity *string) error
	RetireAgent(ctx context.Context, agentID string) error
	DeleteAgent(ctx context.Context, agentID string) error

	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListUserSessions(ctx context.Context, userID string) ([]*Session, error)
	CountActiveSessions(ctx context.Context, userID string, clusterID *string) (int, error)
	AssignSessionAgent(ctx context.Context, sessionID, agentID string) error
	SetSessionState(ctx context.Context, id, state string, errorMessage *string) error

	// Commands
	CreateCommand(ctx context.Context, cmd *Command) error
	GetCommand(ctx context.Context, id string) (*Command, error)
	ListCommandsByStatus(ctx context.Context, status string) ([]*Command, error)
	ListSessionCommands(ctx context.Context, sessionID string) ([]*Command, error)
	MarkDispatched(ctx context.Context, id string) error
	MarkRunning(ctx context.Context, id string) error
	MarkDispatchFailed(ctx context.Context, id, reason string) error
	RequeueCommand(ctx context.Context, id, agentID string) error
	CompleteCommand(ctx context.Context, id string) error
	FailCommand(ctx context.Context, id, reason string) error

	// Close releases any resources held by the store.
	Close() error
}
