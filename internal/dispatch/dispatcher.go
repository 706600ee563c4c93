// ABOUTME: Dispatcher orchestrating quota, selection, persistence, and handoff.
// ABOUTME: Drives each command through its lifecycle and finalizes sessions.

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hivespace/hive-control/internal/agent"
	"github.com/hivespace/hive-control/internal/events"
	"github.com/hivespace/hive-control/internal/protocol"
	"github.com/hivespace/hive-control/internal/store"
)

// SessionRequest is an inbound request to provision a session.
type SessionRequest struct {
	UserID    string
	Template  string
	ClusterID *string
	Resources map[string]string
}

// Dispatcher is the single entry point for creating and cancelling sessions.
// It coordinates the registry and the store but owns neither's invariants.
type Dispatcher struct {
	store   store.Store
	manager *agent.Manager
	bus     *events.Bus
	logger  *slog.Logger

	quotaLimit         int
	clusterScopedQuota bool
	maxRetries         int
}

// Params configures a new Dispatcher.
type Params struct {
	Store   store.Store
	Manager *agent.Manager
	Bus     *events.Bus
	Logger  *slog.Logger

	// QuotaLimit is the maximum number of non-terminal sessions per user.
	// Zero disables the quota check.
	QuotaLimit int

	// ClusterScopedQuota counts the quota per cluster instead of globally.
	ClusterScopedQuota bool

	// MaxRetries bounds re-selections after a dispatch failure.
	MaxRetries int
}

// New creates a Dispatcher. Wire it into the manager with SetHandler before
// accepting agent connections.
func New(p Params) *Dispatcher {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Dispatcher{
		store:              p.Store,
		manager:            p.Manager,
		bus:                p.Bus,
		quotaLimit:         p.QuotaLimit,
		clusterScopedQuota: p.ClusterScopedQuota,
		maxRetries:         maxRetries,
		logger:             logger.With("component", "dispatcher"),
	}
}

// CreateSession validates quota, selects an agent, persists the session and
// its start command, and hands the command to the agent's connection. It
// returns once dispatch has been attempted; provisioning completes
// asynchronously when the agent reports back.
func (d *Dispatcher) CreateSession(ctx context.Context, req *SessionRequest) (*store.Session, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if req.Template == "" {
		return nil, fmt.Errorf("template is required")
	}

	// Quota first: a read no older than this request. Concurrent requests
	// by the same user can overshoot by the race margin, which is accepted.
	if d.quotaLimit > 0 {
		var scope *string
		if d.clusterScopedQuota {
			scope = req.ClusterID
		}
		count, err := d.store.CountActiveSessions(ctx, req.UserID, scope)
		if err != nil {
			return nil, newError(KindPersistence, "counting active sessions", err)
		}
		if count >= d.quotaLimit {
			return nil, newError(KindQuotaExceeded,
				fmt.Sprintf("user %s has %d active sessions (limit %d)", req.UserID, count, d.quotaLimit), nil)
		}
	}

	// Selection before any persistence: no capacity means no command row.
	agentID, err := Select(d.manager.Snapshot(), req.ClusterID)
	if err != nil {
		return nil, err
	}

	var resources *string
	if len(req.Resources) > 0 {
		data, err := json.Marshal(req.Resources)
		if err != nil {
			return nil, fmt.Errorf("encoding resources: %w", err)
		}
		s := string(data)
		resources = &s
	}

	session := &store.Session{
		UserID:    req.UserID,
		Template:  req.Template,
		ClusterID: req.ClusterID,
		AgentID:   &agentID,
		Resources: resources,
		State:     store.SessionPending,
	}
	if err := d.store.CreateSession(ctx, session); err != nil {
		return nil, newError(KindPersistence, "creating session", err)
	}
	d.bus.Publish(events.SessionCreated, map[string]string{
		"session_id": session.ID,
		"user_id":    session.UserID,
		"agent_id":   agentID,
	})

	payload := map[string]string{
		"session_id": session.ID,
		"user":       req.UserID,
		"template":   req.Template,
	}
	for k, v := range req.Resources {
		payload[k] = v
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding command payload: %w", err)
	}
	payloadStr := string(payloadJSON)

	cmd := &store.Command{
		SessionID: session.ID,
		AgentID:   agentID,
		Action:    protocol.ActionStartSession,
		Payload:   &payloadStr,
		Status:    store.CommandPending,
	}
	if err := d.store.CreateCommand(ctx, cmd); err != nil {
		// Never leave an agent holding work with no durable record: the
		// command was not persisted, so nothing was handed off. The session
		// row is finalized as failed.
		msg := "persistence failure during dispatch"
		d.finalizeSession(ctx, session.ID, store.SessionFailed, &msg)
		d.bus.Publish(events.SessionFailed, map[string]string{
			"session_id": session.ID,
			"error":      msg,
		})
		return nil, newError(KindPersistence, "creating command", err)
	}

	if err := d.dispatch(ctx, cmd); err != nil {
		return session, err
	}
	return session, nil
}

// dispatch hands a pending command to its agent's connection, re-selecting
// on failure up to the retry budget.
func (d *Dispatcher) dispatch(ctx context.Context, cmd *store.Command) error {
	var lastErr error
	lastKind := KindConnectionLost

	for {
		if err := ctx.Err(); err != nil {
			return newError(KindCancelled, "dispatch cancelled", err)
		}

		conn, ok := d.manager.Get(cmd.AgentID)
		if !ok {
			lastErr = fmt.Errorf("agent %s: %w", cmd.AgentID, agent.ErrAgentNotFound)
			lastKind = KindConnectionLost
			if err := d.store.MarkDispatchFailed(ctx, cmd.ID, lastErr.Error()); err != nil {
				return newError(KindPersistence, "recording dispatch failure", err)
			}
		} else {
			if err := d.store.MarkDispatched(ctx, cmd.ID); err != nil {
				return newError(KindPersistence, "recording dispatch", err)
			}
			frame, err := d.commandFrame(cmd)
			if err != nil {
				return err
			}

			conn.TrackCommand(cmd.ID)
			if err := conn.EnqueueFrame(protocol.TypeCommand, frame); err == nil {
				d.manager.IncrementLoad(cmd.AgentID)
				// A hibernating session stays running until the agent
				// confirms the checkpoint; everything else provisions.
				if cmd.Action != protocol.ActionHibernateSession {
					if serr := d.store.SetSessionState(ctx, cmd.SessionID, store.SessionProvisioning, nil); serr != nil {
						d.logger.Warn("updating session state", "session_id", cmd.SessionID, "error", serr)
					}
				}
				d.logger.Info("command dispatched",
					"command_id", cmd.ID,
					"agent_id", cmd.AgentID,
					"action", cmd.Action,
					"attempt", cmd.Attempts+1,
				)
				return nil
			} else {
				conn.ResolveCommand(cmd.ID)
				lastErr = err
				if errors.Is(err, agent.ErrEnqueueTimeout) {
					lastKind = KindDispatchTimeout
				} else {
					lastKind = KindConnectionLost
				}
				if serr := d.store.MarkDispatchFailed(ctx, cmd.ID, err.Error()); serr != nil {
					return newError(KindPersistence, "recording dispatch failure", serr)
				}
			}
		}

		if cmd.Attempts >= d.maxRetries {
			return d.failDispatch(ctx, cmd, lastKind, lastErr)
		}

		session, err := d.store.GetSession(ctx, cmd.SessionID)
		if err != nil {
			return newError(KindPersistence, "loading session for re-selection", err)
		}
		agentID, err := Select(d.manager.Snapshot(), session.ClusterID)
		if err != nil {
			return d.failDispatch(ctx, cmd, lastKind, lastErr)
		}

		d.logger.Info("re-selecting agent for command",
			"command_id", cmd.ID,
			"previous_agent", cmd.AgentID,
			"new_agent", agentID,
		)
		if err := d.store.RequeueCommand(ctx, cmd.ID, agentID); err != nil {
			return newError(KindPersistence, "requeueing command", err)
		}
		if err := d.store.AssignSessionAgent(ctx, cmd.SessionID, agentID); err != nil {
			d.logger.Warn("reassigning session agent", "session_id", cmd.SessionID, "error", err)
		}
		cmd.AgentID = agentID
		cmd.Attempts++
	}
}

// failDispatch finalizes a command whose retry budget is exhausted.
func (d *Dispatcher) failDispatch(ctx context.Context, cmd *store.Command, kind Kind, cause error) error {
	msg := fmt.Sprintf("dispatch failed after %d attempts: %v", cmd.Attempts+1, cause)
	if err := d.store.FailCommand(ctx, cmd.ID, msg); err != nil &&
		!errors.Is(err, store.ErrInvalidTransition) {
		d.logger.Error("failing command", "command_id", cmd.ID, "error", err)
	}
	d.finalizeSession(ctx, cmd.SessionID, store.SessionFailed, &msg)
	d.bus.Publish(events.CommandFailed, map[string]string{
		"command_id": cmd.ID,
		"session_id": cmd.SessionID,
		"error":      msg,
	})
	d.bus.Publish(events.SessionFailed, map[string]string{
		"session_id": cmd.SessionID,
		"error":      msg,
	})
	return newError(kind, "dispatch failed", cause)
}

// commandFrame builds the wire frame for a persisted command.
func (d *Dispatcher) commandFrame(cmd *store.Command) (*protocol.Command, error) {
	frame := &protocol.Command{
		CommandID: cmd.ID,
		SessionID: cmd.SessionID,
		Action:    cmd.Action,
	}
	if cmd.Payload != nil {
		if err := json.Unmarshal([]byte(*cmd.Payload), &frame.Payload); err != nil {
			return nil, fmt.Errorf("decoding payload for command %s: %w", cmd.ID, err)
		}
	}
	return frame, nil
}

// HandleAck moves a command to running when the bound agent acknowledges it.
// Implements agent.CommandHandler.
func (d *Dispatcher) HandleAck(ctx context.Context, agentID, commandID string) {
	cmd, err := d.store.GetCommand(ctx, commandID)
	if err != nil {
		d.logger.Warn("ack for unknown command", "command_id", commandID, "agent_id", agentID)
		return
	}
	if cmd.AgentID != agentID {
		d.logger.Warn("ack from unbound agent, ignoring",
			"command_id", commandID, "agent_id", agentID, "bound_agent", cmd.AgentID)
		return
	}
	if err := d.store.MarkRunning(ctx, commandID); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			d.logger.Debug("late ack discarded", "command_id", commandID, "status", cmd.Status)
			return
		}
		d.logger.Error("marking command running", "command_id", commandID, "error", err)
	}
}

// HandleComplete finalizes a command the bound agent completed and moves its
// session to the state the command type implies. A result for an
// already-terminal command is discarded without a second transition or a
// duplicate event. Implements agent.CommandHandler.
func (d *Dispatcher) HandleComplete(ctx context.Context, agentID, commandID string, result map[string]string) {
	cmd, err := d.store.GetCommand(ctx, commandID)
	if err != nil {
		d.logger.Warn("result for unknown command", "command_id", commandID, "agent_id", agentID)
		return
	}
	if cmd.AgentID != agentID {
		d.logger.Warn("result from unbound agent, ignoring",
			"command_id", commandID, "agent_id", agentID, "bound_agent", cmd.AgentID)
		return
	}
	if err := d.store.CompleteCommand(ctx, commandID); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			d.logger.Debug("late result discarded",
				"command_id", commandID, "status", cmd.Status)
			return
		}
		d.logger.Error("completing command", "command_id", commandID, "error", err)
		return
	}

	state, eventName := sessionOutcome(cmd.Action)
	d.finalizeSession(ctx, cmd.SessionID, state, nil)

	d.bus.Publish(events.CommandCompleted, map[string]string{
		"command_id": commandID,
		"session_id": cmd.SessionID,
		"action":     cmd.Action,
	})
	d.bus.Publish(eventName, map[string]string{"session_id": cmd.SessionID})
	d.logger.Info("command completed",
		"command_id", commandID, "session_id", cmd.SessionID, "action", cmd.Action)
}

// HandleFailed finalizes a command the bound agent reported as failed. A
// failure before acknowledgment is the agent's fast-fail rejection and is
// terminal without retry. Implements agent.CommandHandler.
func (d *Dispatcher) HandleFailed(ctx context.Context, agentID, commandID, errorMessage string) {
	cmd, err := d.store.GetCommand(ctx, commandID)
	if err != nil {
		d.logger.Warn("failure for unknown command", "command_id", commandID, "agent_id", agentID)
		return
	}
	if cmd.AgentID != agentID {
		d.logger.Warn("failure from unbound agent, ignoring",
			"command_id", commandID, "agent_id", agentID, "bound_agent", cmd.AgentID)
		return
	}
	if err := d.store.FailCommand(ctx, commandID, errorMessage); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			d.logger.Debug("late failure discarded",
				"command_id", commandID, "status", cmd.Status)
			return
		}
		d.logger.Error("failing command", "command_id", commandID, "error", err)
		return
	}

	d.finalizeSession(ctx, cmd.SessionID, store.SessionFailed, &errorMessage)

	// A failure before acknowledgment is the agent rejecting the command.
	payload := map[string]string{
		"command_id": commandID,
		"session_id": cmd.SessionID,
		"error":      errorMessage,
	}
	if cmd.AcknowledgedAt == nil {
		payload["kind"] = string(KindAgentRejected)
	}
	d.bus.Publish(events.CommandFailed, payload)
	d.bus.Publish(events.SessionFailed, map[string]string{
		"session_id": cmd.SessionID,
		"error":      errorMessage,
	})
	d.logger.Info("command failed",
		"command_id", commandID, "session_id", cmd.SessionID, "error", errorMessage)
}

// ReleaseCommands puts commands stranded by a closed connection into
// dispatch_failed and retries them against another eligible agent.
// Implements agent.CommandHandler.
func (d *Dispatcher) ReleaseCommands(ctx context.Context, agentID string, commandIDs []string) {
	for _, id := range commandIDs {
		if err := d.store.MarkDispatchFailed(ctx, id, "connection lost before acknowledgment"); err != nil {
			if !errors.Is(err, store.ErrInvalidTransition) && !errors.Is(err, store.ErrNotFound) {
				d.logger.Error("releasing command", "command_id", id, "error", err)
			}
			continue
		}

		cmd, err := d.store.GetCommand(ctx, id)
		if err != nil {
			d.logger.Error("loading released command", "command_id", id, "error", err)
			continue
		}
		d.logger.Info("retrying command released by closed connection",
			"command_id", id, "agent_id", agentID)
		d.retryReleased(ctx, cmd)
	}
}

// retryReleased drives one dispatch_failed command through re-selection.
func (d *Dispatcher) retryReleased(ctx context.Context, cmd *store.Command) {
	if cmd.Attempts >= d.maxRetries {
		d.failDispatch(ctx, cmd, KindConnectionLost,
			fmt.Errorf("connection to agent %s lost", cmd.AgentID))
		return
	}

	session, err := d.store.GetSession(ctx, cmd.SessionID)
	if err != nil {
		d.logger.Error("loading session for released command", "command_id", cmd.ID, "error", err)
		return
	}
	agentID, err := Select(d.manager.Snapshot(), session.ClusterID)
	if err != nil {
		d.failDispatch(ctx, cmd, KindConnectionLost,
			fmt.Errorf("no eligible agent after connection loss"))
		return
	}
	if err := d.store.RequeueCommand(ctx, cmd.ID, agentID); err != nil {
		d.logger.Error("requeueing released command", "command_id", cmd.ID, "error", err)
		return
	}
	if err := d.store.AssignSessionAgent(ctx, cmd.SessionID, agentID); err != nil {
		d.logger.Warn("reassigning session agent", "session_id", cmd.SessionID, "error", err)
	}
	cmd.AgentID = agentID
	cmd.Attempts++
	if err := d.dispatch(ctx, cmd); err != nil {
		d.logger.Warn("released command retry failed", "command_id", cmd.ID, "error", err)
	}
}

// CancelSession fails the session's non-terminal commands with a cancelled
// error, sends a best-effort stop notice to the agent, and terminates the
// session. Late results for the cancelled commands are discarded by the
// terminal-state guard.
func (d *Dispatcher) CancelSession(ctx context.Context, sessionID string) error {
	session, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	cmds, err := d.store.ListSessionCommands(ctx, sessionID)
	if err != nil {
		return newError(KindPersistence, "listing session commands", err)
	}
	for _, cmd := range cmds {
		if cmd.Terminal() {
			continue
		}
		if err := d.store.FailCommand(ctx, cmd.ID, "cancelled"); err != nil &&
			!errors.Is(err, store.ErrInvalidTransition) {
			return newError(KindPersistence, "cancelling command", err)
		}
		d.bus.Publish(events.CommandFailed, map[string]string{
			"command_id": cmd.ID,
			"session_id": sessionID,
			"error":      "cancelled",
		})

		// Best-effort notice; the agent may already be gone.
		if conn, ok := d.manager.Get(cmd.AgentID); ok {
			conn.ResolveCommand(cmd.ID)
			notice := &protocol.Command{
				CommandID: cmd.ID,
				SessionID: sessionID,
				Action:    protocol.ActionStopSession,
			}
			if err := conn.EnqueueFrame(protocol.TypeCommand, notice); err != nil {
				d.logger.Debug("cancel notice failed", "command_id", cmd.ID, "error", err)
			}
		}
	}

	if session.State != store.SessionTerminated {
		d.finalizeSession(ctx, sessionID, store.SessionTerminated, nil)
		d.bus.Publish(events.SessionTerminated, map[string]string{"session_id": sessionID})
	}
	return nil
}

// HibernateSession checkpoints a running session on the agent that holds it.
// The session stays running until the agent confirms, then moves to
// hibernated.
func (d *Dispatcher) HibernateSession(ctx context.Context, sessionID string) (*store.Session, error) {
	return d.transitionSession(ctx, sessionID, store.SessionRunning, protocol.ActionHibernateSession)
}

// WakeSession resumes a hibernated session. The agent is re-selected under
// the session's cluster affinity: the agent that hibernated it may be gone.
func (d *Dispatcher) WakeSession(ctx context.Context, sessionID string) (*store.Session, error) {
	return d.transitionSession(ctx, sessionID, store.SessionHibernated, protocol.ActionWakeSession)
}

// transitionSession persists and dispatches a lifecycle command for an
// existing session. The session must currently be in fromState.
func (d *Dispatcher) transitionSession(ctx context.Context, sessionID, fromState, action string) (*store.Session, error) {
	session, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State != fromState {
		return nil, fmt.Errorf("session %s is %s, want %s: %w",
			sessionID, session.State, fromState, store.ErrInvalidTransition)
	}

	var agentID string
	if action == protocol.ActionHibernateSession {
		// Only the agent holding the session can checkpoint it.
		if session.AgentID == nil {
			return nil, fmt.Errorf("session %s has no agent: %w", sessionID, agent.ErrAgentNotFound)
		}
		agentID = *session.AgentID
		if _, ok := d.manager.Get(agentID); !ok {
			return nil, newError(KindConnectionLost,
				fmt.Sprintf("agent %s holding session %s is not connected", agentID, sessionID),
				agent.ErrAgentNotFound)
		}
	} else {
		agentID, err = Select(d.manager.Snapshot(), session.ClusterID)
		if err != nil {
			return nil, err
		}
		if err := d.store.AssignSessionAgent(ctx, sessionID, agentID); err != nil {
			return nil, newError(KindPersistence, "assigning session agent", err)
		}
		session.AgentID = &agentID
	}

	payloadJSON, err := json.Marshal(map[string]string{"session_id": sessionID})
	if err != nil {
		return nil, fmt.Errorf("encoding command payload: %w", err)
	}
	payloadStr := string(payloadJSON)

	cmd := &store.Command{
		SessionID: sessionID,
		AgentID:   agentID,
		Action:    action,
		Payload:   &payloadStr,
		Status:    store.CommandPending,
	}
	if err := d.store.CreateCommand(ctx, cmd); err != nil {
		return nil, newError(KindPersistence, "creating command", err)
	}

	if err := d.dispatch(ctx, cmd); err != nil {
		return session, err
	}
	return session, nil
}

// DispatchPendingCommands re-queues commands left pending by a restart.
func (d *Dispatcher) DispatchPendingCommands(ctx context.Context) error {
	cmds, err := d.store.ListCommandsByStatus(ctx, store.CommandPending)
	if err != nil {
		return newError(KindPersistence, "listing pending commands", err)
	}
	for _, cmd := range cmds {
		if err := d.dispatch(ctx, cmd); err != nil {
			d.logger.Warn("recovered command dispatch failed",
				"command_id", cmd.ID, "error", err)
		}
	}
	if len(cmds) > 0 {
		d.logger.Info("re-dispatched pending commands", "count", len(cmds))
	}
	return nil
}

// finalizeSession updates a session's lifecycle state, logging rather than
// propagating failures: the command record is already authoritative.
func (d *Dispatcher) finalizeSession(ctx context.Context, sessionID, state string, errorMessage *string) {
	if err := d.store.SetSessionState(ctx, sessionID, state, errorMessage); err != nil {
		d.logger.Error("updating session state",
			"session_id", sessionID, "state", state, "error", err)
	}
}

// sessionOutcome maps a completed command action to the session state and
// event it produces.
func sessionOutcome(action string) (state, eventName string) {
	switch action {
	case protocol.ActionHibernateSession:
		return store.SessionHibernated, events.SessionHibernated
	case protocol.ActionStopSession:
		return store.SessionTerminated, events.SessionTerminated
	default:
		// start_session, wake_session
		return store.SessionRunning, events.SessionRunning
	}
}
