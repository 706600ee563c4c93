// ABOUTME: Manages connected agents, registration handshakes, and liveness.
// ABOUTME: Central registry consulted by the selector; routes inbound frames.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hivespace/hive-control/internal/events"
	"github.com/hivespace/hive-control/internal/protocol"
	"github.com/hivespace/hive-control/internal/store"
)

// ErrAgentNotFound indicates the specified agent is not connected.
var ErrAgentNotFound = errors.New("agent not found")

// CommandHandler receives command lifecycle frames and released commands.
// Implemented by the dispatcher; wired after construction to avoid a cycle.
type CommandHandler interface {
	// HandleAck is called when an agent acknowledges receipt of a command.
	HandleAck(ctx context.Context, agentID, commandID string)

	// HandleComplete is called when an agent reports successful execution.
	HandleComplete(ctx context.Context, agentID, commandID string, result map[string]string)

	// HandleFailed is called when an agent reports failure. A failure before
	// acknowledgment is a fast-fail rejection.
	HandleFailed(ctx context.Context, agentID, commandID, errorMessage string)

	// ReleaseCommands is called when a connection closes with commands still
	// awaiting acknowledgment, so they can be retried elsewhere.
	ReleaseCommands(ctx context.Context, agentID string, commandIDs []string)
}

// Snapshot is a consistent read of one agent's selection-relevant state.
type Snapshot struct {
	AgentID        string
	ClusterID      string
	Platform       string
	Region         string
	ActiveSessions int
	LastHeartbeat  time.Time
}

// record is the in-memory state for one connected agent. Each record has its
// own lock so a status flip and a selection read for the same agent never
// interleave, while unrelated agents proceed in parallel.
type record struct {
	mu             sync.Mutex
	conn           *Connection
	activeSessions int
	lastHeartbeat  time.Time
}

// Manager coordinates all connected agents. It owns agent liveness state:
// status flips happen only through registration, disconnect, and the
// liveness monitor.
type Manager struct {
	mu      sync.RWMutex
	records map[string]*record

	store   store.Store
	bus     *events.Bus
	handler CommandHandler
	logger  *slog.Logger

	heartbeatTimeout time.Duration
	pingInterval     time.Duration
}

// ManagerParams configures a new Manager.
type ManagerParams struct {
	Store            store.Store
	Bus              *events.Bus
	HeartbeatTimeout time.Duration
	PingInterval     time.Duration
	Logger           *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(p ManagerParams) *Manager {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		records:          make(map[string]*record),
		store:            p.Store,
		bus:              p.Bus,
		heartbeatTimeout: p.HeartbeatTimeout,
		pingInterval:     p.PingInterval,
		logger:           logger.With("component", "agent-manager"),
	}
}

// SetHandler wires the command handler. Must be called before any agent
// connects.
func (m *Manager) SetHandler(h CommandHandler) {
	m.handler = h
}

// Register completes a registration handshake: the agent row is persisted
// and marked online, the connection's pumps are started, and a register_ack
// is enqueued. An existing connection for the same agent is replaced.
func (m *Manager) Register(ctx context.Context, conn *Connection, reg *protocol.Register) error {
	now := time.Now().UTC()

	var capacity *string
	if reg.Capacity != nil {
		data, err := json.Marshal(reg.Capacity)
		if err == nil {
			s := string(data)
			capacity = &s
		}
	}

	if err := m.store.UpsertAgent(ctx, &store.Agent{
		AgentID:       reg.AgentID,
		Platform:      reg.Platform,
		Region:        reg.Region,
		ClusterID:     reg.ClusterID,
		Status:        store.AgentOnline,
		Capacity:      capacity,
		LastHeartbeat: &now,
	}); err != nil {
		return err
	}

	m.mu.Lock()
	if existing, ok := m.records[reg.AgentID]; ok {
		m.logger.Info("agent already connected, replacing old connection",
			"agent_id", reg.AgentID)
		existing.mu.Lock()
		existing.conn.Close()
		existing.mu.Unlock()
	}
	rec := &record{conn: conn, lastHeartbeat: now}
	m.records[reg.AgentID] = rec
	total := len(m.records)
	m.mu.Unlock()

	conn.Start(
		func(env *protocol.Envelope) { m.handleFrame(conn, env) },
		func() { m.handleClose(conn) },
	)

	if err := conn.EnqueueFrame(protocol.TypeRegisterAck, &protocol.RegisterAck{Status: "ok"}); err != nil {
		return err
	}

	m.logger.Info("agent connected",
		"agent_id", reg.AgentID,
		"platform", reg.Platform,
		"cluster_id", reg.ClusterID,
		"total_agents", total,
	)
	m.bus.Publish(events.AgentConnected, map[string]string{
		"agent_id":   reg.AgentID,
		"cluster_id": reg.ClusterID,
	})
	return nil
}

// handleFrame routes a decoded inbound frame from one agent.
func (m *Manager) handleFrame(conn *Connection, env *protocol.Envelope) {
	ctx := context.Background()

	switch env.Type {
	case protocol.TypeHeartbeat:
		var hb protocol.Heartbeat
		if err := protocol.DecodePayload(env, &hb); err != nil {
			m.logger.Warn("bad heartbeat", "agent_id", conn.AgentID, "error", err)
			return
		}
		m.recordHeartbeat(ctx, conn.AgentID, &hb)

	case protocol.TypeAck:
		var ack protocol.Ack
		if err := protocol.DecodePayload(env, &ack); err != nil {
			m.logger.Warn("bad ack", "agent_id", conn.AgentID, "error", err)
			return
		}
		conn.ResolveCommand(ack.CommandID)
		m.handler.HandleAck(ctx, conn.AgentID, ack.CommandID)

	case protocol.TypeComplete:
		var done protocol.Complete
		if err := protocol.DecodePayload(env, &done); err != nil {
			m.logger.Warn("bad complete", "agent_id", conn.AgentID, "error", err)
			return
		}
		conn.ResolveCommand(done.CommandID)
		m.handler.HandleComplete(ctx, conn.AgentID, done.CommandID, done.Result)

	case protocol.TypeFailed:
		var failed protocol.Failed
		if err := protocol.DecodePayload(env, &failed); err != nil {
			m.logger.Warn("bad failed frame", "agent_id", conn.AgentID, "error", err)
			return
		}
		conn.ResolveCommand(failed.CommandID)
		m.handler.HandleFailed(ctx, conn.AgentID, failed.CommandID, failed.Error)

	default:
		m.logger.Warn("unexpected frame type", "agent_id", conn.AgentID, "type", env.Type)
	}
}

// recordHeartbeat refreshes the in-memory record and the persisted row.
func (m *Manager) recordHeartbeat(ctx context.Context, agentID string, hb *protocol.Heartbeat) {
	m.mu.RLock()
	rec, ok := m.records[agentID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	rec.mu.Lock()
	rec.lastHeartbeat = time.Now().UTC()
	rec.activeSessions = hb.ActiveSessions
	rec.mu.Unlock()

	var capacity *string
	if hb.Capacity != nil {
		if data, err := json.Marshal(hb.Capacity); err == nil {
			s := string(data)
			capacity = &s
		}
	}
	if err := m.store.RecordHeartbeat(ctx, agentID, hb.ActiveSessions, capacity); err != nil {
		m.logger.Warn("persisting heartbeat", "agent_id", agentID, "error", err)
	}
}

// handleClose runs when a connection's pumps terminate. Commands awaiting
// acknowledgment are released to the dispatcher, and the agent is marked
// offline unless a replacement connection already took its slot.
func (m *Manager) handleClose(conn *Connection) {
	ctx := context.Background()

	m.mu.Lock()
	rec, ok := m.records[conn.AgentID]
	replaced := ok && rec.conn != conn
	if ok && !replaced {
		delete(m.records, conn.AgentID)
	}
	total := len(m.records)
	m.mu.Unlock()

	inflight := conn.InflightCommands()
	if len(inflight) > 0 {
		m.handler.ReleaseCommands(ctx, conn.AgentID, inflight)
	}

	if replaced {
		return
	}

	if err := m.store.SetAgentStatus(ctx, conn.AgentID, store.AgentOffline); err != nil &&
		!errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("marking agent offline", "agent_id", conn.AgentID, "error", err)
	}

	m.logger.Info("agent disconnected",
		"agent_id", conn.AgentID,
		"total_agents", total,
	)
	m.bus.Publish(events.AgentDisconnected, map[string]string{"agent_id": conn.AgentID})
}

// Snapshot returns a consistent selection view of all connected agents.
// Agents whose heartbeat has gone stale are excluded even before the
// liveness monitor demotes them.
func (m *Manager) Snapshot() []Snapshot {
	m.mu.RLock()
	recs := make(map[string]*record, len(m.records))
	for id, rec := range m.records {
		recs[id] = rec
	}
	m.mu.RUnlock()

	now := time.Now().UTC()
	snaps := make([]Snapshot, 0, len(recs))
	for id, rec := range recs {
		rec.mu.Lock()
		snap := Snapshot{
			AgentID:        id,
			ClusterID:      rec.conn.ClusterID,
			Platform:       rec.conn.Platform,
			Region:         rec.conn.Region,
			ActiveSessions: rec.activeSessions,
			LastHeartbeat:  rec.lastHeartbeat,
		}
		rec.mu.Unlock()

		if now.Sub(snap.LastHeartbeat) > m.heartbeatTimeout {
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps
}

// Get returns the live connection for an agent, if any.
func (m *Manager) Get(agentID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[agentID]
	if !ok {
		return nil, false
	}
	return rec.conn, true
}

// IsOnline reports whether an agent is currently connected.
func (m *Manager) IsOnline(agentID string) bool {
	_, ok := m.Get(agentID)
	return ok
}

// IncrementLoad bumps the in-memory load for an agent after placement, so
// back-to-back selections don't pile onto one agent between heartbeats.
func (m *Manager) IncrementLoad(agentID string) {
	m.mu.RLock()
	rec, ok := m.records[agentID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.activeSessions++
	rec.mu.Unlock()
}

// RunLivenessMonitor periodically demotes agents whose heartbeats stopped.
// Blocks until ctx is cancelled.
func (m *Manager) RunLivenessMonitor(ctx context.Context) {
	ticker := time.NewTicker(m.heartbeatTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.demoteStale()
		}
	}
}

func (m *Manager) demoteStale() {
	now := time.Now().UTC()

	m.mu.RLock()
	var stale []*Connection
	for _, rec := range m.records {
		rec.mu.Lock()
		if now.Sub(rec.lastHeartbeat) > m.heartbeatTimeout {
			stale = append(stale, rec.conn)
		}
		rec.mu.Unlock()
	}
	m.mu.RUnlock()

	for _, conn := range stale {
		m.logger.Info("agent heartbeat stale, closing connection",
			"agent_id", conn.AgentID)
		m.bus.Publish(events.AgentOffline, map[string]string{"agent_id": conn.AgentID})
		// Close triggers handleClose, which marks the agent offline and
		// releases its in-flight commands.
		conn.Close()
	}
}

// Shutdown notifies all connected agents and closes their connections.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.records))
	for _, rec := range m.records {
		conns = append(conns, rec.conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.EnqueueFrame(protocol.TypeShutdown, nil); err != nil {
			m.logger.Debug("shutdown notice failed", "agent_id", conn.AgentID, "error", err)
		}
		conn.Close()
	}
}
