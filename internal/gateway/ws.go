// ABOUTME: WebSocket endpoint for agent connections and the register handshake.
// ABOUTME: Upgrades /api/v1/agents/connect and hands validated agents to the registry.

package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hivespace/hive-control/internal/agent"
	"github.com/hivespace/hive-control/internal/protocol"
)

// registerWait bounds how long a fresh connection may take to send its
// register frame before the socket is dropped.
const registerWait = 10 * time.Second

var errMissingAgentID = errors.New("register frame missing agent_id")

func errUnexpectedFrame(frameType string) error {
	return fmt.Errorf("expected register frame, got %q", frameType)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents connect from daemon processes, not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleAgentConnect handles GET /api/v1/agents/connect. The first frame on
// a new socket must be a register; anything else closes the connection. After
// a successful handshake the registry owns the connection.
func (g *Gateway) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	reg, err := g.readRegister(ws)
	if err != nil {
		g.logger.Warn("registration handshake failed", "remote", r.RemoteAddr, "error", err)
		g.rejectConnection(ws, err.Error())
		return
	}

	conn := agent.NewConnection(agent.ConnectionParams{
		AgentID:      reg.AgentID,
		Platform:     reg.Platform,
		Region:       reg.Region,
		ClusterID:    reg.ClusterID,
		Conn:         ws,
		PingInterval: g.config.Agents.PingInterval,
		ReadTimeout:  g.config.Agents.HeartbeatTimeout,
		Logger:       g.logger,
	})

	if err := g.manager.Register(r.Context(), conn, reg); err != nil {
		g.logger.Error("registering agent", "agent_id", reg.AgentID, "error", err)
		g.rejectConnection(ws, "registration failed")
		return
	}
}

// readRegister reads and validates the opening register frame.
func (g *Gateway) readRegister(ws *websocket.Conn) (*protocol.Register, error) {
	if err := ws.SetReadDeadline(time.Now().Add(registerWait)); err != nil {
		return nil, err
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	// Clear the handshake deadline; the read pump sets its own.
	if err := ws.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}

	env, err := protocol.Decode(data)
	if err != nil {
		return nil, err
	}
	if env.Type != protocol.TypeRegister {
		return nil, errUnexpectedFrame(env.Type)
	}

	var reg protocol.Register
	if err := protocol.DecodePayload(env, &reg); err != nil {
		return nil, err
	}
	if reg.AgentID == "" {
		return nil, errMissingAgentID
	}
	return &reg, nil
}

// rejectConnection sends a register_ack error frame and closes the socket.
func (g *Gateway) rejectConnection(ws *websocket.Conn, reason string) {
	frame, err := protocol.Encode(protocol.TypeRegisterAck, &protocol.RegisterAck{
		Status: "error",
		Error:  reason,
	})
	if err == nil {
		_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_ = ws.WriteMessage(websocket.TextMessage, frame)
	}
	_ = ws.Close()
}
