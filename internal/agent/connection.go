// ABOUTME: Represents a single connected agent and owns its WebSocket transport.
// ABOUTME: A dedicated writer pump is the only code path that writes the socket.

package agent

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hivespace/hive-control/internal/protocol"
)

// ErrEnqueueTimeout is returned when the outbound queue stays full past the
// enqueue deadline. Callers should treat this as retryable backpressure.
var ErrEnqueueTimeout = errors.New("enqueue timed out: outbound queue full")

// ErrShuttingDown is returned when enqueueing on a closed connection.
var ErrShuttingDown = errors.New("connection shutting down")

const (
	// sendQueueSize bounds the outbound frame queue per connection.
	sendQueueSize = 256

	// enqueueTimeout bounds how long Enqueue blocks on a full queue.
	enqueueTimeout = 5 * time.Second

	// writeWait is the deadline for a single socket write.
	writeWait = 10 * time.Second

	// maxFrameSize limits inbound frames from an agent.
	maxFrameSize = 512 * 1024
)

// Connection owns one agent's physical WebSocket connection. All outbound
// traffic goes through Enqueue; a single writer pump drains the queue and
// injects keepalive pings, so at most one frame is ever in flight.
type Connection struct {
	AgentID   string
	Platform  string
	Region    string
	ClusterID string

	ws             *websocket.Conn
	sendq          chan []byte
	done           chan struct{}
	closeOnce      sync.Once
	pingInterval   time.Duration
	readTimeout    time.Duration
	enqueueTimeout time.Duration
	logger         *slog.Logger

	// inflight tracks command IDs handed to this connection that the agent
	// has not yet acknowledged. Released back to the dispatcher on close.
	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// ConnectionParams configures a new Connection.
type ConnectionParams struct {
	AgentID      string
	Platform     string
	Region       string
	ClusterID    string
	Conn         *websocket.Conn
	PingInterval time.Duration
	ReadTimeout  time.Duration

	// QueueSize and EnqueueTimeout override the outbound queue defaults.
	// Zero keeps the package defaults.
	QueueSize      int
	EnqueueTimeout time.Duration

	Logger *slog.Logger
}

// NewConnection wraps an upgraded WebSocket connection for a registered agent.
func NewConnection(p ConnectionParams) *Connection {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := p.QueueSize
	if queueSize <= 0 {
		queueSize = sendQueueSize
	}
	enqTimeout := p.EnqueueTimeout
	if enqTimeout <= 0 {
		enqTimeout = enqueueTimeout
	}
	return &Connection{
		AgentID:        p.AgentID,
		Platform:       p.Platform,
		Region:         p.Region,
		ClusterID:      p.ClusterID,
		ws:             p.Conn,
		sendq:          make(chan []byte, queueSize),
		done:           make(chan struct{}),
		pingInterval:   p.PingInterval,
		readTimeout:    p.ReadTimeout,
		enqueueTimeout: enqTimeout,
		inflight:       make(map[string]struct{}),
		logger:         logger.With("component", "connection", "agent_id", p.AgentID),
	}
}

// Enqueue submits an outbound frame. Blocks up to the enqueue timeout when
// the queue is full, then fails rather than stalling the caller forever.
func (c *Connection) Enqueue(frame []byte) error {
	select {
	case <-c.done:
		return ErrShuttingDown
	default:
	}

	timer := time.NewTimer(c.enqueueTimeout)
	defer timer.Stop()

	select {
	case c.sendq <- frame:
		return nil
	case <-c.done:
		return ErrShuttingDown
	case <-timer.C:
		return ErrEnqueueTimeout
	}
}

// EnqueueFrame encodes a payload into a protocol envelope and enqueues it.
func (c *Connection) EnqueueFrame(frameType string, payload any) error {
	data, err := protocol.Encode(frameType, payload)
	if err != nil {
		return err
	}
	return c.Enqueue(data)
}

// Start launches the reader and writer pumps. onFrame receives every decoded
// inbound envelope; onClose fires exactly once when either pump terminates.
func (c *Connection) Start(onFrame func(*protocol.Envelope), onClose func()) {
	var closeNotify sync.Once
	notify := func() {
		c.Close()
		closeNotify.Do(onClose)
	}
	go c.writePump(notify)
	go c.readPump(onFrame, notify)
}

// writePump is the single writer for the socket. It drains the queue in FIFO
// order and injects a ping on each interval; queued application frames are
// flushed before the ping so keepalives never preempt them.
func (c *Connection) writePump(notify func()) {
	defer notify()

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.sendq:
			if err := c.write(frame); err != nil {
				c.logger.Warn("write failed, closing connection", "error", err)
				return
			}

		case <-ticker.C:
			if !c.flushQueued() {
				return
			}
			ping, err := protocol.Encode(protocol.TypePing, nil)
			if err != nil {
				c.logger.Error("encoding ping", "error", err)
				return
			}
			if err := c.write(ping); err != nil {
				c.logger.Warn("ping failed, closing connection", "error", err)
				return
			}

		case <-c.done:
			return
		}
	}
}

// flushQueued writes any frames already queued, without blocking for more.
func (c *Connection) flushQueued() bool {
	for {
		select {
		case frame := <-c.sendq:
			if err := c.write(frame); err != nil {
				c.logger.Warn("write failed, closing connection", "error", err)
				return false
			}
		default:
			return true
		}
	}
}

func (c *Connection) write(frame []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// readPump decodes inbound frames and forwards them upward. Any transport or
// decode error terminates the connection.
func (c *Connection) readPump(onFrame func(*protocol.Envelope), notify func()) {
	defer notify()

	c.ws.SetReadLimit(maxFrameSize)

	for {
		if err := c.ws.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Info("read failed, closing connection", "error", err)
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("malformed frame, closing connection", "error", err)
			return
		}
		onFrame(env)
	}
}

// TrackCommand records a command handed to this connection but not yet
// acknowledged by the agent.
func (c *Connection) TrackCommand(commandID string) {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	c.inflight[commandID] = struct{}{}
}

// ResolveCommand stops tracking a command once the agent acknowledges or
// reports on it.
func (c *Connection) ResolveCommand(commandID string) {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	delete(c.inflight, commandID)
}

// InflightCommands returns the command IDs still awaiting acknowledgment.
func (c *Connection) InflightCommands() []string {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()

	ids := make([]string, 0, len(c.inflight))
	for id := range c.inflight {
		ids = append(ids, id)
	}
	return ids
}

// Close terminates the connection and both pumps. Safe to call repeatedly.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}
