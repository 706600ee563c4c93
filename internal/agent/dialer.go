// ABOUTME: Agent-side dialer with bounded backoff used to reach the control plane.
// ABOUTME: Each attempt re-runs the registration handshake from scratch.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hivespace/hive-control/internal/protocol"
)

// ErrRetriesExhausted is returned when every connection attempt failed.
var ErrRetriesExhausted = errors.New("connection retries exhausted")

// Dialer connects an agent to the control plane with a bounded retry policy:
// exponential backoff, capped attempt count, a fresh registration handshake
// per attempt.
type Dialer struct {
	URL          string
	Register     protocol.Register
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Logger       *slog.Logger
}

// Dial attempts to connect and register until it succeeds or the retry
// budget is exhausted. On success the connection is registered and ready
// for traffic.
func (d *Dialer) Dial(ctx context.Context) (*websocket.Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxAttempts := d.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	delay := d.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}
	maxDelay := d.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		conn, err := d.dialOnce(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		logger.Warn("connection attempt failed",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"error", err,
		)

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, maxAttempts, lastErr)
}

// dialOnce performs one connect + registration handshake.
func (d *Dialer) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", d.URL, err)
	}

	frame, err := protocol.Encode(protocol.TypeRegister, &d.Register)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending register: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		conn.Close()
		return nil, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("awaiting register_ack: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	env, err := protocol.Decode(data)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if env.Type != protocol.TypeRegisterAck {
		conn.Close()
		return nil, fmt.Errorf("expected register_ack, got %s", env.Type)
	}
	var ack protocol.RegisterAck
	if err := protocol.DecodePayload(env, &ack); err != nil {
		conn.Close()
		return nil, err
	}
	if ack.Status != "ok" {
		conn.Close()
		return nil, fmt.Errorf("registration rejected: %s", ack.Error)
	}
	return conn, nil
}
