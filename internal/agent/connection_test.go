// ABOUTME: Tests for the connection writer pump, queueing, and inflight tracking.
// ABOUTME: Uses a real WebSocket pair so write ordering is observed on the wire.

package agent

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivespace/hive-control/internal/protocol"
)

// wsPair returns a server-side Connection and the raw client socket.
func wsPair(t *testing.T, pingInterval time.Duration) (*Connection, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	connCh := make(chan *Connection, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		connCh <- NewConnection(ConnectionParams{
			AgentID:      "agent-test",
			Platform:     "linux",
			Conn:         ws,
			PingInterval: pingInterval,
			ReadTimeout:  time.Minute,
		})
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	conn := <-connCh
	t.Cleanup(conn.Close)
	return conn, client
}

func readEnvelope(t *testing.T, client *websocket.Conn) *protocol.Envelope {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

func TestConnection_FramesDeliveredInOrder(t *testing.T) {
	conn, client := wsPair(t, time.Minute)
	conn.Start(func(*protocol.Envelope) {}, func() {})

	for i := 0; i < 20; i++ {
		require.NoError(t, conn.EnqueueFrame(protocol.TypeCommand, &protocol.Command{
			CommandID: string(rune('a' + i)),
		}))
	}

	for i := 0; i < 20; i++ {
		env := readEnvelope(t, client)
		require.Equal(t, protocol.TypeCommand, env.Type)
		var cmd protocol.Command
		require.NoError(t, protocol.DecodePayload(env, &cmd))
		assert.Equal(t, string(rune('a'+i)), cmd.CommandID)
	}
}

func TestConnection_KeepalivePingsInjected(t *testing.T) {
	conn, client := wsPair(t, 50*time.Millisecond)
	conn.Start(func(*protocol.Envelope) {}, func() {})

	env := readEnvelope(t, client)
	assert.Equal(t, protocol.TypePing, env.Type)
}

func TestConnection_QueuedFramesFlushBeforePing(t *testing.T) {
	// Enqueue before starting the pumps so application frames are already
	// waiting when the first ping interval fires.
	conn, client := wsPair(t, 30*time.Millisecond)

	require.NoError(t, conn.EnqueueFrame(protocol.TypeCommand, &protocol.Command{CommandID: "c1"}))
	require.NoError(t, conn.EnqueueFrame(protocol.TypeCommand, &protocol.Command{CommandID: "c2"}))

	time.Sleep(60 * time.Millisecond)
	conn.Start(func(*protocol.Envelope) {}, func() {})

	first := readEnvelope(t, client)
	second := readEnvelope(t, client)
	assert.Equal(t, protocol.TypeCommand, first.Type)
	assert.Equal(t, protocol.TypeCommand, second.Type)
}

func TestConnection_EnqueueAfterClose(t *testing.T) {
	conn, _ := wsPair(t, time.Minute)
	conn.Close()

	err := conn.Enqueue([]byte("{}"))
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestConnection_EnqueueTimeoutOnFullQueue(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the enqueue timeout")
	}

	// Pumps never started, so the queue only fills.
	conn, _ := wsPair(t, time.Minute)
	for i := 0; i < sendQueueSize; i++ {
		require.NoError(t, conn.Enqueue([]byte("{}")))
	}

	start := time.Now()
	err := conn.Enqueue([]byte("{}"))
	assert.ErrorIs(t, err, ErrEnqueueTimeout)
	assert.GreaterOrEqual(t, time.Since(start), enqueueTimeout)
}

func TestConnection_OnCloseFiresOnce(t *testing.T) {
	conn, client := wsPair(t, time.Minute)

	var mu sync.Mutex
	closes := 0
	conn.Start(func(*protocol.Envelope) {}, func() {
		mu.Lock()
		closes++
		mu.Unlock()
	})

	client.Close()
	conn.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return closes == 1
	}, 3*time.Second, 10*time.Millisecond)

	// Both pumps terminating must not fire the callback twice
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, closes)
}

func TestConnection_InflightTracking(t *testing.T) {
	conn, _ := wsPair(t, time.Minute)

	conn.TrackCommand("cmd-1")
	conn.TrackCommand("cmd-2")
	assert.ElementsMatch(t, []string{"cmd-1", "cmd-2"}, conn.InflightCommands())

	conn.ResolveCommand("cmd-1")
	assert.Equal(t, []string{"cmd-2"}, conn.InflightCommands())

	conn.ResolveCommand("cmd-2")
	assert.Empty(t, conn.InflightCommands())
}

func TestConnection_ReadPumpForwardsFrames(t *testing.T) {
	conn, client := wsPair(t, time.Minute)

	frames := make(chan *protocol.Envelope, 10)
	conn.Start(func(env *protocol.Envelope) { frames <- env }, func() {})

	data, err := protocol.Encode(protocol.TypeHeartbeat, &protocol.Heartbeat{ActiveSessions: 2})
	require.NoError(t, err)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, data))

	select {
	case env := <-frames:
		assert.Equal(t, protocol.TypeHeartbeat, env.Type)
	case <-time.After(3 * time.Second):
		t.Fatal("frame never forwarded")
	}
}
