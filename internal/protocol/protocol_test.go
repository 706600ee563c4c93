// ABOUTME: Tests for the wire envelope and payload decoding.
// ABOUTME: Focuses on error paths and cross-version tolerance, not field grids.

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeCommand(t *testing.T) {
	data, err := Encode(TypeCommand, &Command{
		CommandID: "cmd-1",
		SessionID: "sess-1",
		Action:    ActionStartSession,
		Payload:   map[string]string{"template": "dev"},
	})
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeCommand, env.Type)
	assert.False(t, env.Timestamp.IsZero())

	var cmd Command
	require.NoError(t, DecodePayload(env, &cmd))
	assert.Equal(t, "cmd-1", cmd.CommandID)
	assert.Equal(t, ActionStartSession, cmd.Action)
	assert.Equal(t, "dev", cmd.Payload["template"])
}

func TestEncodeNilPayload(t *testing.T) {
	data, err := Encode(TypePing, nil)
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypePing, env.Type)
	assert.Empty(t, env.Payload)

	// Decoding an absent payload is an error, not a zero value
	var ack Ack
	assert.Error(t, DecodePayload(env, &ack))
}

func TestDecodeRejectsUntypedFrame(t *testing.T) {
	_, err := Decode([]byte(`{"timestamp":"2026-01-01T00:00:00Z"}`))
	assert.ErrorContains(t, err, "no type")
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type": "command",`))
	assert.Error(t, err)
}

func TestDecodeToleratesUnknownFields(t *testing.T) {
	// Frames from newer agents may carry fields this version doesn't know
	raw := `{"type":"heartbeat","timestamp":"2026-01-01T00:00:00Z",` +
		`"payload":{"active_sessions":3,"gpu_count":2},"trace_id":"abc"}`
	env, err := Decode([]byte(raw))
	require.NoError(t, err)

	var hb Heartbeat
	require.NoError(t, DecodePayload(env, &hb))
	assert.Equal(t, 3, hb.ActiveSessions)
}

func TestRegisterOmitsEmptyOptionalFields(t *testing.T) {
	data, err := Encode(TypeRegister, &Register{AgentID: "a-1", Platform: "linux"})
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(env.Payload, &m))
	assert.NotContains(t, m, "cluster_id")
	assert.NotContains(t, m, "capacity")
}
