// ABOUTME: Tests for agent selection over registry snapshots.
// ABOUTME: Validates affinity filtering, load balancing, and deterministic ties.

package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivespace/hive-control/internal/agent"
)

func snap(id, cluster string, load int) agent.Snapshot {
	return agent.Snapshot{
		AgentID:        id,
		ClusterID:      cluster,
		ActiveSessions: load,
		LastHeartbeat:  time.Now(),
	}
}

func TestSelect(t *testing.T) {
	usEast := "us-east"

	tests := []struct {
		name      string
		snapshots []agent.Snapshot
		clusterID *string
		want      string
		wantErr   bool
	}{
		{
			name:      "empty snapshot",
			snapshots: nil,
			wantErr:   true,
		},
		{
			name: "lowest load wins",
			snapshots: []agent.Snapshot{
				snap("agent-a", "us-east", 5),
				snap("agent-b", "us-east", 2),
				snap("agent-c", "eu-west", 4),
			},
			want: "agent-b",
		},
		{
			name: "tie broken by lowest agent id",
			snapshots: []agent.Snapshot{
				snap("agent-c", "us-east", 3),
				snap("agent-a", "us-east", 3),
				snap("agent-b", "us-east", 3),
			},
			want: "agent-a",
		},
		{
			name: "cluster affinity filters candidates",
			snapshots: []agent.Snapshot{
				snap("agent-a", "eu-west", 0),
				snap("agent-b", "us-east", 9),
			},
			clusterID: &usEast,
			want:      "agent-b",
		},
		{
			name: "no agent in requested cluster",
			snapshots: []agent.Snapshot{
				snap("agent-a", "eu-west", 0),
			},
			clusterID: &usEast,
			wantErr:   true,
		},
		{
			name: "nil affinity considers all clusters",
			snapshots: []agent.Snapshot{
				snap("agent-a", "eu-west", 1),
				snap("agent-b", "us-east", 0),
			},
			want: "agent-b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Select(tt.snapshots, tt.clusterID)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrNoCapacity)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelect_Deterministic(t *testing.T) {
	// The same snapshot must always produce the same choice.
	snapshots := []agent.Snapshot{
		snap("agent-b", "us-east", 1),
		snap("agent-a", "us-east", 1),
	}
	first, err := Select(snapshots, nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		got, err := Select(snapshots, nil)
		require.NoError(t, err)
		assert.Equal(t, first, got)
	}
}
