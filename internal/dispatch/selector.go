// ABOUTME: Pure agent selection over a registry snapshot.
// ABOUTME: Filters by cluster affinity, balances by load, breaks ties by ID.

package dispatch

import (
	"github.com/hivespace/hive-control/internal/agent"
)

// Select picks the target agent for a session from a registry snapshot.
// Agents are filtered to those matching the requested cluster affinity
// (nil means any cluster), then the one with the lowest active-session
// count wins; ties go to the lowest agent ID so selection is deterministic.
// Returns ErrNoCapacity when no agent survives filtering.
func Select(snapshots []agent.Snapshot, clusterID *string) (string, error) {
	var best *agent.Snapshot
	for i := range snapshots {
		snap := &snapshots[i]
		if clusterID != nil && snap.ClusterID != *clusterID {
			continue
		}
		if best == nil ||
			snap.ActiveSessions < best.ActiveSessions ||
			(snap.ActiveSessions == best.ActiveSessions && snap.AgentID < best.AgentID) {
			best = snap
		}
	}
	if best == nil {
		return "", ErrNoCapacity
	}
	return best.AgentID, nil
}
