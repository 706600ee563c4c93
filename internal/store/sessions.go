// ABOUTME: Session persistence operations for the SQLite store
// ABOUTME: Sessions are the source of truth for quota counts and placement

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSession persists a new session. ID and timestamps are filled in if
// unset. The initial state defaults to pending.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.State == "" {
		session.State = SessionPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, template, cluster_id, agent_id,
			resources, state, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.UserID, session.Template, session.ClusterID,
		session.AgentID, session.Resources, session.State, session.ErrorMessage,
		session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating session %s: %w", session.ID, err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, template, cluster_id, agent_id, resources,
			state, error_message, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

// ListUserSessions returns all sessions owned by a user, newest first.
func (s *SQLiteStore) ListUserSessions(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, template, cluster_id, agent_id, resources,
			state, error_message, created_at, updated_at
		FROM sessions WHERE user_id = ? ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions for user %s: %w", userID, err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// CountActiveSessions counts a user's non-terminal sessions, optionally
// scoped to one cluster. This is the quota read: it must be no older than
// the request that triggered it, which a direct query guarantees.
func (s *SQLiteStore) CountActiveSessions(ctx context.Context, userID string, clusterID *string) (int, error) {
	query := `
		SELECT COUNT(*) FROM sessions
		WHERE user_id = ?
		AND state IN ('pending', 'provisioning', 'running', 'hibernated')
	`
	args := []any{userID}
	if clusterID != nil {
		query += ` AND cluster_id = ?`
		args = append(args, *clusterID)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting active sessions for user %s: %w", userID, err)
	}
	return count, nil
}

// AssignSessionAgent records which agent serves the session.
func (s *SQLiteStore) AssignSessionAgent(ctx context.Context, sessionID, agentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET agent_id = ?, updated_at = ? WHERE id = ?
	`, agentID, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("assigning session %s to agent %s: %w", sessionID, agentID, err)
	}
	return requireRow(res, sessionID)
}

// SetSessionState transitions a session's lifecycle state. Passing a nil
// errorMessage clears any previous error; the column stays NULL rather than
// being defaulted to an empty string.
func (s *SQLiteStore) SetSessionState(ctx context.Context, id, state string, errorMessage *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET state = ?, error_message = ?, updated_at = ? WHERE id = ?
	`, state, errorMessage, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating session %s state to %s: %w", id, state, err)
	}
	return requireRow(res, id)
}

func scanSession(row scanner) (*Session, error) {
	var session Session
	err := row.Scan(&session.ID, &session.UserID, &session.Template,
		&session.ClusterID, &session.AgentID, &session.Resources,
		&session.State, &session.ErrorMessage, &session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return &session, nil
}
