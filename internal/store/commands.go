// ABOUTME: Command persistence and lifecycle transitions for the SQLite store
// ABOUTME: Every transition is guarded by the expected current status in SQL

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateCommand persists a new command in the pending state.
func (s *SQLiteStore) CreateCommand(ctx context.Context, cmd *Command) error {
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = now
	}
	cmd.UpdatedAt = now
	if cmd.Status == "" {
		cmd.Status = CommandPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (id, session_id, agent_id, action, payload, status,
			attempts, error_message, created_at, updated_at,
			dispatched_at, acknowledged_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cmd.ID, cmd.SessionID, cmd.AgentID, cmd.Action, cmd.Payload, cmd.Status,
		cmd.Attempts, cmd.ErrorMessage, cmd.CreatedAt, cmd.UpdatedAt,
		cmd.DispatchedAt, cmd.AcknowledgedAt, cmd.CompletedAt)
	if err != nil {
		return fmt.Errorf("creating command %s: %w", cmd.ID, err)
	}
	return nil
}

// GetCommand retrieves a command by ID.
func (s *SQLiteStore) GetCommand(ctx context.Context, id string) (*Command, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, agent_id, action, payload, status, attempts,
			error_message, created_at, updated_at,
			dispatched_at, acknowledged_at, completed_at
		FROM commands WHERE id = ?
	`, id)
	return scanCommand(row)
}

// ListCommandsByStatus returns commands in a given state, oldest first.
// Used at startup to recover commands left pending by a restart.
func (s *SQLiteStore) ListCommandsByStatus(ctx context.Context, status string) ([]*Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, agent_id, action, payload, status, attempts,
			error_message, created_at, updated_at,
			dispatched_at, acknowledged_at, completed_at
		FROM commands WHERE status = ? ORDER BY created_at ASC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("listing %s commands: %w", status, err)
	}
	defer rows.Close()

	var cmds []*Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

// ListSessionCommands returns every command issued for a session, oldest
// first.
func (s *SQLiteStore) ListSessionCommands(ctx context.Context, sessionID string) ([]*Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, agent_id, action, payload, status, attempts,
			error_message, created_at, updated_at,
			dispatched_at, acknowledged_at, completed_at
		FROM commands WHERE session_id = ? ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing commands for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var cmds []*Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

// MarkDispatched transitions pending → dispatched.
func (s *SQLiteStore) MarkDispatched(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = 'dispatched', dispatched_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("marking command %s dispatched: %w", id, err)
	}
	return s.requireTransition(ctx, res, id, CommandDispatched)
}

// MarkRunning transitions dispatched → running on agent acknowledgment.
func (s *SQLiteStore) MarkRunning(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = 'running', acknowledged_at = ?, updated_at = ?
		WHERE id = ? AND status = 'dispatched'
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("marking command %s running: %w", id, err)
	}
	return s.requireTransition(ctx, res, id, CommandRunning)
}

// MarkDispatchFailed transitions dispatched → dispatch_failed when the
// owning connection closes before acknowledgment.
func (s *SQLiteStore) MarkDispatchFailed(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = 'dispatch_failed', error_message = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'dispatched')
	`, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("marking command %s dispatch_failed: %w", id, err)
	}
	return s.requireTransition(ctx, res, id, CommandDispatchFailed)
}

// RequeueCommand transitions dispatch_failed → pending against a newly
// selected agent, incrementing the attempt counter and clearing the error.
func (s *SQLiteStore) RequeueCommand(ctx context.Context, id, agentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = 'pending', agent_id = ?, attempts = attempts + 1,
			error_message = NULL, dispatched_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'dispatch_failed'
	`, agentID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("requeueing command %s: %w", id, err)
	}
	return s.requireTransition(ctx, res, id, CommandPending)
}

// CompleteCommand transitions running → completed. The error column stays
// NULL and the completion timestamp is set exactly once.
func (s *SQLiteStore) CompleteCommand(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = 'completed', error_message = NULL,
			completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running'
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("completing command %s: %w", id, err)
	}
	return s.requireTransition(ctx, res, id, CommandCompleted)
}

// FailCommand transitions any non-terminal state → failed with a reason.
// Covers agent-reported failures, fast-fail rejections, retry exhaustion,
// and cancellation.
func (s *SQLiteStore) FailCommand(ctx context.Context, id, reason string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = 'failed', error_message = ?,
			completed_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed')
	`, reason, now, now, id)
	if err != nil {
		return fmt.Errorf("failing command %s: %w", id, err)
	}
	return s.requireTransition(ctx, res, id, CommandFailed)
}

// requireTransition maps a zero-rows-affected update to the right error:
// ErrNotFound if the command doesn't exist, ErrInvalidTransition if it does
// but is not in the expected source state.
func (s *SQLiteStore) requireTransition(ctx context.Context, res sql.Result, id, target string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	current, err := s.GetCommand(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("command %s is %s, cannot move to %s: %w",
		id, current.Status, target, ErrInvalidTransition)
}

func scanCommand(row scanner) (*Command, error) {
	var cmd Command
	err := row.Scan(&cmd.ID, &cmd.SessionID, &cmd.AgentID, &cmd.Action,
		&cmd.Payload, &cmd.Status, &cmd.Attempts, &cmd.ErrorMessage,
		&cmd.CreatedAt, &cmd.UpdatedAt,
		&cmd.DispatchedAt, &cmd.AcknowledgedAt, &cmd.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning command: %w", err)
	}
	return &cmd, nil
}
