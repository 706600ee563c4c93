// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Creates the schema on open and validates it before serving traffic

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is created if it doesn't exist and validated against the
// columns this version of the code expects. Parent directories are created
// if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.verifySchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("verifying schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id              TEXT PRIMARY KEY,
			agent_id        TEXT NOT NULL UNIQUE,
			platform        TEXT NOT NULL,
			region          TEXT NOT NULL DEFAULT '',
			cluster_id      TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			active_sessions INTEGER NOT NULL DEFAULT 0,
			capacity        TEXT,
			last_heartbeat  DATETIME,
			created_at      DATETIME NOT NULL,
			updated_at      DATETIME NOT NULL,

			CHECK (status IN ('online', 'offline', 'retired'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
		CREATE INDEX IF NOT EXISTS idx_agents_cluster ON agents(cluster_id);

		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			template      TEXT NOT NULL,
			cluster_id    TEXT,
			agent_id      TEXT,
			resources     TEXT,
			state         TEXT NOT NULL,
			error_message TEXT,
			created_at    DATETIME NOT NULL,
			updated_at    DATETIME NOT NULL,

			CHECK (state IN ('pending', 'provisioning', 'running',
				'hibernated', 'terminated', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_user_state ON sessions(user_id, state);
		CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id);

		CREATE TABLE IF NOT EXISTS commands (
			id              TEXT PRIMARY KEY,
			session_id      TEXT NOT NULL,
			agent_id        TEXT NOT NULL,
			action          TEXT NOT NULL,
			payload         TEXT,
			status          TEXT NOT NULL,
			attempts        INTEGER NOT NULL DEFAULT 0,
			error_message   TEXT,
			created_at      DATETIME NOT NULL,
			updated_at      DATETIME NOT NULL,
			dispatched_at   DATETIME,
			acknowledged_at DATETIME,
			completed_at    DATETIME,

			CHECK (status IN ('pending', 'dispatched', 'running',
				'completed', 'failed', 'dispatch_failed')),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_commands_session ON commands(session_id);
		CREATE INDEX IF NOT EXISTS idx_commands_agent ON commands(agent_id);
		CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expectedColumns maps each table to the columns this code reads or writes.
// A mismatch means the database was created by an incompatible version, and
// the store refuses to start rather than failing later mid-query.
var expectedColumns = map[string][]string{
	"agents": {
		"id", "agent_id", "platform", "region", "cluster_id", "status",
		"active_sessions", "capacity", "last_heartbeat", "created_at", "updated_at",
	},
	"sessions": {
		"id", "user_id", "template", "cluster_id", "agent_id", "resources",
		"state", "error_message", "created_at", "updated_at",
	},
	"commands": {
		"id", "session_id", "agent_id", "action", "payload", "status",
		"attempts", "error_message", "created_at", "updated_at",
		"dispatched_at", "acknowledged_at", "completed_at",
	},
}

// verifySchema checks that every expected column exists.
func (s *SQLiteStore) verifySchema() error {
	for table, columns := range expectedColumns {
		rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
		if err != nil {
			return fmt.Errorf("inspecting table %s: %w", table, err)
		}

		present := make(map[string]bool)
		for rows.Next() {
			var (
				cid        int
				name, typ  string
				notNull    int
				dfltValue  sql.NullString
				primaryKey int
			)
			if err := rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &primaryKey); err != nil {
				rows.Close()
				return fmt.Errorf("reading column info for %s: %w", table, err)
			}
			present[name] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterating column info for %s: %w", table, err)
		}
		rows.Close()

		if len(present) == 0 {
			return fmt.Errorf("table %s does not exist", table)
		}

		var missing []string
		for _, col := range columns {
			if !present[col] {
				missing = append(missing, col)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("table %s is missing columns: %s (database schema is from an incompatible version)",
				table, strings.Join(missing, ", "))
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertAgent inserts an agent on first registration or refreshes its
// identity fields on reconnect. Status and heartbeat are set to online/now.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = AgentOnline
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, agent_id, platform, region, cluster_id, status,
			active_sessions, capacity, last_heartbeat, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			platform = excluded.platform,
			region = excluded.region,
			cluster_id = excluded.cluster_id,
			status = excluded.status,
			capacity = excluded.capacity,
			last_heartbeat = excluded.last_heartbeat,
			updated_at = excluded.updated_at
	`, agent.ID, agent.AgentID, agent.Platform, agent.Region, agent.ClusterID,
		agent.Status, agent.ActiveSessions, agent.Capacity, agent.LastHeartbeat,
		agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting agent %s: %w", agent.AgentID, err)
	}
	return nil
}

// GetAgent retrieves an agent by its agent_id.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, platform, region, cluster_id, status,
			active_sessions, capacity, last_heartbeat, created_at, updated_at
		FROM agents WHERE agent_id = ?
	`, agentID)
	return scanAgent(row)
}

// ListAgents returns all known agents ordered by agent_id.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, platform, region, cluster_id, status,
			active_sessions, capacity, last_heartbeat, created_at, updated_at
		FROM agents ORDER BY agent_id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// SetAgentStatus updates an agent's status. Retired agents stay retired.
func (s *SQLiteStore) SetAgentStatus(ctx context.Context, agentID, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, updated_at = ?
		WHERE agent_id = ? AND status != 'retired'
	`, status, time.Now().UTC(), agentID)
	if err != nil {
		return fmt.Errorf("updating agent %s status: %w", agentID, err)
	}
	return requireRow(res, agentID)
}

// RecordHeartbeat refreshes the heartbeat timestamp, load, and capacity,
// and marks the agent online so database state matches the live connection.
func (s *SQLiteStore) RecordHeartbeat(ctx context.Context, agentID string, activeSessions int, capacity *string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET status = 'online', active_sessions = ?, last_heartbeat = ?, updated_at = ?,
			capacity = COALESCE(?, capacity)
		WHERE agent_id = ? AND status != 'retired'
	`, activeSessions, now, now, capacity, agentID)
	if err != nil {
		return fmt.Errorf("recording heartbeat for agent %s: %w", agentID, err)
	}
	return requireRow(res, agentID)
}

// RetireAgent soft-retires an agent so it is never selected again but its
// historical command references stay valid.
func (s *SQLiteStore) RetireAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = 'retired', updated_at = ? WHERE agent_id = ?
	`, time.Now().UTC(), agentID)
	if err != nil {
		return fmt.Errorf("retiring agent %s: %w", agentID, err)
	}
	return requireRow(res, agentID)
}

// DeleteAgent removes an agent record. Refuses with ErrAgentReferenced while
// historical commands reference the agent; callers should retire instead.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, agentID string) error {
	var refs int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM commands WHERE agent_id = ?`, agentID).Scan(&refs)
	if err != nil {
		return fmt.Errorf("counting command references for agent %s: %w", agentID, err)
	}
	if refs > 0 {
		return fmt.Errorf("agent %s has %d commands: %w", agentID, refs, ErrAgentReferenced)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("deleting agent %s: %w", agentID, err)
	}
	return requireRow(res, agentID)
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*Agent, error) {
	var agent Agent
	err := row.Scan(&agent.ID, &agent.AgentID, &agent.Platform, &agent.Region,
		&agent.ClusterID, &agent.Status, &agent.ActiveSessions, &agent.Capacity,
		&agent.LastHeartbeat, &agent.CreatedAt, &agent.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}
	return &agent, nil
}

// requireRow converts a zero-rows-affected result into ErrNotFound.
func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}
