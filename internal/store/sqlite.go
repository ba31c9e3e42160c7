// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides task/agent/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
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

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id                TEXT PRIMARY KEY,
			description       TEXT NOT NULL,
			status            TEXT NOT NULL,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,
			assigned_agent_id TEXT NOT NULL DEFAULT '',
			result            TEXT NOT NULL DEFAULT '',
			error_kind        TEXT NOT NULL DEFAULT '',
			error_detail      TEXT NOT NULL DEFAULT '',
			attempt           INTEGER NOT NULL DEFAULT 0,
			next_attempt_at   TEXT,
			conversation_id   TEXT NOT NULL DEFAULT '',
			metadata_json     TEXT,

			CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);

		CREATE TABLE IF NOT EXISTS agents (
			id                   TEXT PRIMARY KEY,
			name                 TEXT NOT NULL,
			capabilities_json    TEXT NOT NULL,
			active               INTEGER NOT NULL DEFAULT 1,
			max_concurrency      INTEGER NOT NULL DEFAULT 1,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			registered_at        TEXT NOT NULL,
			updated_at           TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq_no          INTEGER NOT NULL,
			sender          TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			task_id         TEXT NOT NULL DEFAULT '',

			UNIQUE (conversation_id, seq_no),
			CHECK (sender IN ('user', 'agent', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq
			ON messages(conversation_id, seq_no);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SaveTask inserts or replaces a task row. Status and terminal payload are
// written in a single statement so a transition is never half-applied.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *Task) error {
	metadata, err := json.Marshal(task.Metadata)
	if err != nil {
		return fmt.Errorf("encoding task metadata: %w", err)
	}

	var errorKind, errorDetail string
	if task.Error != nil {
		errorKind = task.Error.Kind
		errorDetail = task.Error.Detail
	}

	var nextAttempt any
	if !task.NextAttemptAt.IsZero() {
		nextAttempt = task.NextAttemptAt.UTC().Format(time.RFC3339Nano)
	}

	query := `
		INSERT INTO tasks (
			id, description, status, created_at, updated_at, assigned_agent_id,
			result, error_kind, error_detail, attempt, next_attempt_at,
			conversation_id, metadata_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status            = excluded.status,
			updated_at        = excluded.updated_at,
			assigned_agent_id = excluded.assigned_agent_id,
			result            = excluded.result,
			error_kind        = excluded.error_kind,
			error_detail      = excluded.error_detail,
			attempt           = excluded.attempt,
			next_attempt_at   = excluded.next_attempt_at
	`

	_, err = s.db.ExecContext(ctx, query,
		task.ID,
		task.Description,
		string(task.Status),
		task.CreatedAt.UTC().Format(time.RFC3339Nano),
		task.UpdatedAt.UTC().Format(time.RFC3339Nano),
		task.AssignedAgentID,
		task.Result,
		errorKind,
		errorDetail,
		task.Attempt,
		nextAttempt,
		task.ConversationID,
		string(metadata),
	)
	if err != nil {
		return fmt.Errorf("saving task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+" WHERE id = ?", id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting task: %w", err)
	}
	return task, nil
}

// ListTasksByStatus returns tasks with the given status, oldest first.
func (s *SQLiteStore) ListTasksByStatus(ctx context.Context, status TaskStatus, limit int) ([]*Task, error) {
	query := taskSelect + " WHERE status = ? ORDER BY created_at ASC, id ASC"
	args := []any{string(status)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryTasks(ctx, query, args...)
}

// ListTasks returns all tasks, oldest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit int) ([]*Task, error) {
	query := taskSelect + " ORDER BY created_at ASC, id ASC"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryTasks(ctx, query, args...)
}

// CountTasksByStatus returns the number of tasks per status.
func (s *SQLiteStore) CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning task count: %w", err)
		}
		counts[TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

const taskSelect = `
	SELECT id, description, status, created_at, updated_at, assigned_agent_id,
	       result, error_kind, error_detail, attempt, next_attempt_at,
	       conversation_id, metadata_json
	FROM tasks
`

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var task Task
	var status, createdAt, updatedAt string
	var nextAttempt sql.NullString
	var errorKind, errorDetail string
	var metadata sql.NullString

	err := row.Scan(
		&task.ID,
		&task.Description,
		&status,
		&createdAt,
		&updatedAt,
		&task.AssignedAgentID,
		&task.Result,
		&errorKind,
		&errorDetail,
		&task.Attempt,
		&nextAttempt,
		&task.ConversationID,
		&metadata,
	)
	if err != nil {
		return nil, err
	}

	task.Status = TaskStatus(status)
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if task.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if nextAttempt.Valid && nextAttempt.String != "" {
		if task.NextAttemptAt, err = parseTime(nextAttempt.String); err != nil {
			return nil, err
		}
	}
	if errorKind != "" {
		task.Error = &TaskError{Kind: errorKind, Detail: errorDetail}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &task.Metadata); err != nil {
			return nil, fmt.Errorf("decoding task metadata: %w", err)
		}
	}
	return &task, nil
}

// SaveAgent inserts or updates an agent record.
func (s *SQLiteStore) SaveAgent(ctx context.Context, agent *Agent) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}

	query := `
		INSERT INTO agents (
			id, name, capabilities_json, active, max_concurrency,
			consecutive_failures, registered_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name                 = excluded.name,
			capabilities_json    = excluded.capabilities_json,
			active               = excluded.active,
			max_concurrency      = excluded.max_concurrency,
			consecutive_failures = excluded.consecutive_failures,
			updated_at           = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		agent.ID,
		agent.Name,
		string(caps),
		boolToInt(agent.Active),
		agent.MaxConcurrency,
		agent.ConsecutiveFailures,
		agent.RegisteredAt.UTC().Format(time.RFC3339Nano),
		agent.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by ID. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, agentSelect+" WHERE id = ?", id)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns all agent records ordered by ID.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, agentSelect+" ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// DeleteAgent removes an agent record.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM agents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const agentSelect = `
	SELECT id, name, capabilities_json, active, max_concurrency,
	       consecutive_failures, registered_at, updated_at
	FROM agents
`

func scanAgent(row scanner) (*Agent, error) {
	var agent Agent
	var caps string
	var active int
	var registeredAt, updatedAt string

	err := row.Scan(
		&agent.ID,
		&agent.Name,
		&caps,
		&active,
		&agent.MaxConcurrency,
		&agent.ConsecutiveFailures,
		&registeredAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	agent.Active = active != 0
	if err := json.Unmarshal([]byte(caps), &agent.Capabilities); err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}
	if agent.RegisteredAt, err = parseTime(registeredAt); err != nil {
		return nil, err
	}
	if agent.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &agent, nil
}

// SaveMessage appends a message. Returns ErrDuplicateSeq if the
// (conversation, seq) pair is already taken.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (id, conversation_id, seq_no, sender, content, created_at, task_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.Seq,
		msg.Sender,
		msg.Content,
		msg.Timestamp.UTC().Format(time.RFC3339Nano),
		msg.TaskID,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSeq
		}
		return fmt.Errorf("saving message: %w", err)
	}
	return nil
}

// ListMessages returns messages for a conversation with Seq > afterSeq,
// in ascending sequence order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, seq_no, sender, content, created_at, task_id
		FROM messages
		WHERE conversation_id = ? AND seq_no > ?
		ORDER BY seq_no ASC
	`
	args := []any{conversationID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var createdAt string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Seq, &msg.Sender, &msg.Content, &createdAt, &msg.TaskID); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if msg.Timestamp, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// MaxSeq returns the highest sequence number recorded for a conversation,
// or 0 if the conversation has no messages.
func (s *SQLiteStore) MaxSeq(ctx context.Context, conversationID string) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq_no), 0) FROM messages WHERE conversation_id = ?",
		conversationID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("querying max seq: %w", err)
	}
	return max, nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
