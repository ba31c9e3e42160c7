// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers task upserts, agent records, message ordering, and sequence constraints

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestSaveAndGetTask(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	task := &Task{
		ID:             "task-123",
		Description:    "summarize the meeting notes",
		Status:         TaskPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		ConversationID: "conv-1",
		Metadata: map[string]string{
			"capabilities":    "summarize",
			"conversation_id": "conv-1",
		},
	}

	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}

	got, err := store.GetTask(ctx, "task-123")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}

	if got.ID != task.ID {
		t.Errorf("ID mismatch: got %q, want %q", got.ID, task.ID)
	}
	if got.Description != task.Description {
		t.Errorf("Description mismatch: got %q, want %q", got.Description, task.Description)
	}
	if got.Status != TaskPending {
		t.Errorf("Status mismatch: got %q, want %q", got.Status, TaskPending)
	}
	if !got.CreatedAt.Equal(task.CreatedAt) {
		t.Errorf("CreatedAt mismatch: got %v, want %v", got.CreatedAt, task.CreatedAt)
	}
	if got.ConversationID != "conv-1" {
		t.Errorf("ConversationID mismatch: got %q", got.ConversationID)
	}
	if got.Metadata["capabilities"] != "summarize" {
		t.Errorf("Metadata mismatch: got %v", got.Metadata)
	}
	if got.Error != nil {
		t.Errorf("expected nil Error, got %v", got.Error)
	}
	if !got.NextAttemptAt.IsZero() {
		t.Errorf("expected zero NextAttemptAt, got %v", got.NextAttemptAt)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.GetTask(context.Background(), "no-such-task")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveTask_UpsertTransition(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	task := newTask("task-up", TaskPending)
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}

	// Move to running with an assigned agent
	task.Status = TaskRunning
	task.AssignedAgentID = "agent-1"
	task.Attempt = 1
	task.UpdatedAt = task.UpdatedAt.Add(time.Second)
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask update failed: %v", err)
	}

	got, err := store.GetTask(ctx, "task-up")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != TaskRunning {
		t.Errorf("Status mismatch: got %q, want running", got.Status)
	}
	if got.AssignedAgentID != "agent-1" {
		t.Errorf("AssignedAgentID mismatch: got %q", got.AssignedAgentID)
	}
	if got.Attempt != 1 {
		t.Errorf("Attempt mismatch: got %d, want 1", got.Attempt)
	}

	// Fail with error detail and a retry window
	task.Status = TaskFailed
	task.AssignedAgentID = ""
	task.Error = &TaskError{Kind: ErrorKindTimeout, Detail: "task deadline exceeded"}
	task.NextAttemptAt = time.Now().UTC().Truncate(time.Second).Add(2 * time.Second)
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask update failed: %v", err)
	}

	got, err = store.GetTask(ctx, "task-up")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != TaskFailed {
		t.Errorf("Status mismatch: got %q, want failed", got.Status)
	}
	if got.Error == nil || got.Error.Kind != ErrorKindTimeout {
		t.Errorf("Error mismatch: got %v", got.Error)
	}
	if !got.NextAttemptAt.Equal(task.NextAttemptAt) {
		t.Errorf("NextAttemptAt mismatch: got %v, want %v", got.NextAttemptAt, task.NextAttemptAt)
	}
}

func TestListTasksByStatus(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	for i, status := range []TaskStatus{TaskPending, TaskRunning, TaskPending, TaskCompleted} {
		task := newTask(fmt.Sprintf("task-%d", i), status)
		task.CreatedAt = base.Add(time.Duration(i) * time.Second)
		task.UpdatedAt = task.CreatedAt
		if err := store.SaveTask(ctx, task); err != nil {
			t.Fatalf("SaveTask failed: %v", err)
		}
	}

	pending, err := store.ListTasksByStatus(ctx, TaskPending, 0)
	if err != nil {
		t.Fatalf("ListTasksByStatus failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", len(pending))
	}
	// Oldest first
	if pending[0].ID != "task-0" || pending[1].ID != "task-2" {
		t.Errorf("unexpected order: %q, %q", pending[0].ID, pending[1].ID)
	}

	limited, err := store.ListTasksByStatus(ctx, TaskPending, 1)
	if err != nil {
		t.Fatalf("ListTasksByStatus with limit failed: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "task-0" {
		t.Errorf("limit not applied: got %d tasks", len(limited))
	}

	all, err := store.ListTasks(ctx, 0)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("expected 4 tasks, got %d", len(all))
	}
}

func TestCountTasksByStatus(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	for i, status := range []TaskStatus{TaskPending, TaskPending, TaskCompleted} {
		if err := store.SaveTask(ctx, newTask(fmt.Sprintf("task-%d", i), status)); err != nil {
			t.Fatalf("SaveTask failed: %v", err)
		}
	}

	counts, err := store.CountTasksByStatus(ctx)
	if err != nil {
		t.Fatalf("CountTasksByStatus failed: %v", err)
	}
	if counts[TaskPending] != 2 {
		t.Errorf("pending count mismatch: got %d, want 2", counts[TaskPending])
	}
	if counts[TaskCompleted] != 1 {
		t.Errorf("completed count mismatch: got %d, want 1", counts[TaskCompleted])
	}
	if counts[TaskFailed] != 0 {
		t.Errorf("failed count mismatch: got %d, want 0", counts[TaskFailed])
	}
}

func TestSaveAndGetAgent(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	agent := &Agent{
		ID:             "agent-1",
		Name:           "coder",
		Capabilities:   []string{"code", "review"},
		Active:         true,
		MaxConcurrency: 2,
		RegisteredAt:   now,
		UpdatedAt:      now,
	}

	if err := store.SaveAgent(ctx, agent); err != nil {
		t.Fatalf("SaveAgent failed: %v", err)
	}

	got, err := store.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.Name != "coder" {
		t.Errorf("Name mismatch: got %q", got.Name)
	}
	if len(got.Capabilities) != 2 || got.Capabilities[0] != "code" {
		t.Errorf("Capabilities mismatch: got %v", got.Capabilities)
	}
	if !got.Active {
		t.Error("expected agent to be active")
	}
	if got.MaxConcurrency != 2 {
		t.Errorf("MaxConcurrency mismatch: got %d", got.MaxConcurrency)
	}

	// Upsert failure accounting
	agent.ConsecutiveFailures = 3
	agent.Active = false
	if err := store.SaveAgent(ctx, agent); err != nil {
		t.Fatalf("SaveAgent update failed: %v", err)
	}

	got, err = store.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.ConsecutiveFailures != 3 {
		t.Errorf("ConsecutiveFailures mismatch: got %d", got.ConsecutiveFailures)
	}
	if got.Active {
		t.Error("expected agent to be inactive after update")
	}
}

func TestDeleteAgent(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	agent := &Agent{
		ID:           "agent-del",
		Name:         "ephemeral",
		Active:       true,
		RegisteredAt: time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := store.SaveAgent(ctx, agent); err != nil {
		t.Fatalf("SaveAgent failed: %v", err)
	}

	if err := store.DeleteAgent(ctx, "agent-del"); err != nil {
		t.Fatalf("DeleteAgent failed: %v", err)
	}

	if _, err := store.GetAgent(ctx, "agent-del"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	if err := store.DeleteAgent(ctx, "agent-del"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestListAgents(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	for _, id := range []string{"b-agent", "a-agent"} {
		agent := &Agent{
			ID:           id,
			Name:         id,
			Active:       true,
			RegisteredAt: time.Now().UTC(),
			UpdatedAt:    time.Now().UTC(),
		}
		if err := store.SaveAgent(ctx, agent); err != nil {
			t.Fatalf("SaveAgent failed: %v", err)
		}
	}

	agents, err := store.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(agents))
	}
}

func TestSaveMessage_DuplicateSeq(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	msg := &Message{
		ID:             "msg-1",
		ConversationID: "conv-1",
		Seq:            1,
		Sender:         SenderUser,
		Content:        "hello",
		Timestamp:      time.Now().UTC(),
	}
	if err := store.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	dup := &Message{
		ID:             "msg-2",
		ConversationID: "conv-1",
		Seq:            1,
		Sender:         SenderAgent,
		Content:        "collision",
		Timestamp:      time.Now().UTC(),
	}
	if err := store.SaveMessage(ctx, dup); !errors.Is(err, ErrDuplicateSeq) {
		t.Errorf("expected ErrDuplicateSeq, got %v", err)
	}

	// Same seq in another conversation is fine
	other := &Message{
		ID:             "msg-3",
		ConversationID: "conv-2",
		Seq:            1,
		Sender:         SenderUser,
		Content:        "hello again",
		Timestamp:      time.Now().UTC(),
	}
	if err := store.SaveMessage(ctx, other); err != nil {
		t.Errorf("SaveMessage in second conversation failed: %v", err)
	}
}

func TestListMessages_OrderAndOffset(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	// Insert out of order; listing must sort by seq, not insertion or time
	for _, seq := range []int64{3, 1, 2} {
		msg := &Message{
			ID:             fmt.Sprintf("msg-%d", seq),
			ConversationID: "conv-1",
			Seq:            seq,
			Sender:         SenderUser,
			Content:        fmt.Sprintf("message %d", seq),
			Timestamp:      time.Now().UTC(),
		}
		if err := store.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
	}

	msgs, err := store.ListMessages(ctx, "conv-1", 0, 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, msg := range msgs {
		if msg.Seq != int64(i+1) {
			t.Errorf("position %d: got seq %d, want %d", i, msg.Seq, i+1)
		}
	}

	after, err := store.ListMessages(ctx, "conv-1", 1, 0)
	if err != nil {
		t.Fatalf("ListMessages with offset failed: %v", err)
	}
	if len(after) != 2 || after[0].Seq != 2 {
		t.Errorf("offset not applied: got %d messages", len(after))
	}

	limited, err := store.ListMessages(ctx, "conv-1", 0, 2)
	if err != nil {
		t.Fatalf("ListMessages with limit failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limit not applied: got %d messages", len(limited))
	}
}

func TestMaxSeq(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()

	max, err := store.MaxSeq(ctx, "empty-conv")
	if err != nil {
		t.Fatalf("MaxSeq failed: %v", err)
	}
	if max != 0 {
		t.Errorf("expected 0 for empty conversation, got %d", max)
	}

	for seq := int64(1); seq <= 5; seq++ {
		msg := &Message{
			ID:             fmt.Sprintf("msg-%d", seq),
			ConversationID: "conv-1",
			Seq:            seq,
			Sender:         SenderAgent,
			Content:        "x",
			Timestamp:      time.Now().UTC(),
		}
		if err := store.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
	}

	max, err = store.MaxSeq(ctx, "conv-1")
	if err != nil {
		t.Fatalf("MaxSeq failed: %v", err)
	}
	if max != 5 {
		t.Errorf("expected max seq 5, got %d", max)
	}
}

func newTask(id string, status TaskStatus) *Task {
	now := time.Now().UTC().Truncate(time.Second)
	return &Task{
		ID:          id,
		Description: "test task " + id,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return store
}
