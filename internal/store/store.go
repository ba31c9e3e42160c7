// ABOUTME: Store interface and entity types for loom persistence
// ABOUTME: Defines Task, Agent, Message records and the Store contract for database operations

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSeq is returned when a message with the same (conversation, seq)
// pair already exists. The router treats this as a sequencing bug.
var ErrDuplicateSeq = errors.New("duplicate message sequence number")

// ErrValidation is returned for malformed input, rejected before any state change
var ErrValidation = errors.New("validation failed")

// ErrInvalidTransition is returned for task state machine violations.
// These indicate a programming or race defect and are always logged.
var ErrInvalidTransition = errors.New("invalid task transition")

// TaskStatus is the lifecycle state of a task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Error kinds recorded on failed tasks
const (
	ErrorKindTool    = "tool_error"
	ErrorKindTimeout = "timeout"
)

// TaskError is structured failure detail, set only on failed tasks
type TaskError struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Task is a unit of work with a tracked lifecycle.
// Status moves only forward through the transition graph; AssignedAgentID
// is non-empty exactly while the task is running.
type Task struct {
	ID              string
	Description     string
	Status          TaskStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
	AssignedAgentID string
	Result          string
	Error           *TaskError
	Attempt         int
	NextAttemptAt   time.Time // zero means eligible immediately
	ConversationID  string
	Metadata        map[string]string
}

// Agent is a capability-bearing worker record. Runtime load (the set of
// currently assigned tasks) lives in the agent registry, not here.
type Agent struct {
	ID                  string
	Name                string
	Capabilities        []string
	Active              bool
	MaxConcurrency      int
	ConsecutiveFailures int
	RegisteredAt        time.Time
	UpdatedAt           time.Time
}

// Message sender values
const (
	SenderUser   = "user"
	SenderAgent  = "agent"
	SenderSystem = "system"
)

// Message is an append-only conversational unit. Ordering within a
// conversation is by Seq, assigned by the router, never by Timestamp.
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	Sender         string
	Content        string
	Timestamp      time.Time
	TaskID         string
}

// Store defines the interface for task, agent, and message persistence
type Store interface {
	// Tasks
	SaveTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasksByStatus(ctx context.Context, status TaskStatus, limit int) ([]*Task, error)
	ListTasks(ctx context.Context, limit int) ([]*Task, error)
	CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error)

	// Agents
	SaveAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	DeleteAgent(ctx context.Context, id string) error

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*Message, error)
	MaxSeq(ctx context.Context, conversationID string) (int64, error)

	// Close releases any resources held by the store
	Close() error
}
