// ABOUTME: Task lifecycle manager driving the pending/running/terminal state machine
// ABOUTME: Owns assignment, retry with backoff, timeout sweeps, and cancellation

package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/internal/store"
)

// Metadata keys interpreted by the task manager. Everything else in task
// metadata is opaque to the core.
const (
	// MetaCapabilities holds a comma-separated list of required capability tags
	MetaCapabilities = "capabilities"
	// MetaMaxDuration overrides the per-task deadline (Go duration string)
	MetaMaxDuration = "max_duration"
	// MetaConversationID correlates the task to a conversation
	MetaConversationID = "conversation_id"
)

// anyAttempt disables the stale-attempt guard when reporting an outcome
const anyAttempt = -1

// TaskStore defines what the manager needs from storage
type TaskStore interface {
	SaveTask(ctx context.Context, task *store.Task) error
	GetTask(ctx context.Context, id string) (*store.Task, error)
	ListTasksByStatus(ctx context.Context, status store.TaskStatus, limit int) ([]*store.Task, error)
	ListTasks(ctx context.Context, limit int) ([]*store.Task, error)
	CountTasksByStatus(ctx context.Context) (map[store.TaskStatus]int, error)
}

// AgentPool defines what the manager needs from the agent registry
type AgentPool interface {
	FindAgentFor(required []string) (string, error)
	Reserve(agentID, taskID string) error
	Release(ctx context.Context, agentID, taskID string, outcome agent.ReleaseOutcome)
}

// Invoker executes a capability on behalf of an assigned agent
type Invoker interface {
	Invoke(ctx context.Context, capability string, params map[string]string) (string, error)
}

// Options holds the retry and timing policy for the manager
type Options struct {
	MaxRetries        int           // attempts before a transient failure becomes terminal
	BackoffBase       time.Duration // doubled per attempt: base, 2*base, 4*base, ...
	MaxTaskDuration   time.Duration // default per-task deadline from creation
	CancelGracePeriod time.Duration // forced termination after uncooperative cancel
}

// invocation tracks one in-flight provider call
type invocation struct {
	cancel  context.CancelFunc
	agentID string
	attempt int
}

// Manager owns the task table. All status transitions flow through here;
// no other component mutates tasks.
type Manager struct {
	store   TaskStore
	pool    AgentPool
	invoker Invoker
	opts    Options
	logger  *slog.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	running map[string]*invocation
	// cancelRequested marks tasks whose cancellation is in flight so a
	// concurrent timeout or transient requeue cannot outrun it. Entries
	// are cleared on the terminal transition.
	cancelRequested map[string]struct{}

	onTerminal func(*store.Task)

	wg sync.WaitGroup
}

// NewManager creates a task Manager.
func NewManager(st TaskStore, pool AgentPool, invoker Invoker, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:           st,
		pool:            pool,
		invoker:         invoker,
		opts:            opts,
		logger:          logger.With("component", "tasks"),
		locks:           make(map[string]*sync.Mutex),
		running:         make(map[string]*invocation),
		cancelRequested: make(map[string]struct{}),
	}
}

// SetTerminalListener registers a hook invoked after a task reaches a
// terminal state. Used by the orchestrator to route outcome messages back
// to the originating conversation.
func (m *Manager) SetTerminalListener(fn func(*store.Task)) {
	m.onTerminal = fn
}

// Create inserts a new pending task. The task is persisted before Create
// returns; assignment happens on the next scheduling pass.
func (m *Manager) Create(ctx context.Context, description string, metadata map[string]string) (*store.Task, error) {
	if strings.TrimSpace(description) == "" {
		return nil, fmt.Errorf("%w: description is required", store.ErrValidation)
	}

	now := time.Now()
	t := &store.Task{
		ID:             uuid.New().String(),
		Description:    description,
		Status:         store.TaskPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		ConversationID: metadata[MetaConversationID],
		Metadata:       metadata,
	}

	if err := m.persistTask(ctx, t); err != nil {
		return nil, err
	}

	m.logger.Info("task created",
		"task_id", t.ID,
		"description", description,
		"conversation_id", t.ConversationID,
	)
	return t, nil
}

// Get returns a task by ID.
func (m *Manager) Get(ctx context.Context, id string) (*store.Task, error) {
	return m.store.GetTask(ctx, id)
}

// ListByStatus returns tasks filtered by status, oldest first. An empty
// status returns all tasks.
func (m *Manager) ListByStatus(ctx context.Context, status store.TaskStatus, limit int) ([]*store.Task, error) {
	if status == "" {
		return m.store.ListTasks(ctx, limit)
	}
	return m.store.ListTasksByStatus(ctx, status, limit)
}

// CountsByStatus returns the number of tasks per status.
func (m *Manager) CountsByStatus(ctx context.Context) (map[store.TaskStatus]int, error) {
	return m.store.CountTasksByStatus(ctx)
}

// RequestAssignment tries to move a pending task to running by reserving a
// matching agent. Selection and reservation are two phases: when the
// reservation loses the race for an agent's last slot, selection is retried
// within the same pass before giving up until the next sweep.
func (m *Manager) RequestAssignment(ctx context.Context, taskID string) error {
	lock := m.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != store.TaskPending {
		return fmt.Errorf("%w: cannot assign task in status %s", store.ErrInvalidTransition, t.Status)
	}
	if !t.NextAttemptAt.IsZero() && t.NextAttemptAt.After(time.Now()) {
		// Backoff window still open
		return nil
	}

	required := requiredCapabilities(t.Metadata)

	var reserved string
	for pass := 0; pass < 3; pass++ {
		agentID, err := m.pool.FindAgentFor(required)
		if err != nil {
			return err
		}
		if err := m.pool.Reserve(agentID, t.ID); err != nil {
			// Lost the slot race; re-select
			continue
		}
		reserved = agentID
		break
	}
	if reserved == "" {
		return agent.ErrAgentUnavailable
	}

	t.Status = store.TaskRunning
	t.AssignedAgentID = reserved
	t.Attempt++
	t.NextAttemptAt = time.Time{}
	touch(t)

	if err := m.persistTask(ctx, t); err != nil {
		// Undo the reservation; the task stays pending
		m.pool.Release(ctx, reserved, t.ID, agent.ReleaseNeutral)
		return err
	}

	m.logger.Info("task assigned",
		"task_id", t.ID,
		"agent_id", reserved,
		"attempt", t.Attempt,
	)

	m.startInvocation(t)
	return nil
}

// startInvocation launches the bounded provider call for a running task.
// The invocation context carries the task deadline and is cancelled on
// Cancel, timeout sweep, or any other transition away from running.
func (m *Manager) startInvocation(t *store.Task) {
	invCtx, cancel := context.WithDeadline(context.Background(), m.deadlineFor(t))

	m.mu.Lock()
	m.running[t.ID] = &invocation{
		cancel:  cancel,
		agentID: t.AssignedAgentID,
		attempt: t.Attempt,
	}
	m.mu.Unlock()

	taskID := t.ID
	attempt := t.Attempt
	capability := primaryCapability(t.Metadata)
	params := invocationParams(t)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		result, err := m.invoker.Invoke(invCtx, capability, params)
		outcome := classify(invCtx, result, err)

		if err := m.report(context.Background(), taskID, attempt, outcome); err != nil {
			// Lost to a timeout sweep, cancellation, or forced release
			m.logger.Debug("invocation outcome discarded",
				"task_id", taskID,
				"attempt", attempt,
				"outcome", outcome.Kind.String(),
				"error", err,
			)
		}
	}()
}

// classify maps an invocation result to an outcome
func classify(ctx context.Context, result string, err error) Outcome {
	switch {
	case err == nil:
		return Success(result)
	case errors.Is(ctx.Err(), context.Canceled):
		return Cancelled()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return TimeoutFailure("task deadline exceeded")
	case agent.IsTransient(err):
		return TransientFailure(err.Error())
	default:
		return PermanentFailure(err.Error())
	}
}

// ReportOutcome applies an outcome to a running task. Transitions are
// serialized per task; the first valid transition wins and later reports
// fail with ErrInvalidTransition.
func (m *Manager) ReportOutcome(ctx context.Context, taskID string, outcome Outcome) error {
	return m.report(ctx, taskID, anyAttempt, outcome)
}

func (m *Manager) report(ctx context.Context, taskID string, attempt int, outcome Outcome) error {
	lock := m.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	if t.Status.Terminal() {
		err := fmt.Errorf("%w: task %s already %s", store.ErrInvalidTransition, taskID, t.Status)
		m.logger.Error("outcome rejected for terminal task",
			"task_id", taskID,
			"status", t.Status,
			"outcome", outcome.Kind.String(),
		)
		return err
	}
	if t.Status != store.TaskRunning {
		m.logger.Error("outcome rejected for non-running task",
			"task_id", taskID,
			"status", t.Status,
			"outcome", outcome.Kind.String(),
		)
		return fmt.Errorf("%w: outcome reported for %s task %s", store.ErrInvalidTransition, t.Status, taskID)
	}
	if attempt != anyAttempt && attempt != t.Attempt {
		return fmt.Errorf("%w: stale outcome for attempt %d (current %d)", store.ErrInvalidTransition, attempt, t.Attempt)
	}

	agentID := t.AssignedAgentID
	release := agent.ReleaseNeutral

	switch outcome.Kind {
	case OutcomeSuccess:
		t.Status = store.TaskCompleted
		t.Result = outcome.Result
		t.Error = nil
		release = agent.ReleaseSuccess

	case OutcomePermanentFailure:
		t.Status = store.TaskFailed
		t.Error = outcome.Err
		release = agent.ReleaseFailure

	case OutcomeTransientFailure:
		release = agent.ReleaseFailure
		if m.cancelWanted(taskID) {
			// A cancel arrived during this attempt; it outranks the
			// retry policy, so the task settles instead of requeueing.
			t.Status = store.TaskCancelled
			release = agent.ReleaseNeutral
			m.logger.Info("task cancelled instead of requeued",
				"task_id", taskID,
				"attempt", t.Attempt,
			)
		} else if t.Attempt < m.opts.MaxRetries {
			t.Status = store.TaskPending
			t.NextAttemptAt = time.Now().Add(m.backoff(t.Attempt))
			m.logger.Info("task requeued after transient failure",
				"task_id", taskID,
				"attempt", t.Attempt,
				"max_retries", m.opts.MaxRetries,
				"error", outcome.Err,
				"next_attempt_at", t.NextAttemptAt,
			)
		} else {
			t.Status = store.TaskFailed
			t.Error = outcome.Err
			m.logger.Info("task failed after exhausting retries",
				"task_id", taskID,
				"attempt", t.Attempt,
				"error", outcome.Err,
			)
		}

	case OutcomeCancelled:
		t.Status = store.TaskCancelled

	default:
		return fmt.Errorf("%w: unknown outcome kind %d", store.ErrInvalidTransition, outcome.Kind)
	}

	t.AssignedAgentID = ""
	touch(t)

	if err := m.persistTask(ctx, t); err != nil {
		return err
	}

	m.finishInvocation(taskID)
	if agentID != "" {
		m.pool.Release(ctx, agentID, taskID, release)
	}

	if t.Status.Terminal() {
		m.logger.Info("task reached terminal state",
			"task_id", taskID,
			"status", t.Status,
			"attempt", t.Attempt,
		)
		m.dropLock(taskID)
		m.notifyTerminal(t)
	}
	return nil
}

// Cancel requests cancellation of a task. Pending tasks are cancelled
// immediately. Running tasks get their invocation context cancelled; if the
// provider does not observe it within the grace period, the task is
// force-transitioned to cancelled and the agent slot freed regardless.
func (m *Manager) Cancel(ctx context.Context, taskID string) (*store.Task, error) {
	lock := m.lockFor(taskID)
	lock.Lock()

	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	switch t.Status {
	case store.TaskPending:
		t.Status = store.TaskCancelled
		t.AssignedAgentID = ""
		touch(t)
		if err := m.persistTask(ctx, t); err != nil {
			lock.Unlock()
			return nil, err
		}
		lock.Unlock()

		m.logger.Info("pending task cancelled", "task_id", taskID)
		m.dropLock(taskID)
		m.notifyTerminal(t)
		return t, nil

	case store.TaskRunning:
		m.mu.Lock()
		inv := m.running[taskID]
		m.cancelRequested[taskID] = struct{}{}
		m.mu.Unlock()
		lock.Unlock()

		if inv != nil {
			inv.cancel()
		}
		m.logger.Info("cancellation requested for running task",
			"task_id", taskID,
			"grace_period", m.opts.CancelGracePeriod,
		)

		// Force the transition if the provider ignores the token
		time.AfterFunc(m.opts.CancelGracePeriod, func() {
			m.forceCancel(taskID)
		})
		return t, nil

	default:
		lock.Unlock()
		return nil, fmt.Errorf("%w: cannot cancel task in status %s", store.ErrInvalidTransition, t.Status)
	}
}

// forceCancel settles a cancellation whose grace period expired. The task
// is usually still running; a concurrent timeout sweep may have moved it
// back to pending, in which case it still has to end up cancelled.
func (m *Manager) forceCancel(taskID string) {
	ctx := context.Background()

	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		m.logger.Error("forced cancellation failed", "task_id", taskID, "error", err)
		return
	}
	if t.Status.Terminal() {
		return
	}

	if t.Status == store.TaskRunning {
		err = m.report(ctx, taskID, anyAttempt, Cancelled())
	} else {
		_, err = m.Cancel(ctx, taskID)
	}
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		m.logger.Error("forced cancellation failed", "task_id", taskID, "error", err)
	}
}

func (m *Manager) cancelWanted(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.cancelRequested[taskID]
	return ok
}

// SweepAssignments drives eligible pending tasks through assignment.
// Tasks inside their backoff window or without a matching agent simply
// stay pending for the next pass.
func (m *Manager) SweepAssignments(ctx context.Context) {
	pending, err := m.store.ListTasksByStatus(ctx, store.TaskPending, 0)
	if err != nil {
		m.logger.Error("assignment sweep failed to list pending tasks", "error", err)
		return
	}

	now := time.Now()
	for _, t := range pending {
		if !t.NextAttemptAt.IsZero() && t.NextAttemptAt.After(now) {
			continue
		}
		if err := m.RequestAssignment(ctx, t.ID); err != nil {
			if errors.Is(err, agent.ErrAgentUnavailable) {
				m.logger.Debug("no agent available", "task_id", t.ID)
				continue
			}
			if errors.Is(err, store.ErrInvalidTransition) {
				// Raced with another transition; nothing to do
				continue
			}
			m.logger.Error("assignment failed", "task_id", t.ID, "error", err)
		}
	}
}

// SweepTimeouts transitions running tasks past their deadline to a
// transient timeout failure, applying the normal retry policy and freeing
// the agent slot. This covers providers that never observe their context.
func (m *Manager) SweepTimeouts(ctx context.Context) {
	running, err := m.store.ListTasksByStatus(ctx, store.TaskRunning, 0)
	if err != nil {
		m.logger.Error("timeout sweep failed to list running tasks", "error", err)
		return
	}

	now := time.Now()
	for _, t := range running {
		if now.Before(m.deadlineFor(t)) {
			continue
		}
		m.logger.Warn("task exceeded deadline",
			"task_id", t.ID,
			"agent_id", t.AssignedAgentID,
			"deadline", m.deadlineFor(t),
		)
		err := m.report(ctx, t.ID, anyAttempt, TimeoutFailure("task deadline exceeded"))
		if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			m.logger.Error("timeout transition failed", "task_id", t.ID, "error", err)
		}
	}
}

// RecoverOrphans re-queues tasks persisted as running. Called once at
// startup before the scheduler starts: a task found running after a crash
// is orphaned and must be re-assigned, never resumed in place.
func (m *Manager) RecoverOrphans(ctx context.Context) error {
	orphans, err := m.store.ListTasksByStatus(ctx, store.TaskRunning, 0)
	if err != nil {
		return fmt.Errorf("listing orphaned tasks: %w", err)
	}

	for _, t := range orphans {
		t.Status = store.TaskPending
		t.AssignedAgentID = ""
		t.NextAttemptAt = time.Time{}
		touch(t)
		if err := m.persistTask(ctx, t); err != nil {
			return fmt.Errorf("recovering task %s: %w", t.ID, err)
		}
		m.logger.Warn("orphaned running task recovered to pending", "task_id", t.ID)
	}

	if len(orphans) > 0 {
		m.logger.Info("crash recovery complete", "recovered", len(orphans))
	}
	return nil
}

// Drain cancels all in-flight invocations and waits for their goroutines,
// bounded by the context.
func (m *Manager) Drain(ctx context.Context) error {
	m.mu.Lock()
	for _, inv := range m.running {
		inv.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain timed out: %w", ctx.Err())
	}
}

// persistTask writes the task with bounded retry so a transient store
// failure never results in a silently dropped transition.
func (m *Manager) persistTask(ctx context.Context, t *store.Task) error {
	var err error
	for i := 0; i < 3; i++ {
		if err = m.store.SaveTask(ctx, t); err == nil {
			return nil
		}
		select {
		case <-time.After(time.Duration(i+1) * 50 * time.Millisecond):
		case <-ctx.Done():
			return fmt.Errorf("persisting task %s: %w", t.ID, ctx.Err())
		}
	}
	m.logger.Error("task persistence failed after retries", "task_id", t.ID, "error", err)
	return fmt.Errorf("persisting task %s: %w", t.ID, err)
}

func (m *Manager) notifyTerminal(t *store.Task) {
	if m.onTerminal != nil {
		m.onTerminal(t)
	}
}

func (m *Manager) lockFor(taskID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[taskID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[taskID] = lock
	}
	return lock
}

func (m *Manager) dropLock(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, taskID)
	delete(m.cancelRequested, taskID)
}

func (m *Manager) finishInvocation(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv, ok := m.running[taskID]; ok {
		inv.cancel()
		delete(m.running, taskID)
	}
}

// backoff returns the delay before the next attempt is eligible.
// attempt is the number of attempts made so far.
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// deadlineFor computes the task deadline: creation time plus the default
// max duration, overridable per task via metadata.
func (m *Manager) deadlineFor(t *store.Task) time.Time {
	d := m.opts.MaxTaskDuration
	if raw, ok := t.Metadata[MetaMaxDuration]; ok && raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			d = parsed
		}
	}
	return t.CreatedAt.Add(d)
}

// touch advances UpdatedAt, keeping it monotonically non-decreasing.
func touch(t *store.Task) {
	now := time.Now()
	if now.Before(t.UpdatedAt) {
		now = t.UpdatedAt
	}
	t.UpdatedAt = now
}

// requiredCapabilities extracts the capability tags a task requires.
// An absent or empty list means any active agent qualifies.
func requiredCapabilities(metadata map[string]string) []string {
	raw, ok := metadata[MetaCapabilities]
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	caps := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			caps = append(caps, trimmed)
		}
	}
	return caps
}

// primaryCapability names the capability invoked for a task: the first
// required tag, or empty for the registry fallback provider.
func primaryCapability(metadata map[string]string) string {
	caps := requiredCapabilities(metadata)
	if len(caps) == 0 {
		return ""
	}
	return caps[0]
}

// invocationParams builds the parameter map handed to the provider
func invocationParams(t *store.Task) map[string]string {
	params := make(map[string]string, len(t.Metadata)+2)
	for k, v := range t.Metadata {
		params[k] = v
	}
	params["task_id"] = t.ID
	params["description"] = t.Description
	return params
}
