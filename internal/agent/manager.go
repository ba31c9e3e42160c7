// ABOUTME: In-memory agent registry with capability matching and slot reservation
// ABOUTME: Tracks per-agent load and consecutive failures, deactivating flaky agents

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/store"
)

// ErrAgentAlreadyRegistered indicates an agent with the same ID is already registered.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// ErrAgentUnavailable indicates no active agent matches the required
// capabilities with free capacity. Tasks stay pending when this is returned.
var ErrAgentUnavailable = errors.New("no agent available")

// ErrAgentAtCapacity indicates a reservation lost the race for the agent's
// last concurrency slot. The caller should re-select.
var ErrAgentAtCapacity = errors.New("agent at max concurrency")

// AgentStore defines what the manager needs from storage
type AgentStore interface {
	SaveAgent(ctx context.Context, agent *store.Agent) error
	ListAgents(ctx context.Context) ([]*store.Agent, error)
	DeleteAgent(ctx context.Context, id string) error
}

// registered pairs an agent record with its runtime task set
type registered struct {
	agent *store.Agent
	tasks map[string]struct{}
}

// Manager owns the agent registry. It is the only component allowed to
// mutate agent records; the task manager reserves and releases slots
// through it.
type Manager struct {
	mu               sync.Mutex
	agents           map[string]*registered
	store            AgentStore
	failureThreshold int
	logger           *slog.Logger
}

// NewManager creates an agent Manager. Agents are deactivated after
// failureThreshold consecutive failed outcomes.
func NewManager(st AgentStore, failureThreshold int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		agents:           make(map[string]*registered),
		store:            st,
		failureThreshold: failureThreshold,
		logger:           logger.With("component", "agents"),
	}
}

// Register adds an agent to the registry and persists its record.
// Returns ErrAgentAlreadyRegistered if an agent with the same ID exists.
func (m *Manager) Register(ctx context.Context, agent *store.Agent) error {
	if agent.ID == "" {
		return fmt.Errorf("%w: agent id is required", store.ErrValidation)
	}
	if agent.Name == "" {
		return fmt.Errorf("%w: agent name is required", store.ErrValidation)
	}
	if agent.MaxConcurrency <= 0 {
		agent.MaxConcurrency = 1
	}
	now := time.Now()
	if agent.RegisteredAt.IsZero() {
		agent.RegisteredAt = now
	}
	agent.UpdatedAt = now
	agent.Active = true

	m.mu.Lock()
	if _, exists := m.agents[agent.ID]; exists {
		m.mu.Unlock()
		return ErrAgentAlreadyRegistered
	}
	m.agents[agent.ID] = &registered{
		agent: agent,
		tasks: make(map[string]struct{}),
	}
	total := len(m.agents)
	m.mu.Unlock()

	if err := m.store.SaveAgent(ctx, agent); err != nil {
		m.mu.Lock()
		delete(m.agents, agent.ID)
		m.mu.Unlock()
		return fmt.Errorf("persisting agent: %w", err)
	}

	m.logger.Info("agent registered",
		"agent_id", agent.ID,
		"name", agent.Name,
		"capabilities", agent.Capabilities,
		"max_concurrency", agent.MaxConcurrency,
		"total_agents", total,
	)
	return nil
}

// Deregister removes an agent from the registry and storage.
func (m *Manager) Deregister(ctx context.Context, agentID string) error {
	m.mu.Lock()
	reg, exists := m.agents[agentID]
	if !exists {
		m.mu.Unlock()
		return ErrAgentNotFound
	}
	delete(m.agents, agentID)
	name := reg.agent.Name
	total := len(m.agents)
	m.mu.Unlock()

	if err := m.store.DeleteAgent(ctx, agentID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deleting agent record: %w", err)
	}

	m.logger.Info("agent deregistered",
		"agent_id", agentID,
		"name", name,
		"total_agents", total,
	)
	return nil
}

// Restore loads persisted agent records into the registry at startup.
// Task sets start empty: any tasks recorded as running before the restart
// are recovered to pending by the task manager, never resumed in place.
func (m *Manager) Restore(ctx context.Context) error {
	agents, err := m.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("loading agents: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range agents {
		if _, exists := m.agents[a.ID]; exists {
			continue
		}
		m.agents[a.ID] = &registered{
			agent: a,
			tasks: make(map[string]struct{}),
		}
	}
	m.logger.Info("agent registry restored", "total_agents", len(m.agents))
	return nil
}

// FindAgentFor selects an active agent whose capability set covers the
// requirement. Among candidates with free capacity it picks the one with
// the fewest current tasks, breaking ties by agent ID ascending so the
// choice is deterministic. Returns ErrAgentUnavailable when none qualify.
//
// Selection is only a read: the caller must follow up with Reserve, which
// can fail if another task takes the last slot first.
func (m *Manager) FindAgentFor(required []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *registered
	for _, reg := range m.agents {
		if !reg.agent.Active {
			continue
		}
		if !hasAll(reg.agent.Capabilities, required) {
			continue
		}
		if len(reg.tasks) >= reg.agent.MaxConcurrency {
			continue
		}
		if best == nil ||
			len(reg.tasks) < len(best.tasks) ||
			(len(reg.tasks) == len(best.tasks) && reg.agent.ID < best.agent.ID) {
			best = reg
		}
	}

	if best == nil {
		return "", ErrAgentUnavailable
	}
	return best.agent.ID, nil
}

// Reserve atomically claims a concurrency slot on the agent for the task.
// It fails with ErrAgentAtCapacity if the agent is already full, closing
// the race between selection and reservation.
func (m *Manager) Reserve(agentID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, exists := m.agents[agentID]
	if !exists {
		return ErrAgentNotFound
	}
	if !reg.agent.Active {
		return ErrAgentUnavailable
	}
	if len(reg.tasks) >= reg.agent.MaxConcurrency {
		return ErrAgentAtCapacity
	}

	reg.tasks[taskID] = struct{}{}
	m.logger.Debug("slot reserved",
		"agent_id", agentID,
		"task_id", taskID,
		"load", len(reg.tasks),
	)
	return nil
}

// ReleaseOutcome describes how a task left an agent's slot
type ReleaseOutcome int

const (
	// ReleaseSuccess resets the agent's consecutive failure counter
	ReleaseSuccess ReleaseOutcome = iota
	// ReleaseFailure increments the counter and may deactivate the agent
	ReleaseFailure
	// ReleaseNeutral frees the slot without touching the counter
	// (cancellations, undone reservations)
	ReleaseNeutral
)

// Release frees the agent's slot for the task and updates failure
// accounting. An agent reaching the failure threshold is deactivated and
// stays inactive until an operator re-registers it.
func (m *Manager) Release(ctx context.Context, agentID, taskID string, outcome ReleaseOutcome) {
	m.mu.Lock()
	reg, exists := m.agents[agentID]
	if !exists {
		m.mu.Unlock()
		return
	}

	delete(reg.tasks, taskID)

	var persist *store.Agent
	switch outcome {
	case ReleaseSuccess:
		if reg.agent.ConsecutiveFailures != 0 {
			reg.agent.ConsecutiveFailures = 0
			persist = snapshotAgent(reg.agent)
		}
	case ReleaseFailure:
		reg.agent.ConsecutiveFailures++
		if reg.agent.ConsecutiveFailures >= m.failureThreshold {
			reg.agent.Active = false
			m.logger.Warn("agent deactivated after consecutive failures",
				"agent_id", agentID,
				"failures", reg.agent.ConsecutiveFailures,
			)
		}
		persist = snapshotAgent(reg.agent)
	}
	if persist != nil {
		persist.UpdatedAt = time.Now()
		reg.agent.UpdatedAt = persist.UpdatedAt
	}
	m.mu.Unlock()

	if persist != nil {
		if err := m.store.SaveAgent(ctx, persist); err != nil {
			m.logger.Error("failed to persist agent state",
				"agent_id", agentID,
				"error", err,
			)
		}
	}

	m.logger.Debug("slot released",
		"agent_id", agentID,
		"task_id", taskID,
		"outcome", outcome,
	)
}

// Snapshot is a public view of a registered agent and its current load
type Snapshot struct {
	ID                  string
	Name                string
	Capabilities        []string
	Active              bool
	MaxConcurrency      int
	ActiveTasks         int
	ConsecutiveFailures int
}

// List returns a snapshot of all registered agents ordered by ID.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshots := make([]Snapshot, 0, len(m.agents))
	for _, reg := range m.agents {
		snapshots = append(snapshots, snapshot(reg))
	}
	slices.SortFunc(snapshots, func(a, b Snapshot) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return snapshots
}

// Get returns a snapshot of a single agent.
func (m *Manager) Get(agentID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, exists := m.agents[agentID]
	if !exists {
		return Snapshot{}, false
	}
	return snapshot(reg), true
}

// ActiveCount returns the number of active agents.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, reg := range m.agents {
		if reg.agent.Active {
			n++
		}
	}
	return n
}

func snapshot(reg *registered) Snapshot {
	return Snapshot{
		ID:                  reg.agent.ID,
		Name:                reg.agent.Name,
		Capabilities:        slices.Clone(reg.agent.Capabilities),
		Active:              reg.agent.Active,
		MaxConcurrency:      reg.agent.MaxConcurrency,
		ActiveTasks:         len(reg.tasks),
		ConsecutiveFailures: reg.agent.ConsecutiveFailures,
	}
}

func snapshotAgent(a *store.Agent) *store.Agent {
	clone := *a
	clone.Capabilities = slices.Clone(a.Capabilities)
	return &clone
}

// hasAll reports whether capabilities is a superset of required.
func hasAll(capabilities, required []string) bool {
	for _, req := range required {
		if !slices.Contains(capabilities, req) {
			return false
		}
	}
	return true
}
