// ABOUTME: Composition root wiring the task manager, agent manager, and router
// ABOUTME: Runs the background scheduler, crash recovery, and graceful drain

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/router"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/task"
)

// Status is the aggregate view served by GET /api/status
type Status struct {
	Tasks        map[store.TaskStatus]int
	ActiveAgents int
}

// Orchestrator wires the orchestration core. The agent registry and task
// table are mutated only through their managers; nothing else holds a
// writable reference.
type Orchestrator struct {
	cfg    *config.Config
	store  store.Store
	logger *slog.Logger

	Agents *agent.Manager
	Tasks  *task.Manager
	Router *router.Router

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds the orchestration core from its parts. Capability providers
// are selected at composition time via the registry.
func New(cfg *config.Config, st store.Store, providers *agent.Registry, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	agents := agent.NewManager(st, cfg.Agents.FailureThreshold, logger)
	tasks := task.NewManager(st, agents, providers, task.Options{
		MaxRetries:        cfg.Scheduler.MaxRetries,
		BackoffBase:       cfg.Scheduler.BackoffBase,
		MaxTaskDuration:   cfg.Scheduler.MaxTaskDuration,
		CancelGracePeriod: cfg.Scheduler.CancelGracePeriod,
	}, logger)
	r := router.New(st, tasks, logger)

	o := &Orchestrator{
		cfg:    cfg,
		store:  st,
		logger: logger.With("component", "orchestrator"),
		Agents: agents,
		Tasks:  tasks,
		Router: r,
	}
	tasks.SetTerminalListener(o.onTaskTerminal)
	return o
}

// Start restores the agent registry, recovers orphaned tasks, and launches
// the background scheduler.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.Agents.Restore(ctx); err != nil {
		return fmt.Errorf("restoring agents: %w", err)
	}
	if err := o.Tasks.RecoverOrphans(ctx); err != nil {
		return fmt.Errorf("recovering orphaned tasks: %w", err)
	}

	schedCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})

	go o.runScheduler(schedCtx)

	o.logger.Info("orchestrator started",
		"sweep_interval", o.cfg.Scheduler.SweepInterval,
		"max_retries", o.cfg.Scheduler.MaxRetries,
	)
	return nil
}

// runScheduler drives assignment and timeout sweeps until stopped.
func (o *Orchestrator) runScheduler(ctx context.Context) {
	defer close(o.done)

	ticker := time.NewTicker(o.cfg.Scheduler.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Tasks.SweepAssignments(ctx)
			o.Tasks.SweepTimeouts(ctx)
		}
	}
}

// Stop halts the scheduler and drains in-flight invocations, bounded by
// the context.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.cancel != nil {
		o.cancel()
		<-o.done
	}
	o.Router.Close()

	if err := o.Tasks.Drain(ctx); err != nil {
		return err
	}
	o.logger.Info("orchestrator stopped")
	return nil
}

// Status returns aggregate task counts and the active agent count.
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	counts, err := o.Tasks.CountsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		Tasks:        counts,
		ActiveAgents: o.Agents.ActiveCount(),
	}, nil
}

// onTaskTerminal routes the outcome of a conversation-correlated task back
// into its conversation. Completed tasks speak as the agent; failures and
// cancellations are system notices.
func (o *Orchestrator) onTaskTerminal(t *store.Task) {
	if t.ConversationID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var sender, content string
	switch t.Status {
	case store.TaskCompleted:
		sender = store.SenderAgent
		content = t.Result
		if content == "" {
			content = "task completed"
		}
	case store.TaskFailed:
		sender = store.SenderSystem
		content = fmt.Sprintf("task failed: %s", t.Error)
	case store.TaskCancelled:
		sender = store.SenderSystem
		content = "task cancelled"
	default:
		return
	}

	if _, err := o.Router.Deliver(ctx, t.ConversationID, sender, content, t.ID); err != nil {
		o.logger.Error("failed to deliver task outcome",
			"task_id", t.ID,
			"conversation_id", t.ConversationID,
			"error", err,
		)
	}
}
