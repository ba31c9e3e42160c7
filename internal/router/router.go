// ABOUTME: Message router assigning per-conversation sequence numbers
// ABOUTME: Correlates inbound user messages to tasks and fans out persisted messages

package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/store"
)

// MessageStore defines what the router needs from storage
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *store.Message) error
	ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*store.Message, error)
	MaxSeq(ctx context.Context, conversationID string) (int64, error)
}

// TaskCreator defines what the router needs from the task manager
type TaskCreator interface {
	Create(ctx context.Context, description string, metadata map[string]string) (*store.Task, error)
}

// conversation guards the sequence counter for one conversation ID.
// nextSeq is 0 until lazily initialized from the store, so restarts never
// reuse a sequence number.
type conversation struct {
	mu      sync.Mutex
	nextSeq int64
}

// Router serializes message flow per conversation. Every message gets a
// strictly increasing, gap-free sequence number and is persisted before it
// is acknowledged or fanned out; ordering is decided here, not by arrival
// time or timestamps.
type Router struct {
	store     MessageStore
	tasks     TaskCreator
	broadcast *Broadcaster
	logger    *slog.Logger

	mu    sync.Mutex
	convs map[string]*conversation
}

// New creates a message Router.
func New(st MessageStore, tasks TaskCreator, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:     st,
		tasks:     tasks,
		broadcast: NewBroadcaster(logger),
		logger:    logger.With("component", "router"),
		convs:     make(map[string]*conversation),
	}
}

// Ingest records an inbound message. When the sender is a user, a
// correlated task is created first so its ID can be stamped on the message
// (messages are append-only and never mutated after creation).
func (r *Router) Ingest(ctx context.Context, conversationID, sender, content string) (*store.Message, error) {
	if err := validate(conversationID, sender, content); err != nil {
		return nil, err
	}

	var taskID string
	if sender == store.SenderUser {
		task, err := r.tasks.Create(ctx, content, map[string]string{
			"conversation_id": conversationID,
		})
		if err != nil {
			return nil, fmt.Errorf("creating correlated task: %w", err)
		}
		taskID = task.ID
	}

	msg, err := r.append(ctx, conversationID, sender, content, taskID)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("message ingested",
		"conversation_id", conversationID,
		"seq", msg.Seq,
		"sender", sender,
		"task_id", taskID,
	)
	return msg, nil
}

// Deliver records an outbound message from an agent or the system,
// preserving the same sequencing discipline as Ingest.
func (r *Router) Deliver(ctx context.Context, conversationID, sender, content, taskID string) (*store.Message, error) {
	if err := validate(conversationID, sender, content); err != nil {
		return nil, err
	}

	msg, err := r.append(ctx, conversationID, sender, content, taskID)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("message delivered",
		"conversation_id", conversationID,
		"seq", msg.Seq,
		"sender", sender,
		"task_id", taskID,
	)
	return msg, nil
}

// append allocates the next sequence number under the conversation lock,
// persists the message (with bounded retry before acknowledging), and fans
// it out. The counter only advances after a successful persist, so
// consumers never observe a gap.
func (r *Router) append(ctx context.Context, conversationID, sender, content, taskID string) (*store.Message, error) {
	conv := r.conv(conversationID)

	conv.mu.Lock()
	defer conv.mu.Unlock()

	if conv.nextSeq == 0 {
		max, err := r.store.MaxSeq(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("initializing sequence counter: %w", err)
		}
		conv.nextSeq = max + 1
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Seq:            conv.nextSeq,
		Sender:         sender,
		Content:        content,
		Timestamp:      time.Now(),
		TaskID:         taskID,
	}

	if err := r.persistMessage(ctx, msg); err != nil {
		return nil, err
	}
	conv.nextSeq++

	r.broadcast.Publish(msg)
	return msg, nil
}

// persistMessage retries the write before surfacing a persistence failure;
// a message is never acknowledged unless it is durably stored.
func (r *Router) persistMessage(ctx context.Context, msg *store.Message) error {
	var err error
	for i := 0; i < 3; i++ {
		if err = r.store.SaveMessage(ctx, msg); err == nil {
			return nil
		}
		select {
		case <-time.After(time.Duration(i+1) * 50 * time.Millisecond):
		case <-ctx.Done():
			return fmt.Errorf("persisting message: %w", ctx.Err())
		}
	}
	r.logger.Error("message persistence failed after retries",
		"conversation_id", msg.ConversationID,
		"seq", msg.Seq,
		"error", err,
	)
	return fmt.Errorf("persisting message: %w", err)
}

// History returns persisted messages with Seq > afterSeq in sequence order.
func (r *Router) History(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*store.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", store.ErrValidation)
	}
	return r.store.ListMessages(ctx, conversationID, afterSeq, limit)
}

// Subscribe returns a channel of messages for a conversation, starting with
// a replay of persisted messages after the given offset and continuing with
// live messages. Messages are delivered in strictly increasing sequence
// order with no duplicates; a consumer that detects a gap (a full buffer
// drops for slow consumers) re-subscribes from its last seen offset.
func (r *Router) Subscribe(ctx context.Context, conversationID string, afterSeq int64) (<-chan *store.Message, string) {
	// Attach the live feed before reading history so nothing falls between;
	// duplicates across the boundary are filtered by sequence number.
	live, subID := r.broadcast.Subscribe(ctx, conversationID)
	out := make(chan *store.Message, subscriberBufferSize)

	go func() {
		defer close(out)

		last := afterSeq

		history, err := r.store.ListMessages(ctx, conversationID, afterSeq, 0)
		if err != nil {
			r.logger.Error("subscription replay failed",
				"conversation_id", conversationID,
				"error", err,
			)
		}
		for _, msg := range history {
			select {
			case out <- msg:
				last = msg.Seq
			case <-ctx.Done():
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-live:
				if !ok {
					return
				}
				if msg.Seq <= last {
					continue
				}
				last = msg.Seq
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, subID
}

// Close shuts down the router's fan-out.
func (r *Router) Close() {
	r.broadcast.Close()
}

func (r *Router) conv(conversationID string) *conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[conversationID]
	if !ok {
		c = &conversation{}
		r.convs[conversationID] = c
	}
	return c
}

func validate(conversationID, sender, content string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: conversation_id is required", store.ErrValidation)
	}
	if content == "" {
		return fmt.Errorf("%w: content is required", store.ErrValidation)
	}
	switch sender {
	case store.SenderUser, store.SenderAgent, store.SenderSystem:
		return nil
	default:
		return fmt.Errorf("%w: unknown sender %q", store.ErrValidation, sender)
	}
}
