// ABOUTME: HTTP API handlers exposing the orchestration core as JSON + SSE
// ABOUTME: Task, message, agent, and status endpoints consumed by external transports

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/store"
)

// CreateTaskRequest is the JSON request body for POST /api/tasks.
type CreateTaskRequest struct {
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// TaskResponse is the JSON representation of a task.
type TaskResponse struct {
	ID              string            `json:"id"`
	Description     string            `json:"description"`
	Status          string            `json:"status"`
	CreatedAt       string            `json:"created_at"`
	UpdatedAt       string            `json:"updated_at"`
	AssignedAgentID string            `json:"assigned_agent_id,omitempty"`
	Result          string            `json:"result,omitempty"`
	Error           *store.TaskError  `json:"error,omitempty"`
	Attempt         int               `json:"attempt"`
	ConversationID  string            `json:"conversation_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// PostMessageRequest is the JSON request body for POST /api/messages.
// Sender defaults to "user", which implicitly creates a correlated task.
type PostMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	Sender         string `json:"sender,omitempty"`
}

// MessageResponse is the JSON representation of a message.
type MessageResponse struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq"`
	Sender         string `json:"sender"`
	Content        string `json:"content"`
	Timestamp      string `json:"timestamp"`
	TaskID         string `json:"task_id,omitempty"`
}

// RegisterAgentRequest is the JSON request body for POST /api/agents.
type RegisterAgentRequest struct {
	ID             string   `json:"id,omitempty"`
	Name           string   `json:"name"`
	Capabilities   []string `json:"capabilities"`
	MaxConcurrency int      `json:"max_concurrency,omitempty"`
}

// AgentResponse is the JSON representation of a registered agent.
type AgentResponse struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Capabilities        []string `json:"capabilities"`
	Active              bool     `json:"active"`
	MaxConcurrency      int      `json:"max_concurrency"`
	ActiveTasks         int      `json:"active_tasks"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
}

// StatusResponse is the JSON response for GET /api/status.
type StatusResponse struct {
	Tasks        map[string]int `json:"tasks"`
	ActiveAgents int            `json:"active_agents"`
}

// Server exposes the orchestrator over HTTP.
type Server struct {
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
}

// NewServer creates an API server wrapping the orchestrator.
func NewServer(orch *orchestrator.Orchestrator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		orch:   orch,
		logger: logger.With("component", "api"),
	}
}

// Handler returns the HTTP handler covering the full API surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("POST /api/messages", s.handlePostMessage)
	mux.HandleFunc("GET /api/messages", s.handleListMessages)
	mux.HandleFunc("GET /api/messages/stream", s.handleStreamMessages)
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents", s.handleRegisterAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeregisterAgent)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	return mux
}

// handleCreateTask handles POST /api/tasks requests.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	t, err := s.orch.Tasks.Create(r.Context(), req.Description, req.Metadata)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, taskResponse(t))
}

// handleGetTask handles GET /api/tasks/{id} requests.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.orch.Tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, taskResponse(t))
}

// handleListTasks handles GET /api/tasks requests with an optional
// ?status= filter. Tasks are returned in creation order.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := store.TaskStatus(r.URL.Query().Get("status"))
	switch status {
	case "", store.TaskPending, store.TaskRunning, store.TaskCompleted, store.TaskFailed, store.TaskCancelled:
	default:
		s.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}

	tasks, err := s.orch.Tasks.ListByStatus(r.Context(), status, 0)
	if err != nil {
		s.sendError(w, err)
		return
	}

	response := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		response = append(response, taskResponse(t))
	}
	s.writeJSON(w, http.StatusOK, response)
}

// handleCancelTask handles POST /api/tasks/{id}/cancel requests.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.orch.Tasks.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, taskResponse(t))
}

// handlePostMessage handles POST /api/messages requests. A user message
// implicitly creates a correlated task; the returned message carries its ID.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Sender == "" {
		req.Sender = store.SenderUser
	}

	msg, err := s.orch.Router.Ingest(r.Context(), req.ConversationID, req.Sender, req.Content)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, messageResponse(msg))
}

// handleListMessages handles GET /api/messages?conversation_id=&after= requests.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	after, err := parseAfter(r.URL.Query().Get("after"))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	messages, err := s.orch.Router.History(r.Context(), conversationID, after, 0)
	if err != nil {
		s.sendError(w, err)
		return
	}

	response := make([]MessageResponse, 0, len(messages))
	for _, msg := range messages {
		response = append(response, messageResponse(msg))
	}
	s.writeJSON(w, http.StatusOK, response)
}

// handleStreamMessages handles GET /api/messages/stream requests.
// Replays persisted messages after the given offset, then streams live
// messages as SSE events. Consumers detect dropped events via the sequence
// number and re-subscribe from their last seen offset.
func (s *Server) handleStreamMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	after, err := parseAfter(r.URL.Query().Get("after"))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	messages, _ := s.orch.Router.Subscribe(r.Context(), conversationID, after)
	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			s.writeSSEEvent(w, "message", messageResponse(msg))
			flusher.Flush()
		}
	}
}

// handleListAgents handles GET /api/agents requests.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	snapshots := s.orch.Agents.List()
	response := make([]AgentResponse, 0, len(snapshots))
	for _, snap := range snapshots {
		response = append(response, agentResponse(snap))
	}
	s.writeJSON(w, http.StatusOK, response)
}

// handleRegisterAgent handles POST /api/agents requests for dynamic registration.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" {
		req.ID = req.Name
	}

	a := &store.Agent{
		ID:             req.ID,
		Name:           req.Name,
		Capabilities:   req.Capabilities,
		MaxConcurrency: req.MaxConcurrency,
	}
	if err := s.orch.Agents.Register(r.Context(), a); err != nil {
		if errors.Is(err, agent.ErrAgentAlreadyRegistered) {
			s.sendJSONError(w, http.StatusConflict, err.Error())
			return
		}
		s.sendError(w, err)
		return
	}

	snap, _ := s.orch.Agents.Get(a.ID)
	s.writeJSON(w, http.StatusCreated, agentResponse(snap))
}

// handleDeregisterAgent handles DELETE /api/agents/{id} requests.
func (s *Server) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Agents.Deregister(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, agent.ErrAgentNotFound) {
			s.sendJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		s.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStatus handles GET /api/status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.orch.Status(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}

	tasks := make(map[string]int, len(status.Tasks))
	for st, n := range status.Tasks {
		tasks[string(st)] = n
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{
		Tasks:        tasks,
		ActiveAgents: status.ActiveAgents,
	})
}

// sendError maps core errors to HTTP status codes.
func (s *Server) sendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		s.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalidTransition):
		s.sendJSONError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

// sendJSONError writes a JSON error response with the given status code.
func (s *Server) sendJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeSSEEvent(w io.Writer, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to encode SSE event", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}

func decodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func parseAfter(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	after, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || after < 0 {
		return 0, fmt.Errorf("invalid after offset %q", raw)
	}
	return after, nil
}

func taskResponse(t *store.Task) TaskResponse {
	return TaskResponse{
		ID:              t.ID,
		Description:     t.Description,
		Status:          string(t.Status),
		CreatedAt:       t.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:       t.UpdatedAt.UTC().Format(time.RFC3339Nano),
		AssignedAgentID: t.AssignedAgentID,
		Result:          t.Result,
		Error:           t.Error,
		Attempt:         t.Attempt,
		ConversationID:  t.ConversationID,
		Metadata:        t.Metadata,
	}
}

func messageResponse(m *store.Message) MessageResponse {
	return MessageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		Sender:         m.Sender,
		Content:        m.Content,
		Timestamp:      m.Timestamp.UTC().Format(time.RFC3339Nano),
		TaskID:         m.TaskID,
	}
}

func agentResponse(snap agent.Snapshot) AgentResponse {
	return AgentResponse{
		ID:                  snap.ID,
		Name:                snap.Name,
		Capabilities:        snap.Capabilities,
		Active:              snap.Active,
		MaxConcurrency:      snap.MaxConcurrency,
		ActiveTasks:         snap.ActiveTasks,
		ConsecutiveFailures: snap.ConsecutiveFailures,
	}
}
