package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/osaproject/osa/internal/agent"
	"github.com/osaproject/osa/internal/sessions"
	"github.com/osaproject/osa/internal/taskqueue"
	"github.com/osaproject/osa/internal/telemetry"
)

type orchestrateRequest struct {
	Input       string `json:"input"`
	SessionID   string `json:"session_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Model       string `json:"model,omitempty"`
	// SkipPlan executes an approved plan: tools run even while the agent
	// policy is in plan mode.
	SkipPlan bool `json:"skip_plan,omitempty"`
}

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var req orchestrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed JSON body", err.Error())
		return
	}
	if req.Input == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "input is required", "")
		return
	}

	sig := s.deps.Classifier.Classify(r.Context(), req.Input, "http")
	if sig.Below(s.deps.Classifier.NoiseThreshold()) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":     "signal_filtered",
			"code":      CodeSignalBelowThreshold,
			"signal":    sig,
			"threshold": s.deps.Classifier.NoiseThreshold(),
		})
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = "http-" + uuid.NewString()
	}

	ctx, span := telemetry.Tracer().Start(r.Context(), "orchestrate",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("signal.type", sig.Type),
		))
	defer span.End()
	r = r.WithContext(ctx)

	start := time.Now()
	reply, err := s.deps.Runtime.Submit(agent.RunRequest{
		SessionID: sessionID,
		Channel:   "http",
		Message:   req.Input,
		Provider:  req.Provider,
		Model:     req.Model,
		Signal:    &sig,
		SkipPlan:  req.SkipPlan,
	})
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrAlreadyRegistered), errors.Is(err, agent.ErrSessionBusy):
			writeError(w, http.StatusConflict, CodeSessionBusy, "session is busy", err.Error())
		case errors.Is(err, agent.ErrShuttingDown):
			writeError(w, http.StatusServiceUnavailable, CodeAgentError, "runtime is shutting down", "")
		default:
			writeError(w, http.StatusInternalServerError, CodeAgentError, "cannot submit message", err.Error())
		}
		return
	}

	select {
	case <-r.Context().Done():
		s.deps.Runtime.Cancel(sessionID)
		return
	case outcome := <-reply:
		if outcome.Err != nil {
			writeError(w, http.StatusInternalServerError, CodeAgentError, "run failed", outcome.Err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id":      sessionID,
			"output":          outcome.Result.Content,
			"plan":            outcome.Result.Plan,
			"signal":          sig,
			"skills_used":     outcome.Result.ToolsUsed,
			"iteration_count": outcome.Result.Iterations,
			"execution_ms":    time.Since(start).Milliseconds(),
		})
	}
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
		Channel string `json:"channel,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "message is required", "")
		return
	}
	if req.Channel == "" {
		req.Channel = "http"
	}
	sig := s.deps.Classifier.Classify(r.Context(), req.Message, req.Channel)
	writeJSON(w, http.StatusOK, map[string]any{"signal": sig})
}

func (s *Server) handleSkillsList(w http.ResponseWriter, r *http.Request) {
	if q := r.URL.Query().Get("q"); q != "" {
		matches := s.deps.Tools.Search(q)
		writeJSON(w, http.StatusOK, map[string]any{"matches": matches, "count": len(matches)})
		return
	}
	infos := s.deps.Tools.List()
	writeJSON(w, http.StatusOK, map[string]any{"skills": infos, "count": len(infos)})
}

func (s *Server) handleSkillExecute(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.deps.Tools.Get(name); !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "unknown skill: "+name, "")
		return
	}

	// An empty body means no arguments.
	var args map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&args)

	result := s.deps.Tools.Execute(r.Context(), name, args)
	if result.IsError {
		writeError(w, http.StatusUnprocessableEntity, CodeSkillError, result.ForLLM, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"skill": name, "output": result.ForLLM})
}

func (s *Server) handleMachines(w http.ResponseWriter, r *http.Request) {
	if s.deps.Skills == nil {
		writeJSON(w, http.StatusOK, map[string]any{"machines": []any{}, "count": 0})
		return
	}
	machines := s.deps.Skills.Machines()
	writeJSON(w, http.StatusOK, map[string]any{"machines": machines, "count": len(machines)})
}

func (s *Server) handleMachineToggle(w http.ResponseWriter, r *http.Request) {
	if s.deps.Skills == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "skills are not configured", "")
		return
	}
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed JSON body", err.Error())
		return
	}
	name := r.PathValue("name")
	if err := s.deps.Skills.Toggle(name, req.Active); err != nil {
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"machine": name, "active": req.Active})
}

func (s *Server) handleMemorySave(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content  string `json:"content"`
		Category string `json:"category,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "content is required", "")
		return
	}
	var tags []string
	if req.Category != "" {
		tags = append(tags, req.Category)
	}
	if _, err := s.deps.Memory.Save(req.Content, tags...); err != nil {
		writeError(w, http.StatusInternalServerError, CodeAgentError, "cannot save memory", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "saved"})
}

func (s *Server) handleMemoryRecall(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("content")
	if query == "" {
		query = r.URL.Query().Get("q")
	}
	if query == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "content query parameter is required", "")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := s.deps.Memory.Recall(query, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeAgentError, "recall failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	infos := s.deps.Providers.List()
	writeJSON(w, http.StatusOK, map[string]any{"providers": infos, "count": len(infos)})
}

func (s *Server) handleSidecars(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sidecars == nil {
		writeJSON(w, http.StatusOK, map[string]any{"sidecars": map[string]any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sidecars": s.deps.Sidecars.List()})
}

func (s *Server) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	infos := s.deps.Sessions.List()
	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos, "count": len(infos)})
}

func (s *Server) handleSessionCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.deps.Runtime.Cancel(id) {
		writeError(w, http.StatusNotFound, CodeNotFound, "no in-flight run for session "+id, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "cancelled": true})
}

func (s *Server) handleTaskEnqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID      string                 `json:"task_id,omitempty"`
		AgentID     string                 `json:"agent_id"`
		Payload     map[string]interface{} `json:"payload,omitempty"`
		MaxAttempts int                    `json:"max_attempts,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "agent_id is required", "")
		return
	}
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = s.cfg.Queue.MaxAttempts
	}

	task, err := s.deps.Queue.Enqueue(r.Context(), req.TaskID, req.AgentID, req.Payload,
		taskqueue.EnqueueOptions{MaxAttempts: req.MaxAttempts})
	if err != nil {
		if errors.Is(err, taskqueue.ErrDuplicate) {
			writeError(w, http.StatusConflict, CodeInvalidRequest, err.Error(), "")
			return
		}
		writeError(w, http.StatusInternalServerError, CodeAgentError, "enqueue failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"task": task})
}

func (s *Server) handleTasksList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	tasks, err := s.deps.Queue.List(r.Context(), taskqueue.Filter{
		AgentID: r.URL.Query().Get("agent_id"),
		Status:  taskqueue.Status(r.URL.Query().Get("status")),
		Limit:   limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeAgentError, "list failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, taskqueue.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, err.Error(), "")
			return
		}
		writeError(w, http.StatusInternalServerError, CodeAgentError, "lookup failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) handleTaskLease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID    string `json:"agent_id"`
		LeasedBy   string `json:"leased_by,omitempty"`
		DurationMS int64  `json:"duration_ms,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "agent_id is required", "")
		return
	}
	duration := time.Duration(req.DurationMS) * time.Millisecond
	if duration <= 0 {
		duration = s.cfg.Queue.DefaultLease.Duration(time.Minute)
	}
	if req.LeasedBy == "" {
		req.LeasedBy = "http"
	}

	task, err := s.deps.Queue.Lease(r.Context(), req.AgentID, req.LeasedBy, duration)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeAgentError, "lease failed", err.Error())
		return
	}
	if task == nil {
		writeJSON(w, http.StatusOK, map[string]any{"task": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) handleTaskComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Result string `json:"result,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed JSON body", err.Error())
		return
	}
	if err := s.deps.Queue.Complete(r.Context(), r.PathValue("id"), req.Result); err != nil {
		s.writeTaskTransitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "completed"})
}

func (s *Server) handleTaskFail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Error string `json:"error,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed JSON body", err.Error())
		return
	}
	if err := s.deps.Queue.Fail(r.Context(), r.PathValue("id"), req.Error); err != nil {
		s.writeTaskTransitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "failed"})
}

func (s *Server) writeTaskTransitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, taskqueue.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error(), "")
	case errors.Is(err, taskqueue.ErrNotLeased):
		writeError(w, http.StatusConflict, CodeInvalidRequest, err.Error(), "")
	default:
		writeError(w, http.StatusInternalServerError, CodeAgentError, "transition failed", err.Error())
	}
}
