package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/haasonsaas/tollgate/internal/agent"
	"github.com/haasonsaas/tollgate/internal/auth"
	"github.com/haasonsaas/tollgate/internal/workflow"
)

type createTaskRequest struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	TaskType   string `json:"task_type"`
	AgentID    string `json:"agent_id"`
	Prompt     string `json:"prompt"`
	// Wait blocks until the run settles instead of answering 202 at once.
	Wait bool `json:"wait"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusNotFound, "not_found", "workflow tasks are not enabled")
		return
	}
	var req createTaskRequest
	if !decode(w, r, &req) {
		return
	}
	task := &workflow.Task{
		ID:         req.ID,
		WorkflowID: req.WorkflowID,
		OwnerID:    auth.OwnerID(r.Context()),
		TaskType:   req.TaskType,
		AgentID:    req.AgentID,
		Config:     workflow.TaskConfig{Prompt: req.Prompt},
	}

	if req.Wait {
		out, err := s.tasks.Execute(r.Context(), task)
		if err != nil && (out == nil || out.Status != workflow.TaskFailed) {
			s.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	out, err := s.tasks.Submit(r.Context(), task)
	if err != nil && (out == nil || out.Status != workflow.TaskFailed) {
		s.writeFailure(w, r, err)
		return
	}
	status := http.StatusAccepted
	if out.Status.IsTerminal() {
		status = http.StatusOK
	}
	writeJSON(w, status, out)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusNotFound, "not_found", "workflow tasks are not enabled")
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	opts := workflow.ListOptions{OwnerID: auth.OwnerID(r.Context()), Limit: limit}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := workflow.TaskStatus(strings.TrimSpace(part))
			if !status.Valid() {
				s.writeFailure(w, r, fmt.Errorf("%w: unknown task status %q", agent.ErrInvalidRequest, part))
				return
			}
			opts.Statuses = append(opts.Statuses, status)
		}
	}
	tasks, err := s.tasks.List(r.Context(), opts)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*workflow.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusNotFound, "not_found", "workflow tasks are not enabled")
		return
	}
	task, err := s.tasks.Get(r.Context(), r.PathValue("id"), auth.OwnerID(r.Context()))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}
