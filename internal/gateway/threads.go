package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/tollgate/internal/agent"
	"github.com/haasonsaas/tollgate/internal/auth"
	"github.com/haasonsaas/tollgate/pkg/models"
)

const maxTitleLength = 200

type createThreadRequest struct {
	AgentID  string         `json:"agent_id"`
	Title    string         `json:"title"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Title) > maxTitleLength {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("title exceeds %d characters", maxTitleLength))
		return
	}
	now := time.Now().UTC()
	thread := &models.Thread{
		ID:        uuid.NewString(),
		OwnerID:   auth.OwnerID(r.Context()),
		AgentID:   strings.TrimSpace(req.AgentID),
		Title:     strings.TrimSpace(req.Title),
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.runs.CreateThread(r.Context(), thread); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	thread, err := s.ownedThread(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	thread, err := s.ownedThread(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	messages, err := s.runs.History(r.Context(), thread.ID, limit)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread_id": thread.ID, "messages": messages})
}

// ownedThread hides threads of other owners behind ErrNotFound.
func (s *Server) ownedThread(ctx context.Context, id string) (*models.Thread, error) {
	thread, err := s.runs.GetThread(ctx, id)
	if err != nil {
		return nil, err
	}
	if thread.OwnerID != auth.OwnerID(ctx) {
		return nil, fmt.Errorf("thread %s: %w", id, agent.ErrNotFound)
	}
	return thread, nil
}
