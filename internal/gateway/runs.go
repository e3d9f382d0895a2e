package gateway

import (
	"errors"
	"net/http"

	"github.com/haasonsaas/tollgate/internal/agent"
	"github.com/haasonsaas/tollgate/internal/auth"
	"github.com/haasonsaas/tollgate/internal/runs"
	"github.com/haasonsaas/tollgate/internal/stream"
	"github.com/haasonsaas/tollgate/pkg/models"
)

type startRunRequest struct {
	ThreadID     string `json:"thread_id"`
	AgentID      string `json:"agent_id"`
	Message      string `json:"message"`
	ApprovalMode string `json:"approval_mode"`
}

type resumeRunRequest struct {
	Decisions []models.ApprovalDecision `json:"decisions"`
}

// resumeResponse is returned while some pending calls are still undecided.
type resumeResponse struct {
	Run       *models.Run `json:"run"`
	Remaining []string    `json:"remaining"`
}

// handleStartRun starts a run and streams its first segment as frames.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if !decode(w, r, &req) {
		return
	}
	run, sub, err := s.engine.Start(r.Context(), agent.StartRequest{
		ThreadID:     req.ThreadID,
		AgentID:      req.AgentID,
		OwnerID:      auth.OwnerID(r.Context()),
		Message:      req.Message,
		ApprovalMode: agent.ApprovalMode(req.ApprovalMode),
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.Header().Set("X-Run-ID", run.ID)
	s.streamFrames(w, r, sub)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	list, err := s.runs.ListRuns(r.Context(), runs.ListOptions{
		OwnerID: auth.OwnerID(r.Context()),
		Status:  models.RunStatus(r.URL.Query().Get("status")),
		Limit:   limit,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": list})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.Get(r.Context(), r.PathValue("id"), auth.OwnerID(r.Context()))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleRunEvents follows the live segment of a run.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	sub, err := s.engine.Subscribe(r.Context(), r.PathValue("id"), auth.OwnerID(r.Context()))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.streamFrames(w, r, sub)
}

func (s *Server) handleRunWebSocket(w http.ResponseWriter, r *http.Request) {
	sub, err := s.engine.Subscribe(r.Context(), r.PathValue("id"), auth.OwnerID(r.Context()))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	conn, err := stream.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		return
	}
	defer conn.Close()
	if err := stream.WriteWebSocket(r.Context(), conn, sub, s.heartbeat); err != nil {
		s.logger.Debug("websocket stream ended", "run_id", sub.RunID(), "error", err)
	}
}

// handleResumeRun applies approval decisions. Once every pending call is
// decided the continuation streams as frames; until then the response is
// the run plus the ids still waiting.
func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	var req resumeRunRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := s.engine.Resume(r.Context(), r.PathValue("id"), auth.OwnerID(r.Context()), req.Decisions)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if result.Subscription == nil {
		writeJSON(w, http.StatusOK, resumeResponse{Run: result.Run, Remaining: result.Remaining})
		return
	}
	w.Header().Set("X-Run-ID", result.Run.ID)
	s.streamFrames(w, r, result.Subscription)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.Cancel(r.Context(), r.PathValue("id"), auth.OwnerID(r.Context()))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	status := http.StatusOK
	if !run.Status.IsTerminal() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, run)
}

// streamFrames writes sub until its end frame. A client that goes away only
// detaches; the run keeps going in the background.
func (s *Server) streamFrames(w http.ResponseWriter, r *http.Request, sub *stream.Subscription) {
	err := stream.WriteHTTP(r.Context(), w, sub, s.heartbeat)
	if err != nil && !errors.Is(err, r.Context().Err()) {
		s.logger.Debug("event stream ended", "run_id", sub.RunID(), "error", err)
	}
}
