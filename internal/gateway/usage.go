package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/haasonsaas/tollgate/internal/agent"
	"github.com/haasonsaas/tollgate/internal/auth"
	"github.com/haasonsaas/tollgate/internal/usage"
	"github.com/haasonsaas/tollgate/pkg/models"
)

type usageResponse struct {
	models.BudgetWindow
	Remaining float64 `json:"remaining"`
	Summary   string  `json:"summary"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	window, err := s.limiter.Usage(r.Context(), auth.OwnerID(r.Context()))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{
		BudgetWindow: window,
		Remaining:    window.Remaining(),
		Summary:      usage.FormatBudget(window.Consumed, window.Limit, window.WindowEnd, time.Now()),
	})
}

// handleUsageEvents lists ledger entries, newest first. since is RFC 3339
// and defaults to 24 hours ago.
func (s *Server) handleUsageEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeFailure(w, r, fmt.Errorf("%w: since must be RFC 3339", agent.ErrInvalidRequest))
			return
		}
	}
	events, err := s.limiter.Events(r.Context(), auth.OwnerID(r.Context()), since, limit)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if events == nil {
		events = []models.UsageEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
