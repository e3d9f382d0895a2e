package gateway

import (
	"net/http"
	"strings"

	"github.com/haasonsaas/tollgate/internal/auth"
	"github.com/haasonsaas/tollgate/pkg/models"
)

type trustRequest struct {
	Scope models.TrustScope `json:"scope"`
	Key   string            `json:"key"`
}

func (s *Server) handleListTrust(w http.ResponseWriter, r *http.Request) {
	records, err := s.trust.List(r.Context(), auth.OwnerID(r.Context()))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if records == nil {
		records = []models.TrustRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleGrantTrust(w http.ResponseWriter, r *http.Request) {
	var req trustRequest
	if !decode(w, r, &req) {
		return
	}
	ownerID := auth.OwnerID(r.Context())
	if err := s.trust.Grant(r.Context(), ownerID, req.Scope, strings.TrimSpace(req.Key)); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.logger.Info("trust granted", "owner_id", ownerID, "scope", req.Scope, "key", req.Key)
	writeJSON(w, http.StatusCreated, req)
}

// handleRevokeTrust takes scope and key from the query string.
func (s *Server) handleRevokeTrust(w http.ResponseWriter, r *http.Request) {
	scope := models.TrustScope(r.URL.Query().Get("scope"))
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	ownerID := auth.OwnerID(r.Context())
	if err := s.trust.Revoke(r.Context(), ownerID, scope, key); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.logger.Info("trust revoked", "owner_id", ownerID, "scope", scope, "key", key)
	w.WriteHeader(http.StatusNoContent)
}
