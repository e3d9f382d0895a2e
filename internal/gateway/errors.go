package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/haasonsaas/tollgate/internal/agent"
	"github.com/haasonsaas/tollgate/internal/ratelimit"
	"github.com/haasonsaas/tollgate/internal/storage"
	"github.com/haasonsaas/tollgate/internal/trust"
	"github.com/haasonsaas/tollgate/internal/workflow"
)

const maxBodyBytes = 1 << 20

type apiError struct {
	Code    string     `json:"code"`
	Message string     `json:"message"`
	ResetAt *time.Time `json:"reset_at,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// The client may have disconnected.
		return
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]apiError{"error": {Code: code, Message: message}})
}

// writeFailure maps an engine, store or task error onto a status code.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var denied *ratelimit.DeniedError
	switch {
	case errors.As(err, &denied):
		retry := int(math.Ceil(time.Until(denied.ResetAt).Seconds()))
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		resetAt := denied.ResetAt.UTC()
		writeJSON(w, http.StatusTooManyRequests, map[string]apiError{"error": {
			Code: agent.CodeBudgetExceeded, Message: denied.Error(), ResetAt: &resetAt,
		}})
	case errors.Is(err, agent.ErrBudgetExceeded):
		writeError(w, http.StatusTooManyRequests, agent.CodeBudgetExceeded, err.Error())
	case errors.Is(err, agent.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, agent.ErrInvalidState), errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, storage.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already_exists", err.Error())
	case errors.Is(err, agent.ErrUnknownCall):
		writeError(w, http.StatusUnprocessableEntity, "unknown_call", err.Error())
	case errors.Is(err, agent.ErrInvalidDecision):
		writeError(w, http.StatusUnprocessableEntity, "invalid_decision", err.Error())
	case errors.Is(err, agent.ErrInvalidRequest),
		errors.Is(err, workflow.ErrInvalidTask),
		errors.Is(err, workflow.ErrUnsupportedTaskType),
		errors.Is(err, trust.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("request body is empty")
		}
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", agent.ErrInvalidRequest, key)
	}
	return n, nil
}
