package api

import (
	"net/http"

	"github.com/identra/identra/internal/api/middleware"
)

type checkRequest struct {
	Permission string         `json:"permission"`
	Context    map[string]any `json:"context,omitempty"`
}

type checkResponse struct {
	Allowed bool `json:"allowed"`
}

type checkBatchRequest struct {
	Permissions []string       `json:"permissions"`
	Context     map[string]any `json:"context,omitempty"`
}

type checkBatchResult struct {
	Permission string `json:"permission"`
	Allowed    bool   `json:"allowed"`
}

type checkBatchResponse struct {
	Results []checkBatchResult `json:"results"`
}

// handleCheck answers a single permission query for the bearer's subject.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	bearer := middleware.BearerFromContext(r.Context())
	if bearer == nil || bearer.UserID == nil {
		writeError(w, http.StatusUnauthorized, "invalid_token", "token has no user subject")
		return
	}
	var req checkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Permission == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "permission is required")
		return
	}
	allowed, err := s.eval.Allows(r.Context(), *bearer.UserID, req.Permission)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{Allowed: allowed})
}

func (s *Server) handleCheckBatch(w http.ResponseWriter, r *http.Request) {
	bearer := middleware.BearerFromContext(r.Context())
	if bearer == nil || bearer.UserID == nil {
		writeError(w, http.StatusUnauthorized, "invalid_token", "token has no user subject")
		return
	}
	var req checkBatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Permissions) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "permissions is required")
		return
	}
	results, err := s.eval.AllowsBatch(r.Context(), *bearer.UserID, req.Permissions)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	resp := checkBatchResponse{Results: make([]checkBatchResult, 0, len(req.Permissions))}
	for _, p := range req.Permissions {
		resp.Results = append(resp.Results, checkBatchResult{
			Permission: p,
			Allowed:    results[p],
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
