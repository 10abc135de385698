package api

import (
	"errors"
	"net/http"

	"github.com/identra/identra/internal/session"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	SessionToken string `json:"session_token,omitempty"`
	SessionJWT   string `json:"session_jwt,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	MFARequired  bool   `json:"mfa_required,omitempty"`
	PreAuthToken string `json:"pre_auth_token,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}

	result, challenge, err := s.sessions.Login(r.Context(), session.LoginRequest{
		Username:  req.Username,
		Password:  req.Password,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	switch {
	case errors.Is(err, session.ErrMFARequired):
		writeJSON(w, http.StatusOK, loginResponse{
			MFARequired:  true,
			PreAuthToken: challenge.PreAuthToken,
			ExpiresIn:    challenge.ExpiresIn,
		})
	case errors.Is(err, session.ErrAccountLocked):
		writeError(w, http.StatusForbidden, "account_locked", "account is temporarily locked")
	case errors.Is(err, session.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "username or password is incorrect")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "server_error", "")
	default:
		writeJSON(w, http.StatusOK, loginResponse{
			SessionToken: result.SessionToken,
			SessionJWT:   result.SessionJWT,
			ExpiresIn:    result.ExpiresIn,
		})
	}
}

type mfaVerifyRequest struct {
	PreAuthToken string `json:"pre_auth_token"`
	Code         string `json:"code"`
}

func (s *Server) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	var req mfaVerifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := s.sessions.CompleteMFA(r.Context(),
		req.PreAuthToken, req.Code, clientIP(r), r.UserAgent())
	switch {
	case errors.Is(err, session.ErrAccountLocked):
		writeError(w, http.StatusForbidden, "account_locked", "account is temporarily locked")
	case err != nil:
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "verification failed")
	default:
		writeJSON(w, http.StatusOK, loginResponse{
			SessionToken: result.SessionToken,
			SessionJWT:   result.SessionJWT,
			ExpiresIn:    result.ExpiresIn,
		})
	}
}

type sessionRefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleSessionRefresh(w http.ResponseWriter, r *http.Request) {
	var req sessionRefreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := s.sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_session", "session is invalid or expired")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		SessionJWT: result.SessionJWT,
		ExpiresIn:  result.ExpiresIn,
	})
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.sessions.Logout(r.Context(), req.RefreshToken, clientIP(r), r.UserAgent()); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
