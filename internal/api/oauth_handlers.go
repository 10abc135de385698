package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/identra/identra/internal/api/middleware"
	"github.com/identra/identra/internal/clientauth"
	"github.com/identra/identra/internal/oauth"
	"github.com/identra/identra/internal/session"
)

const sessionCookieName = "identra_session_jwt"

// resolveAuthn finds the user identity behind an /authorize request. The
// bearer header is authoritative; the session cookie is only consulted
// when no bearer is present.
func (s *Server) resolveAuthn(r *http.Request) *session.AuthContext {
	token := middleware.BearerToken(r)
	if token == "" {
		if cookie, err := r.Cookie(sessionCookieName); err == nil {
			token = cookie.Value
		}
	}
	if token == "" {
		return nil
	}
	authn, err := s.sessions.Validate(r.Context(), token)
	if err != nil {
		return nil
	}
	return authn
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := oauth.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Nonce:               q.Get("nonce"),
		Prompt:              q.Get("prompt"),
		RawQuery:            r.URL.RawQuery,
		IPAddress:           clientIP(r),
		UserAgent:           r.UserAgent(),
	}
	if raw := q.Get("max_age"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeOAuthError(w, &oauth.Error{
				Code: oauth.ErrCodeInvalidRequest, Description: "malformed max_age",
			})
			return
		}
		req.MaxAge = &v
	}

	location, err := s.oauth.Authorize(r.Context(), req, s.resolveAuthn(r))
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	http.Redirect(w, r, location, http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, &oauth.Error{
			Code: oauth.ErrCodeInvalidRequest, Description: "malformed form body",
		})
		return
	}
	client, err := s.clientAuth.Authenticate(r.Context(), r)
	if err != nil {
		writeOAuthError(w, &oauth.Error{Code: oauth.ErrCodeInvalidClient})
		return
	}

	resp, err := s.oauth.Token(r.Context(), client, oauth.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Scope:        r.PostFormValue("scope"),
		IPAddress:    clientIP(r),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, &oauth.Error{
			Code: oauth.ErrCodeInvalidRequest, Description: "malformed form body",
		})
		return
	}
	client, err := s.clientAuth.Authenticate(r.Context(), r)
	if err != nil {
		writeOAuthError(w, &oauth.Error{Code: oauth.ErrCodeInvalidClient})
		return
	}
	resp := s.oauth.Introspect(r.Context(), client,
		r.PostFormValue("token"), r.PostFormValue("token_type_hint"),
		clientIP(r), r.UserAgent())
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, &oauth.Error{
			Code: oauth.ErrCodeInvalidRequest, Description: "malformed form body",
		})
		return
	}
	client, err := s.clientAuth.Authenticate(r.Context(), r)
	if err != nil {
		// Client auth failures are the one visible error at /revoke.
		if errors.Is(err, clientauth.ErrInvalidClient) {
			writeOAuthError(w, &oauth.Error{Code: oauth.ErrCodeInvalidClient})
			return
		}
		writeOAuthError(w, &oauth.Error{Code: oauth.ErrCodeServerError})
		return
	}
	s.oauth.Revoke(r.Context(), client,
		r.PostFormValue("token"), r.PostFormValue("token_type_hint"),
		clientIP(r), r.UserAgent())
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" && r.Method == http.MethodPost {
		_ = r.ParseForm()
		token = r.PostFormValue("access_token")
	}
	if token == "" {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "invalid_token", "missing access token")
		return
	}
	bearer, err := s.oauth.ValidateBearer(r.Context(), token)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeError(w, http.StatusUnauthorized, "invalid_token", "token is invalid or expired")
		return
	}
	info, err := s.oauth.UserInfo(r.Context(), bearer)
	if err != nil {
		writeError(w, http.StatusForbidden, "insufficient_scope", "openid scope required")
		return
	}
	writeJSON(w, http.StatusOK, info)
}
