// Package api exposes the HTTP surface: OAuth protocol endpoints, the
// well-known documents, session login routes and the authorization check
// API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/identra/identra/internal/oauth"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			slog.Error("response encoding failed", "error", err)
		}
	}
}

// writeOAuthError renders an error in the RFC 6749 JSON shape. Unknown
// error values collapse into server_error without leaking detail.
func writeOAuthError(w http.ResponseWriter, err error) {
	var oerr *oauth.Error
	if !errors.As(err, &oerr) {
		oerr = &oauth.Error{Code: oauth.ErrCodeServerError}
	}
	// RFC 6749 5.2: token endpoint error responses are not cacheable.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if oerr.Code == oauth.ErrCodeInvalidClient {
		w.Header().Set("WWW-Authenticate", "Basic")
	}
	writeJSON(w, oerr.Status(), oerr)
}

// errorEnvelope is the non-OAuth error shape.
type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: code, Message: message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return false
	}
	return true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
