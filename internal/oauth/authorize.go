package oauth

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/identra/identra/internal/audit"
	"github.com/identra/identra/internal/crypto"
	"github.com/identra/identra/internal/session"
	"github.com/identra/identra/internal/store"
)

// AuthorizeRequest carries the query parameters of GET /authorize.
// RawQuery preserves the original query string for login hand-off.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	Prompt              string
	MaxAge              *int64 // seconds
	RawQuery            string
	IPAddress           string
	UserAgent           string
}

// Authorize runs the authorization state machine and returns the URL to
// redirect the user-agent to: the client callback with a code, the client
// callback with error parameters, or the login/consent collaborator.
// A non-nil error means the request must be answered with a JSON error
// because no trustworthy redirect target exists yet.
func (s *Service) Authorize(ctx context.Context, req AuthorizeRequest, authn *session.AuthContext) (string, error) {
	now := s.now().UTC()

	// Every terminal rejection, JSON or redirect, leaves one audit row.
	denied := func(code, description string) {
		s.audit.Record(ctx, audit.Event{
			ClientID:     req.ClientID,
			Action:       audit.ActionAuthorizeDenied,
			IPAddress:    req.IPAddress,
			UserAgent:    req.UserAgent,
			Success:      false,
			ErrorMessage: code + ": " + description,
		})
	}
	deny := func(code, description string) (string, error) {
		denied(code, description)
		return "", protoErr(code, description)
	}

	// Steps 1-2 cannot redirect: the client and redirect target are not
	// yet trusted.
	if req.ClientID == "" {
		return deny(ErrCodeInvalidRequest, "client_id is required")
	}
	client, err := s.store.FindClientByPublicID(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return deny(ErrCodeUnauthorizedClient, "unknown client")
		}
		return deny(ErrCodeServerError, "")
	}
	if !client.IsActive {
		return deny(ErrCodeUnauthorizedClient, "client is disabled")
	}
	if req.RedirectURI == "" || !client.MatchesRedirectURI(req.RedirectURI) {
		return deny(ErrCodeInvalidRequest, "Invalid redirect_uri")
	}

	// From here every failure redirects back with error parameters.
	fail := func(code, description string) (string, error) {
		denied(code, description)
		return errorRedirect(req.RedirectURI, code, description, req.State), nil
	}

	if req.ResponseType != "code" {
		return fail(ErrCodeUnsupportedResponseType, "only response_type=code is supported")
	}
	if !client.AllowsResponseType("code") || !client.AllowsGrant(store.GrantAuthorizationCode) {
		return fail(ErrCodeUnauthorizedClient, "client may not use the authorization code flow")
	}

	effectiveScopes, oerr := s.narrowScopes(ctx, client, req.Scope)
	if oerr != nil {
		return fail(oerr.Code, oerr.Description)
	}

	if oerr := validatePKCE(client, req); oerr != nil {
		return fail(oerr.Code, oerr.Description)
	}

	// Steps 6-7: a live session, fresh enough for max_age, unless
	// prompt=login forces re-authentication.
	needLogin := authn == nil || req.Prompt == "login"
	if !needLogin && req.MaxAge != nil {
		age := now.Sub(authn.AuthTime)
		if age > time.Duration(*req.MaxAge)*time.Second {
			needLogin = true
		}
	}
	if needLogin {
		if req.Prompt == "none" {
			return fail(ErrCodeLoginRequired, "")
		}
		return s.loginRedirect(req), nil
	}

	// Step 8: consent.
	if client.RequireConsent {
		covered := false
		if req.Prompt != "consent" {
			grant, err := s.store.FindConsent(ctx, authn.User.ID, client.ClientID)
			if err == nil && grant.Covers(effectiveScopes, now) {
				covered = true
			}
		}
		if !covered {
			if req.Prompt == "none" {
				return fail(ErrCodeConsentRequired, "")
			}
			return s.consentRedirect(req, effectiveScopes), nil
		}
	}

	// Steps 9-10: mint and persist the code, then redirect.
	code, err := crypto.GenerateSecureToken(32)
	if err != nil {
		return fail(ErrCodeServerError, "")
	}
	row := &store.AuthorizationCode{
		Code:                code,
		ClientID:            client.ClientID,
		UserID:              authn.User.ID,
		RedirectURI:         req.RedirectURI,
		Scope:               strings.Join(effectiveScopes, " "),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		State:               req.State,
		AuthTime:            authn.AuthTime,
		ExpiresAt:           now.Add(s.codeTTL(client)),
		CreatedAt:           now,
	}
	if err := s.store.CreateAuthorizationCode(ctx, row); err != nil {
		s.log.Error("persist authorization code failed", "error", err, "client_id", client.ClientID)
		return fail(ErrCodeServerError, "")
	}

	s.audit.Record(ctx, audit.Event{
		UserID:    &authn.User.ID,
		ClientID:  client.ClientID,
		Action:    audit.ActionCodeIssued,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		Success:   true,
	})

	cb, _ := url.Parse(req.RedirectURI)
	q := cb.Query()
	q.Set("code", code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	cb.RawQuery = q.Encode()
	return cb.String(), nil
}

// narrowScopes validates the requested scopes against the server's scope
// registry and narrows them to the client allowlist.
func (s *Service) narrowScopes(ctx context.Context, client *store.Client, rawScope string) ([]string, *Error) {
	requested := strings.Fields(rawScope)
	if len(requested) == 0 {
		return nil, protoErr(ErrCodeInvalidScope, "scope is required")
	}

	active, err := s.store.ActiveScopeNames(ctx)
	if err != nil {
		return nil, protoErr(ErrCodeServerError, "")
	}
	known := make(map[string]struct{}, len(active))
	for _, name := range active {
		known[name] = struct{}{}
	}

	effective := make([]string, 0, len(requested))
	seen := make(map[string]struct{}, len(requested))
	for _, scope := range requested {
		if _, ok := known[scope]; !ok {
			return nil, protoErr(ErrCodeInvalidScope, "unknown scope "+scope)
		}
		if !client.AllowsScope(scope) {
			continue // narrowing, not an error
		}
		if _, dup := seen[scope]; dup {
			continue
		}
		seen[scope] = struct{}{}
		effective = append(effective, scope)
	}
	if len(effective) == 0 {
		return nil, protoErr(ErrCodeInvalidScope, "no requested scope is allowed for this client")
	}
	return effective, nil
}

func validatePKCE(client *store.Client, req AuthorizeRequest) *Error {
	required := client.RequirePKCE || client.Type == store.ClientTypePublic
	if req.CodeChallenge == "" {
		if required {
			return protoErr(ErrCodeInvalidRequest, "code_challenge is required")
		}
		return nil
	}
	if req.CodeChallengeMethod != "S256" {
		return protoErr(ErrCodeInvalidRequest, "code_challenge_method must be S256")
	}
	if err := crypto.ValidatePKCEChallenge(req.CodeChallenge); err != nil {
		return protoErr(ErrCodeInvalidRequest, "malformed code_challenge")
	}
	return nil
}

func errorRedirect(redirectURI, code, description, state string) string {
	cb, _ := url.Parse(redirectURI)
	q := cb.Query()
	q.Set("error", code)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	cb.RawQuery = q.Encode()
	return cb.String()
}

func (s *Service) loginRedirect(req AuthorizeRequest) string {
	u, _ := url.Parse(s.cfg.LoginURL)
	q := u.Query()
	q.Set("return_to", "/authorize?"+req.RawQuery)
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Service) consentRedirect(req AuthorizeRequest, scopes []string) string {
	u, _ := url.Parse(s.cfg.ConsentURL)
	q := u.Query()
	q.Set("client_id", req.ClientID)
	q.Set("scope", strings.Join(scopes, " "))
	q.Set("return_to", "/authorize?"+req.RawQuery)
	u.RawQuery = q.Encode()
	return u.String()
}
