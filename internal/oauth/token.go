package oauth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/identra/identra/internal/audit"
	"github.com/identra/identra/internal/crypto"
	"github.com/identra/identra/internal/store"
)

// TokenRequest carries the form parameters of POST /token. The client has
// already been authenticated by the caller.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
	IPAddress    string
	UserAgent    string
}

// TokenResponse is the OAuth 2.1 token endpoint success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope"`
}

// Token dispatches a token request by grant type.
func (s *Service) Token(ctx context.Context, client *store.Client, req TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case store.GrantAuthorizationCode:
		return s.exchangeCode(ctx, client, req)
	case store.GrantRefreshToken:
		return s.refreshGrant(ctx, client, req)
	case store.GrantClientCredentials:
		return s.clientCredentialsGrant(ctx, client, req)
	case "":
		return nil, protoErr(ErrCodeInvalidRequest, "grant_type is required")
	default:
		return nil, protoErr(ErrCodeUnsupportedGrantType, "unsupported grant_type "+req.GrantType)
	}
}

func (s *Service) exchangeCode(ctx context.Context, client *store.Client, req TokenRequest) (*TokenResponse, error) {
	if !client.AllowsGrant(store.GrantAuthorizationCode) {
		return nil, protoErr(ErrCodeUnauthorizedClient, "grant not permitted for this client")
	}
	if req.Code == "" {
		return nil, protoErr(ErrCodeInvalidRequest, "code is required")
	}
	now := s.now().UTC()

	row, err := s.store.ConsumeAuthorizationCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyUsed) {
			// Double exchange. Kill everything the first exchange minted.
			_ = s.store.RevokeTokensForCode(ctx, req.Code)
			s.audit.Record(ctx, audit.Event{
				ClientID:  client.ClientID,
				Action:    audit.ActionCodeReplayed,
				IPAddress: req.IPAddress,
				UserAgent: req.UserAgent,
				Success:   false,
			})
			return nil, protoErr(ErrCodeInvalidGrant, "authorization code already used")
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, protoErr(ErrCodeInvalidGrant, "unknown authorization code")
		}
		return nil, protoErr(ErrCodeServerError, "")
	}

	// The code is consumed at this point; any failure below must also
	// revoke tokens issued under it (there are none yet, but the
	// invariant is cheap to hold).
	verify := func() *Error {
		if !now.Before(row.ExpiresAt) {
			return protoErr(ErrCodeInvalidGrant, "authorization code expired")
		}
		if row.ClientID != client.ClientID {
			return protoErr(ErrCodeInvalidGrant, "authorization code was issued to another client")
		}
		if req.RedirectURI == "" || req.RedirectURI != row.RedirectURI {
			return protoErr(ErrCodeInvalidGrant, "redirect_uri mismatch")
		}
		if row.CodeChallenge != "" {
			if req.CodeVerifier == "" {
				return protoErr(ErrCodeInvalidGrant, "code_verifier is required")
			}
			if !crypto.VerifyPKCES256(req.CodeVerifier, row.CodeChallenge) {
				return protoErr(ErrCodeInvalidGrant, "PKCE verification failed")
			}
		}
		return nil
	}
	if oerr := verify(); oerr != nil {
		_ = s.store.RevokeTokensForCode(ctx, req.Code)
		s.audit.Record(ctx, audit.Event{
			ClientID:     client.ClientID,
			Action:       audit.ActionCodeExchanged,
			IPAddress:    req.IPAddress,
			UserAgent:    req.UserAgent,
			Success:      false,
			ErrorMessage: oerr.Description,
		})
		return nil, oerr
	}

	user, err := s.store.FindUserByID(ctx, row.UserID)
	if err != nil || !user.IsActive {
		return nil, protoErr(ErrCodeInvalidGrant, "user no longer valid")
	}

	scopes := strings.Fields(row.Scope)
	access, _, err := s.mintAccessToken(ctx, client, &row.UserID, scopes, nil, row.Code, now)
	if err != nil {
		return nil, protoErr(ErrCodeServerError, "")
	}

	resp := &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.accessTokenTTL(client).Seconds()),
		Scope:       row.Scope,
	}

	if client.AllowsGrant(store.GrantRefreshToken) {
		refresh, err := s.mintRefreshToken(ctx, client, &row.UserID, row.Scope, row.Code, uuid.New(), nil, now)
		if err != nil {
			return nil, protoErr(ErrCodeServerError, "")
		}
		resp.RefreshToken = refresh
	}

	if containsScope(scopes, "openid") {
		idt, err := s.mintIDToken(client, user, scopes, row.AuthTime, row.Nonce, now)
		if err != nil {
			return nil, protoErr(ErrCodeServerError, "")
		}
		resp.IDToken = idt
	}

	if s.m != nil {
		s.m.TokensIssued.WithLabelValues(store.GrantAuthorizationCode).Inc()
	}
	s.audit.Record(ctx, audit.Event{
		UserID:    &row.UserID,
		ClientID:  client.ClientID,
		Action:    audit.ActionCodeExchanged,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		Success:   true,
	})
	return resp, nil
}

func (s *Service) refreshGrant(ctx context.Context, client *store.Client, req TokenRequest) (*TokenResponse, error) {
	if !client.AllowsGrant(store.GrantRefreshToken) {
		return nil, protoErr(ErrCodeUnauthorizedClient, "grant not permitted for this client")
	}
	if req.RefreshToken == "" {
		return nil, protoErr(ErrCodeInvalidRequest, "refresh_token is required")
	}
	now := s.now().UTC()

	current, err := s.store.FindRefreshTokenByHash(ctx, crypto.HashToken(req.RefreshToken))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, protoErr(ErrCodeInvalidGrant, "unknown refresh token")
		}
		return nil, protoErr(ErrCodeServerError, "")
	}
	if current.ClientID != client.ClientID {
		return nil, protoErr(ErrCodeInvalidGrant, "refresh token was issued to another client")
	}
	if current.IsRevoked {
		return nil, s.refreshReplay(ctx, client, current, req)
	}
	if !now.Before(current.ExpiresAt) {
		return nil, protoErr(ErrCodeInvalidGrant, "refresh token expired")
	}

	// Optional scope narrowing: the new tokens may carry a subset of the
	// consumed token's scopes, never more.
	grantedScopes := strings.Fields(current.Scope)
	scopes := grantedScopes
	if req.Scope != "" {
		scopes = strings.Fields(req.Scope)
		for _, scope := range scopes {
			if !containsScope(grantedScopes, scope) {
				return nil, protoErr(ErrCodeInvalidScope, "scope exceeds original grant")
			}
		}
	}
	scopeStr := strings.Join(scopes, " ")

	opaque, err := crypto.GenerateSecureToken(32)
	if err != nil {
		return nil, protoErr(ErrCodeServerError, "")
	}
	next := &store.RefreshToken{
		ID:         uuid.New(),
		TokenHash:  crypto.HashToken(opaque),
		JTI:        uuid.NewString(),
		UserID:     current.UserID,
		ClientID:   client.ClientID,
		Scope:      scopeStr,
		Code:       current.Code,
		FamilyID:   current.FamilyID,
		PreviousID: &current.ID,
		ExpiresAt:  now.Add(s.refreshTokenTTL(client)),
		IssuedAt:   now,
	}
	if err := s.store.RotateRefreshToken(ctx, current.ID, next); err != nil {
		if errors.Is(err, store.ErrAlreadyRotated) {
			// Lost the race to a concurrent rotation: same treatment as
			// replay of a revoked token.
			return nil, s.refreshReplay(ctx, client, current, req)
		}
		return nil, protoErr(ErrCodeServerError, "")
	}

	access, _, err := s.mintAccessToken(ctx, client, current.UserID, scopes, nil, current.Code, now)
	if err != nil {
		return nil, protoErr(ErrCodeServerError, "")
	}

	resp := &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTokenTTL(client).Seconds()),
		RefreshToken: opaque,
		Scope:        scopeStr,
	}

	if current.UserID != nil && containsScope(scopes, "openid") {
		if user, err := s.store.FindUserByID(ctx, *current.UserID); err == nil && user.IsActive {
			if idt, err := s.mintIDToken(client, user, scopes, current.IssuedAt, "", now); err == nil {
				resp.IDToken = idt
			}
		}
	}

	if s.m != nil {
		s.m.TokensIssued.WithLabelValues(store.GrantRefreshToken).Inc()
	}
	s.audit.Record(ctx, audit.Event{
		UserID:    current.UserID,
		ClientID:  client.ClientID,
		Action:    audit.ActionTokenRefreshed,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		Success:   true,
	})
	return resp, nil
}

// refreshReplay revokes the whole family and reports invalid_grant, in
// that order.
func (s *Service) refreshReplay(ctx context.Context, client *store.Client, current *store.RefreshToken, req TokenRequest) *Error {
	revoked, err := s.store.RevokeRefreshFamily(ctx, current.FamilyID)
	if err != nil {
		s.log.Error("family revocation failed", "error", err, "family_id", current.FamilyID)
	}
	if s.m != nil {
		s.m.RefreshReplays.Inc()
	}
	s.audit.Record(ctx, audit.Event{
		UserID:       current.UserID,
		ClientID:     client.ClientID,
		Action:       audit.ActionRefreshReplayed,
		IPAddress:    req.IPAddress,
		UserAgent:    req.UserAgent,
		Success:      false,
		ErrorMessage: "refresh token replayed",
		Metadata:     map[string]any{"family_id": current.FamilyID.String(), "revoked": revoked},
	})
	return protoErr(ErrCodeInvalidGrant, "refresh token is no longer valid")
}

func (s *Service) clientCredentialsGrant(ctx context.Context, client *store.Client, req TokenRequest) (*TokenResponse, error) {
	if client.Type != store.ClientTypeConfidential {
		return nil, protoErr(ErrCodeUnauthorizedClient, "public clients may not use client_credentials")
	}
	if !client.AllowsGrant(store.GrantClientCredentials) {
		return nil, protoErr(ErrCodeUnauthorizedClient, "grant not permitted for this client")
	}
	now := s.now().UTC()

	scopes := strings.Fields(req.Scope)
	if len(scopes) == 0 {
		scopes = client.AllowedScopes
	} else {
		for _, scope := range scopes {
			if !client.AllowsScope(scope) {
				return nil, protoErr(ErrCodeInvalidScope, "scope not allowed for this client")
			}
		}
	}
	scopeStr := strings.Join(scopes, " ")

	// Machine tokens have no user behind them, so the scope graph supplies
	// the permission set directly.
	perms, err := s.eval.PermissionsForScopes(ctx, scopes)
	if err != nil {
		return nil, protoErr(ErrCodeServerError, "")
	}

	access, _, err := s.mintAccessToken(ctx, client, nil, scopes, perms, "", now)
	if err != nil {
		return nil, protoErr(ErrCodeServerError, "")
	}

	if s.m != nil {
		s.m.TokensIssued.WithLabelValues(store.GrantClientCredentials).Inc()
	}
	s.audit.Record(ctx, audit.Event{
		ClientID:  client.ClientID,
		Action:    audit.ActionTokenIssued,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		Success:   true,
	})
	return &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.accessTokenTTL(client).Seconds()),
		Scope:       scopeStr,
	}, nil
}

// mintAccessToken signs and persists an access token, returning the JWT
// and its jti. permissions is non-nil only for client_credentials tokens.
func (s *Service) mintAccessToken(ctx context.Context, client *store.Client, userID *uuid.UUID, scopes, permissions []string, code string, now time.Time) (string, string, error) {
	jti := uuid.NewString()
	sub := client.ClientID
	if userID != nil {
		sub = userID.String()
	}
	claims := crypto.AccessClaims{
		ClientID:    client.ClientID,
		Scope:       strings.Join(scopes, " "),
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   sub,
			Audience:  jwt.ClaimStrings{client.ClientID},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenTTL(client))),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
	}
	signed, err := s.signer.Sign(&claims)
	if err != nil {
		return "", "", err
	}
	row := &store.AccessToken{
		ID:        uuid.New(),
		TokenHash: crypto.HashToken(signed),
		JTI:       jti,
		UserID:    userID,
		ClientID:  client.ClientID,
		Scope:     claims.Scope,
		Code:      code,
		ExpiresAt: claims.ExpiresAt.Time,
		IssuedAt:  now,
	}
	if err := s.store.CreateAccessToken(ctx, row); err != nil {
		return "", "", err
	}
	return signed, jti, nil
}

// mintRefreshToken creates the opaque credential and its row. familyID
// starts a new family; previousID is nil for first issuance.
func (s *Service) mintRefreshToken(ctx context.Context, client *store.Client, userID *uuid.UUID, scope, code string, familyID uuid.UUID, previousID *uuid.UUID, now time.Time) (string, error) {
	opaque, err := crypto.GenerateSecureToken(32)
	if err != nil {
		return "", err
	}
	row := &store.RefreshToken{
		ID:         uuid.New(),
		TokenHash:  crypto.HashToken(opaque),
		JTI:        uuid.NewString(),
		UserID:     userID,
		ClientID:   client.ClientID,
		Scope:      scope,
		Code:       code,
		FamilyID:   familyID,
		PreviousID: previousID,
		ExpiresAt:  now.Add(s.refreshTokenTTL(client)),
		IssuedAt:   now,
	}
	if err := s.store.CreateRefreshToken(ctx, row); err != nil {
		return "", err
	}
	return opaque, nil
}

func (s *Service) mintIDToken(client *store.Client, user *store.User, scopes []string, authTime time.Time, nonce string, now time.Time) (string, error) {
	claims := crypto.IDClaims{
		AuthTime: authTime.Unix(),
		Nonce:    nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   user.ID.String(),
			Audience:  jwt.ClaimStrings{client.ClientID},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenTTL(client))),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	if containsScope(scopes, "profile") {
		claims.Name = user.Name()
		claims.GivenName = user.FirstName
		claims.FamilyName = user.LastName
		claims.PreferredUser = user.Username
	}
	if containsScope(scopes, "email") {
		claims.Email = user.Email
		verified := user.EmailVerified
		claims.EmailVerified = &verified
	}
	return s.signer.Sign(&claims)
}

func containsScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}
