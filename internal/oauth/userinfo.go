package oauth

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/identra/identra/internal/audit"
	"github.com/identra/identra/internal/crypto"
)

// ErrInvalidToken is returned by UserInfo and bearer validation when the
// presented access token does not verify, is revoked or blacklisted.
var ErrInvalidToken = errors.New("oauth: invalid token")

// UserInfoResponse releases identity claims gated by the token's scopes.
type UserInfoResponse struct {
	Sub               string `json:"sub"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Name              string `json:"name,omitempty"`
	GivenName         string `json:"given_name,omitempty"`
	FamilyName        string `json:"family_name,omitempty"`
	UpdatedAt         int64  `json:"updated_at,omitempty"`
	Email             string `json:"email,omitempty"`
	EmailVerified     *bool  `json:"email_verified,omitempty"`
}

// BearerContext is the verified state behind a protocol access token.
type BearerContext struct {
	UserID   *uuid.UUID
	ClientID string
	Scopes   []string
	JTI      string
}

// ValidateBearer checks a protocol access token end to end: signature,
// blacklist and the persisted row. Rejections are audited (throttled).
func (s *Service) ValidateBearer(ctx context.Context, token string) (*BearerContext, error) {
	reject := func(reason string) (*BearerContext, error) {
		s.audit.Record(ctx, audit.Event{
			Action:       audit.ActionBearerRejected,
			Success:      false,
			ErrorMessage: reason,
		})
		return nil, ErrInvalidToken
	}

	var claims crypto.AccessClaims
	if err := s.signer.Verify(token, &claims, crypto.VerifyOptions{Issuer: s.cfg.Issuer}); err != nil {
		return reject("signature or claim verification failed")
	}
	blacklisted, err := s.store.IsBlacklisted(ctx, claims.ID)
	if err != nil || blacklisted {
		return reject("token is blacklisted")
	}
	row, err := s.store.FindAccessTokenByJTI(ctx, claims.ID)
	if err != nil || row.IsRevoked {
		return reject("token is unknown or revoked")
	}
	if !s.now().UTC().Before(row.ExpiresAt) {
		return reject("token is expired")
	}
	return &BearerContext{
		UserID:   row.UserID,
		ClientID: claims.ClientID,
		Scopes:   strings.Fields(claims.Scope),
		JTI:      claims.ID,
	}, nil
}

// UserInfo serves GET/POST /userinfo for a validated bearer context.
func (s *Service) UserInfo(ctx context.Context, bearer *BearerContext) (*UserInfoResponse, error) {
	record := func(success bool, reason string) {
		s.audit.Record(ctx, audit.Event{
			UserID:       bearer.UserID,
			ClientID:     bearer.ClientID,
			Action:       audit.ActionUserInfoRead,
			Success:      success,
			ErrorMessage: reason,
		})
	}

	if bearer.UserID == nil || !containsScope(bearer.Scopes, "openid") {
		record(false, "openid scope required")
		return nil, ErrInvalidToken
	}
	user, err := s.store.FindUserByID(ctx, *bearer.UserID)
	if err != nil || !user.IsActive {
		record(false, "user is unknown or inactive")
		return nil, ErrInvalidToken
	}
	record(true, "")

	resp := &UserInfoResponse{Sub: user.ID.String()}
	if containsScope(bearer.Scopes, "profile") {
		resp.PreferredUsername = user.Username
		resp.Name = user.Name()
		resp.GivenName = user.FirstName
		resp.FamilyName = user.LastName
		resp.UpdatedAt = user.UpdatedAt.Unix()
	}
	if containsScope(bearer.Scopes, "email") {
		resp.Email = user.Email
		verified := user.EmailVerified
		resp.EmailVerified = &verified
	}
	return resp, nil
}
