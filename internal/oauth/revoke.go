package oauth

import (
	"context"

	"github.com/identra/identra/internal/audit"
	"github.com/identra/identra/internal/crypto"
	"github.com/identra/identra/internal/store"
)

// Revoke implements RFC 7009. It never reports failure to the caller:
// unknown tokens, tokens owned by another client and storage hiccups all
// end in silence. The hint is advisory.
func (s *Service) Revoke(ctx context.Context, client *store.Client, token, tokenTypeHint, ip, userAgent string) {
	if token == "" {
		return
	}
	if tokenTypeHint == "refresh_token" {
		if s.revokeRefresh(ctx, client, token, ip, userAgent) {
			return
		}
		s.revokeAccess(ctx, client, token, ip, userAgent)
		return
	}
	if s.revokeAccess(ctx, client, token, ip, userAgent) {
		return
	}
	s.revokeRefresh(ctx, client, token, ip, userAgent)
}

func (s *Service) revokeAccess(ctx context.Context, client *store.Client, token, ip, userAgent string) bool {
	var claims crypto.AccessClaims
	if err := s.signer.Verify(token, &claims, crypto.VerifyOptions{Issuer: s.cfg.Issuer}); err != nil {
		return false
	}
	row, err := s.store.FindAccessTokenByJTI(ctx, claims.ID)
	if err != nil {
		return false
	}
	if row.ClientID != client.ClientID {
		// A client may only revoke its own tokens; pretend nothing
		// happened.
		return true
	}
	if !row.IsRevoked {
		_ = s.store.RevokeAccessToken(ctx, row.ID)
	}
	_ = s.store.BlacklistJTI(ctx, row.JTI, row.ExpiresAt)
	s.audit.Record(ctx, audit.Event{
		UserID:    row.UserID,
		ClientID:  client.ClientID,
		Action:    audit.ActionTokenRevoked,
		IPAddress: ip,
		UserAgent: userAgent,
		Success:   true,
		Metadata:  map[string]any{"token_type": "access_token"},
	})
	return true
}

func (s *Service) revokeRefresh(ctx context.Context, client *store.Client, token, ip, userAgent string) bool {
	row, err := s.store.FindRefreshTokenByHash(ctx, crypto.HashToken(token))
	if err != nil {
		return false
	}
	if row.ClientID != client.ClientID {
		return true
	}
	// Revoking one member kills the whole family.
	_, _ = s.store.RevokeRefreshFamily(ctx, row.FamilyID)
	_ = s.store.BlacklistJTI(ctx, row.JTI, row.ExpiresAt)
	s.audit.Record(ctx, audit.Event{
		UserID:    row.UserID,
		ClientID:  client.ClientID,
		Action:    audit.ActionTokenRevoked,
		IPAddress: ip,
		UserAgent: userAgent,
		Success:   true,
		Metadata:  map[string]any{"token_type": "refresh_token", "family_id": row.FamilyID.String()},
	})
	return true
}
