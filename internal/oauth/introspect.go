package oauth

import (
	"context"

	"github.com/identra/identra/internal/audit"
	"github.com/identra/identra/internal/crypto"
	"github.com/identra/identra/internal/store"
)

// IntrospectionResponse is the RFC 7662 body. Inactive tokens carry the
// single field {"active": false} and nothing else.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Sub       string `json:"sub,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	JTI       string `json:"jti,omitempty"`
	TokenType string `json:"token_type,omitempty"`
}

var inactive = &IntrospectionResponse{Active: false}

// Introspect resolves a token's state for an authenticated client. Every
// failure mode collapses into {active:false}; metadata never leaks.
func (s *Service) Introspect(ctx context.Context, client *store.Client, token, tokenTypeHint, ip, userAgent string) *IntrospectionResponse {
	resp := s.introspect(ctx, token, tokenTypeHint)
	s.audit.Record(ctx, audit.Event{
		ClientID:  client.ClientID,
		Action:    audit.ActionTokenIntrospected,
		IPAddress: ip,
		UserAgent: userAgent,
		Success:   resp.Active,
	})
	return resp
}

func (s *Service) introspect(ctx context.Context, token, tokenTypeHint string) *IntrospectionResponse {
	if token == "" {
		return inactive
	}
	// The hint is advisory: try the hinted shape first, then the other.
	if tokenTypeHint == "refresh_token" {
		if resp := s.introspectRefresh(ctx, token); resp.Active {
			return resp
		}
		return s.introspectAccess(ctx, token)
	}
	if resp := s.introspectAccess(ctx, token); resp.Active {
		return resp
	}
	return s.introspectRefresh(ctx, token)
}

func (s *Service) introspectAccess(ctx context.Context, token string) *IntrospectionResponse {
	var claims crypto.AccessClaims
	if err := s.signer.Verify(token, &claims, crypto.VerifyOptions{Issuer: s.cfg.Issuer}); err != nil {
		return inactive
	}
	blacklisted, err := s.store.IsBlacklisted(ctx, claims.ID)
	if err != nil || blacklisted {
		return inactive
	}
	row, err := s.store.FindAccessTokenByJTI(ctx, claims.ID)
	if err != nil || row.IsRevoked {
		return inactive
	}
	if !s.now().UTC().Before(row.ExpiresAt) {
		return inactive
	}
	return &IntrospectionResponse{
		Active:    true,
		Sub:       claims.Subject,
		ClientID:  claims.ClientID,
		Scope:     claims.Scope,
		Exp:       claims.ExpiresAt.Unix(),
		Iat:       claims.IssuedAt.Unix(),
		JTI:       claims.ID,
		TokenType: "access_token",
	}
}

func (s *Service) introspectRefresh(ctx context.Context, token string) *IntrospectionResponse {
	row, err := s.store.FindRefreshTokenByHash(ctx, crypto.HashToken(token))
	if err != nil || row.IsRevoked {
		return inactive
	}
	if !s.now().UTC().Before(row.ExpiresAt) {
		return inactive
	}
	blacklisted, err := s.store.IsBlacklisted(ctx, row.JTI)
	if err != nil || blacklisted {
		return inactive
	}
	resp := &IntrospectionResponse{
		Active:    true,
		ClientID:  row.ClientID,
		Scope:     row.Scope,
		Exp:       row.ExpiresAt.Unix(),
		Iat:       row.IssuedAt.Unix(),
		JTI:       row.JTI,
		TokenType: "refresh_token",
	}
	if row.UserID != nil {
		resp.Sub = row.UserID.String()
	}
	return resp
}
