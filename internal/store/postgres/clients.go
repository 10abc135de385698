package postgres

import (
	"context"
	"time"

	"github.com/identra/identra/internal/store"
)

const clientColumns = `id, client_id, client_secret_hash, name, description, type,
	redirect_uris, allowed_scopes, grant_types, response_types,
	token_endpoint_auth_method, require_pkce, require_consent, jwks_uri,
	ip_allowlist, access_token_ttl_secs, refresh_token_ttl_secs,
	authorization_code_ttl_secs, is_active, created_at, updated_at`

func (s *Store) CreateClient(ctx context.Context, c *store.Client) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO clients (`+clientColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		c.ID, c.ClientID, nullStr(c.ClientSecretHash), c.Name, nullStr(c.Description), string(c.Type),
		c.RedirectURIs, c.AllowedScopes, c.GrantTypes, c.ResponseTypes,
		c.TokenEndpointAuthMethod, c.RequirePKCE, c.RequireConsent, nullStr(c.JWKSURI),
		c.IPAllowlist, int64(c.AccessTokenTTL/time.Second), int64(c.RefreshTokenTTL/time.Second),
		int64(c.AuthorizationCodeTTL/time.Second), c.IsActive, c.CreatedAt, c.UpdatedAt,
	)
	return translateErr(err)
}

func (s *Store) FindClientByPublicID(ctx context.Context, clientID string) (*store.Client, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM clients WHERE client_id = $1`, clientID)

	var c store.Client
	var secretHash, description, jwksURI *string
	var clientType string
	var accessTTL, refreshTTL, codeTTL int64
	err := row.Scan(
		&c.ID, &c.ClientID, &secretHash, &c.Name, &description, &clientType,
		&c.RedirectURIs, &c.AllowedScopes, &c.GrantTypes, &c.ResponseTypes,
		&c.TokenEndpointAuthMethod, &c.RequirePKCE, &c.RequireConsent, &jwksURI,
		&c.IPAllowlist, &accessTTL, &refreshTTL, &codeTTL,
		&c.IsActive, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, translateErr(err)
	}
	c.ClientSecretHash = deref(secretHash)
	c.Description = deref(description)
	c.JWKSURI = deref(jwksURI)
	c.Type = store.ClientType(clientType)
	c.AccessTokenTTL = time.Duration(accessTTL) * time.Second
	c.RefreshTokenTTL = time.Duration(refreshTTL) * time.Second
	c.AuthorizationCodeTTL = time.Duration(codeTTL) * time.Second
	return &c, nil
}

func (s *Store) UpdateClient(ctx context.Context, c *store.Client) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE clients SET
			client_secret_hash = $2, name = $3, description = $4, type = $5,
			redirect_uris = $6, allowed_scopes = $7, grant_types = $8,
			response_types = $9, token_endpoint_auth_method = $10,
			require_pkce = $11, require_consent = $12, jwks_uri = $13,
			ip_allowlist = $14, access_token_ttl_secs = $15,
			refresh_token_ttl_secs = $16, authorization_code_ttl_secs = $17,
			is_active = $18, updated_at = now()
		WHERE client_id = $1`,
		c.ClientID, nullStr(c.ClientSecretHash), c.Name, nullStr(c.Description), string(c.Type),
		c.RedirectURIs, c.AllowedScopes, c.GrantTypes, c.ResponseTypes,
		c.TokenEndpointAuthMethod, c.RequirePKCE, c.RequireConsent, nullStr(c.JWKSURI),
		c.IPAllowlist, int64(c.AccessTokenTTL/time.Second), int64(c.RefreshTokenTTL/time.Second),
		int64(c.AuthorizationCodeTTL/time.Second), c.IsActive,
	)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
