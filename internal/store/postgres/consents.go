package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/identra/identra/internal/store"
)

// UpsertConsent merges the new scopes into any existing grant for the
// (user, client) pair and clears a prior revocation. The merge happens in
// SQL so concurrent consents never lose scopes.
func (s *Store) UpsertConsent(ctx context.Context, g *store.ConsentGrant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO consent_grants (user_id, client_id, scopes, granted_at, expires_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, NULL)
		ON CONFLICT (user_id, client_id) DO UPDATE SET
			scopes = ARRAY(SELECT DISTINCT unnest(consent_grants.scopes || EXCLUDED.scopes)),
			granted_at = EXCLUDED.granted_at,
			expires_at = EXCLUDED.expires_at,
			revoked_at = NULL`,
		g.UserID, g.ClientID, g.Scopes, g.GrantedAt, g.ExpiresAt,
	)
	return translateErr(err)
}

func (s *Store) FindConsent(ctx context.Context, userID uuid.UUID, clientID string) (*store.ConsentGrant, error) {
	var g store.ConsentGrant
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, client_id, scopes, granted_at, expires_at, revoked_at
		FROM consent_grants WHERE user_id = $1 AND client_id = $2`,
		userID, clientID,
	).Scan(&g.UserID, &g.ClientID, &g.Scopes, &g.GrantedAt, &g.ExpiresAt, &g.RevokedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	return &g, nil
}

func (s *Store) RevokeConsent(ctx context.Context, userID uuid.UUID, clientID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE consent_grants SET revoked_at = now()
		WHERE user_id = $1 AND client_id = $2 AND revoked_at IS NULL`,
		userID, clientID,
	)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
