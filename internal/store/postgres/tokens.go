package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/identra/identra/internal/store"
)

const accessTokenColumns = `id, token_hash, jti, user_id, client_id, scope,
	code, expires_at, issued_at, is_revoked`

func (s *Store) CreateAccessToken(ctx context.Context, t *store.AccessToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO access_tokens (`+accessTokenColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		t.ID, t.TokenHash, t.JTI, t.UserID, t.ClientID, t.Scope,
		nullStr(t.Code), t.ExpiresAt, t.IssuedAt, t.IsRevoked,
	)
	return translateErr(err)
}

func (s *Store) scanAccessToken(row pgx.Row) (*store.AccessToken, error) {
	var t store.AccessToken
	var code *string
	err := row.Scan(
		&t.ID, &t.TokenHash, &t.JTI, &t.UserID, &t.ClientID, &t.Scope,
		&code, &t.ExpiresAt, &t.IssuedAt, &t.IsRevoked,
	)
	if err != nil {
		return nil, translateErr(err)
	}
	t.Code = deref(code)
	return &t, nil
}

func (s *Store) FindAccessTokenByJTI(ctx context.Context, jti string) (*store.AccessToken, error) {
	return s.scanAccessToken(s.pool.QueryRow(ctx,
		`SELECT `+accessTokenColumns+` FROM access_tokens WHERE jti = $1`, jti))
}

func (s *Store) FindAccessTokenByHash(ctx context.Context, hash string) (*store.AccessToken, error) {
	return s.scanAccessToken(s.pool.QueryRow(ctx,
		`SELECT `+accessTokenColumns+` FROM access_tokens WHERE token_hash = $1`, hash))
}

func (s *Store) RevokeAccessToken(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE access_tokens SET is_revoked = true WHERE id = $1`, id)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const refreshTokenColumns = `id, token_hash, jti, user_id, client_id, scope,
	code, family_id, previous_id, expires_at, issued_at, is_revoked, revoked_at`

func (s *Store) CreateRefreshToken(ctx context.Context, t *store.RefreshToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (`+refreshTokenColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		t.ID, t.TokenHash, t.JTI, t.UserID, t.ClientID, t.Scope,
		nullStr(t.Code), t.FamilyID, t.PreviousID, t.ExpiresAt, t.IssuedAt,
		t.IsRevoked, t.RevokedAt,
	)
	return translateErr(err)
}

func (s *Store) FindRefreshTokenByHash(ctx context.Context, hash string) (*store.RefreshToken, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+refreshTokenColumns+` FROM refresh_tokens WHERE token_hash = $1`, hash)

	var t store.RefreshToken
	var code *string
	err := row.Scan(
		&t.ID, &t.TokenHash, &t.JTI, &t.UserID, &t.ClientID, &t.Scope,
		&code, &t.FamilyID, &t.PreviousID, &t.ExpiresAt, &t.IssuedAt,
		&t.IsRevoked, &t.RevokedAt,
	)
	if err != nil {
		return nil, translateErr(err)
	}
	t.Code = deref(code)
	return &t, nil
}

// RotateRefreshToken flips is_revoked with a conditional update and
// inserts the successor in the same transaction. A concurrent rotation
// loses the conditional update and surfaces ErrAlreadyRotated.
func (s *Store) RotateRefreshToken(ctx context.Context, currentID uuid.UUID, next *store.RefreshToken) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE refresh_tokens SET is_revoked = true, revoked_at = now()
			WHERE id = $1 AND NOT is_revoked`, currentID)
		if err != nil {
			return translateErr(err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM refresh_tokens WHERE id = $1)`, currentID).Scan(&exists); err != nil {
				return translateErr(err)
			}
			if !exists {
				return store.ErrNotFound
			}
			return store.ErrAlreadyRotated
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO refresh_tokens (`+refreshTokenColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			next.ID, next.TokenHash, next.JTI, next.UserID, next.ClientID, next.Scope,
			nullStr(next.Code), next.FamilyID, next.PreviousID, next.ExpiresAt,
			next.IssuedAt, next.IsRevoked, next.RevokedAt,
		)
		return translateErr(err)
	})
}

func (s *Store) RevokeRefreshToken(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens SET is_revoked = true, revoked_at = now()
		WHERE id = $1 AND NOT is_revoked`, id)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		// Either unknown or already revoked; revocation is idempotent.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM refresh_tokens WHERE id = $1)`, id).Scan(&exists); err != nil {
			return translateErr(err)
		}
		if !exists {
			return store.ErrNotFound
		}
	}
	return nil
}

func (s *Store) RevokeRefreshFamily(ctx context.Context, familyID uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens SET is_revoked = true, revoked_at = now()
		WHERE family_id = $1 AND NOT is_revoked`, familyID)
	if err != nil {
		return 0, translateErr(err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) RevokeTokensForCode(ctx context.Context, code string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE access_tokens SET is_revoked = true WHERE code = $1`, code); err != nil {
			return translateErr(err)
		}
		_, err := tx.Exec(ctx, `
			UPDATE refresh_tokens SET is_revoked = true, revoked_at = now()
			WHERE code = $1 AND NOT is_revoked`, code)
		return translateErr(err)
	})
}

func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	tag, err := s.pool.Exec(ctx, `DELETE FROM access_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, translateErr(err)
	}
	total += tag.RowsAffected()
	tag, err = s.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return total, translateErr(err)
	}
	return total + tag.RowsAffected(), nil
}
