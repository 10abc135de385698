package postgres

import (
	"context"
	"time"
)

func (s *Store) BlacklistJTI(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO token_blacklist (jti, expires_at, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (jti) DO NOTHING`,
		jti, expiresAt,
	)
	return translateErr(err)
}

func (s *Store) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM token_blacklist WHERE jti = $1)`, jti).Scan(&exists)
	if err != nil {
		return false, translateErr(err)
	}
	return exists, nil
}

func (s *Store) PruneBlacklist(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM token_blacklist WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, translateErr(err)
	}
	return tag.RowsAffected(), nil
}
