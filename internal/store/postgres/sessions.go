package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/identra/identra/internal/store"
)

const sessionColumns = `id, user_id, token_hash, auth_time, created_at,
	expires_at, is_active, ip_address, user_agent`

func (s *Store) CreateSession(ctx context.Context, sess *store.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		sess.ID, sess.UserID, sess.TokenHash, sess.AuthTime, sess.CreatedAt,
		sess.ExpiresAt, sess.IsActive, sess.IPAddress, sess.UserAgent,
	)
	return translateErr(err)
}

func (s *Store) scanSession(row pgx.Row) (*store.Session, error) {
	var sess store.Session
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.TokenHash, &sess.AuthTime, &sess.CreatedAt,
		&sess.ExpiresAt, &sess.IsActive, &sess.IPAddress, &sess.UserAgent,
	)
	if err != nil {
		return nil, translateErr(err)
	}
	return &sess, nil
}

func (s *Store) FindSessionByID(ctx context.Context, id uuid.UUID) (*store.Session, error) {
	return s.scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

func (s *Store) FindSessionByTokenHash(ctx context.Context, hash string) (*store.Session, error) {
	return s.scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE token_hash = $1`, hash))
}

func (s *Store) RevokeSession(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) RevokeUserSessions(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET is_active = false WHERE user_id = $1 AND is_active`, userID)
	return translateErr(err)
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, translateErr(err)
	}
	return tag.RowsAffected(), nil
}
