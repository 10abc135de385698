package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/identra/identra/internal/store"
)

const userColumns = `id, username, email, password_hash, first_name, last_name,
	display_name, is_active, email_verified, must_change_password,
	failed_login_attempts, locked_until, last_login_at, mfa_enabled,
	mfa_secret, created_at, updated_at`

func (s *Store) CreateUser(ctx context.Context, u *store.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		u.ID, u.Username, strings.ToLower(u.Email), u.PasswordHash,
		nullStr(u.FirstName), nullStr(u.LastName), nullStr(u.DisplayName),
		u.IsActive, u.EmailVerified, u.MustChangePassword,
		u.FailedLoginAttempts, u.LockedUntil, u.LastLoginAt,
		u.MFAEnabled, nullStr(u.MFASecret), u.CreatedAt, u.UpdatedAt,
	)
	return translateErr(err)
}

func (s *Store) scanUser(row interface{ Scan(...any) error }) (*store.User, error) {
	var u store.User
	var firstName, lastName, displayName, mfaSecret *string
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash,
		&firstName, &lastName, &displayName,
		&u.IsActive, &u.EmailVerified, &u.MustChangePassword,
		&u.FailedLoginAttempts, &u.LockedUntil, &u.LastLoginAt,
		&u.MFAEnabled, &mfaSecret, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, translateErr(err)
	}
	u.FirstName = deref(firstName)
	u.LastName = deref(lastName)
	u.DisplayName = deref(displayName)
	u.MFASecret = deref(mfaSecret)
	return &u, nil
}

func (s *Store) FindUserByID(ctx context.Context, id uuid.UUID) (*store.User, error) {
	return s.scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *Store) FindUserByUsername(ctx context.Context, username string) (*store.User, error) {
	return s.scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*store.User, error) {
	return s.scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, strings.ToLower(email)))
}

func (s *Store) UpdateUserPassword(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET password_hash = $2, must_change_password = false, updated_at = now()
		WHERE id = $1`, id, hash)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetUserMFA(ctx context.Context, id uuid.UUID, enabled bool, secret string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET mfa_enabled = $2, mfa_secret = $3, updated_at = now()
		WHERE id = $1`, id, enabled, nullStr(secret))
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecordLoginFailure increments and, at the threshold, locks in a single
// statement so concurrent failures cannot skip the lock.
func (s *Store) RecordLoginFailure(ctx context.Context, id uuid.UUID, maxAttempts int, lockFor time.Duration, now time.Time) (bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE users SET
			failed_login_attempts = CASE
				WHEN failed_login_attempts + 1 >= $2 THEN 0
				ELSE failed_login_attempts + 1 END,
			locked_until = CASE
				WHEN failed_login_attempts + 1 >= $2 THEN $3
				ELSE locked_until END,
			updated_at = now()
		WHERE id = $1
		RETURNING locked_until IS NOT NULL AND locked_until > $4`,
		id, maxAttempts, now.Add(lockFor), now)

	var locked bool
	if err := row.Scan(&locked); err != nil {
		return false, translateErr(err)
	}
	return locked, nil
}

func (s *Store) RecordLoginSuccess(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET failed_login_attempts = 0, locked_until = NULL,
			last_login_at = $2, updated_at = now()
		WHERE id = $1`, id, at)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
