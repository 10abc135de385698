package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/identra/identra/internal/store"
)

const codeColumns = `code, client_id, user_id, redirect_uri, scope,
	code_challenge, code_challenge_method, nonce, state, auth_time,
	expires_at, used, created_at`

func (s *Store) CreateAuthorizationCode(ctx context.Context, code *store.AuthorizationCode) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO authorization_codes (`+codeColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		code.Code, code.ClientID, code.UserID, code.RedirectURI, code.Scope,
		nullStr(code.CodeChallenge), nullStr(code.CodeChallengeMethod),
		nullStr(code.Nonce), nullStr(code.State), code.AuthTime,
		code.ExpiresAt, code.Used, code.CreatedAt,
	)
	return translateErr(err)
}

// ConsumeAuthorizationCode locks the row, flips used and reports the
// pre-consume state. The row lock makes "consumed at most once" hold
// across concurrent exchanges.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*store.AuthorizationCode, error) {
	var row store.AuthorizationCode
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		r := tx.QueryRow(ctx, `
			SELECT `+codeColumns+` FROM authorization_codes
			WHERE code = $1 FOR UPDATE`, code)

		var challenge, method, nonce, state *string
		if err := r.Scan(
			&row.Code, &row.ClientID, &row.UserID, &row.RedirectURI, &row.Scope,
			&challenge, &method, &nonce, &state, &row.AuthTime,
			&row.ExpiresAt, &row.Used, &row.CreatedAt,
		); err != nil {
			return translateErr(err)
		}
		row.CodeChallenge = deref(challenge)
		row.CodeChallengeMethod = deref(method)
		row.Nonce = deref(nonce)
		row.State = deref(state)

		if row.Used {
			return store.ErrAlreadyUsed
		}
		_, err := tx.Exec(ctx, `UPDATE authorization_codes SET used = true WHERE code = $1`, code)
		return translateErr(err)
	})
	if err == store.ErrAlreadyUsed {
		return &row, err
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) DeleteExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM authorization_codes WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, translateErr(err)
	}
	return tag.RowsAffected(), nil
}
