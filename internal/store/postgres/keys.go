package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/identra/identra/internal/store"
)

const keyColumns = `kid, alg, public_pem, private_pem, status, created_at, rotated_at`

func (s *Store) InsertSigningKey(ctx context.Context, k *store.SigningKey) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO signing_keys (`+keyColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		k.Kid, k.Alg, k.PublicPEM, k.PrivatePEM, k.Status, k.CreatedAt, k.RotatedAt,
	)
	return translateErr(err)
}

func scanSigningKey(row pgx.Row) (*store.SigningKey, error) {
	var k store.SigningKey
	err := row.Scan(&k.Kid, &k.Alg, &k.PublicPEM, &k.PrivatePEM, &k.Status,
		&k.CreatedAt, &k.RotatedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	return &k, nil
}

func (s *Store) ActiveSigningKey(ctx context.Context) (*store.SigningKey, error) {
	return scanSigningKey(s.pool.QueryRow(ctx, `
		SELECT `+keyColumns+` FROM signing_keys
		WHERE status = $1 ORDER BY created_at DESC LIMIT 1`,
		store.KeyStatusActive))
}

func (s *Store) ListSigningKeys(ctx context.Context) ([]store.SigningKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+keyColumns+` FROM signing_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var keys []store.SigningKey
	for rows.Next() {
		var k store.SigningKey
		if err := rows.Scan(&k.Kid, &k.Alg, &k.PublicPEM, &k.PrivatePEM,
			&k.Status, &k.CreatedAt, &k.RotatedAt); err != nil {
			return nil, translateErr(err)
		}
		keys = append(keys, k)
	}
	return keys, translateErr(rows.Err())
}

// RotateSigningKeys retires the active key and installs next inside one
// transaction. The table lock serializes concurrent rotations so two
// active rows can never coexist.
func (s *Store) RotateSigningKeys(ctx context.Context, next *store.SigningKey) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`LOCK TABLE signing_keys IN ACCESS EXCLUSIVE MODE`); err != nil {
			return translateErr(err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE signing_keys SET status = $1, rotated_at = now()
			WHERE status = $2`,
			store.KeyStatusRetired, store.KeyStatusActive); err != nil {
			return translateErr(err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO signing_keys (`+keyColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			next.Kid, next.Alg, next.PublicPEM, next.PrivatePEM, next.Status,
			next.CreatedAt, next.RotatedAt,
		)
		return translateErr(err)
	})
}

func (s *Store) DeleteRetiredKeysBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM signing_keys
		WHERE status = $1 AND rotated_at IS NOT NULL AND rotated_at <= $2`,
		store.KeyStatusRetired, cutoff)
	if err != nil {
		return 0, translateErr(err)
	}
	return tag.RowsAffected(), nil
}
