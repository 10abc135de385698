package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/identra/identra/internal/store"
)

func (s *Store) CreateRole(ctx context.Context, r *store.Role) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO roles (id, name, description, is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		r.ID, r.Name, nullStr(r.Description), r.IsActive, r.CreatedAt, r.UpdatedAt)
	return translateErr(err)
}

func (s *Store) CreatePermission(ctx context.Context, p *store.Permission) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO permissions (id, name, description, is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		p.ID, p.Name, nullStr(p.Description), p.IsActive, p.CreatedAt, p.UpdatedAt)
	return translateErr(err)
}

func (s *Store) CreateScope(ctx context.Context, sc *store.Scope) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scopes (id, name, description, is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		sc.ID, sc.Name, nullStr(sc.Description), sc.IsActive, sc.CreatedAt, sc.UpdatedAt)
	return translateErr(err)
}

func (s *Store) setActive(ctx context.Context, table string, id uuid.UUID, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE `+table+` SET is_active = $2, updated_at = now() WHERE id = $1`, id, active)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetRoleActive(ctx context.Context, id uuid.UUID, active bool) error {
	return s.setActive(ctx, "roles", id, active)
}

func (s *Store) SetPermissionActive(ctx context.Context, id uuid.UUID, active bool) error {
	return s.setActive(ctx, "permissions", id, active)
}

func (s *Store) SetScopeActive(ctx context.Context, id uuid.UUID, active bool) error {
	return s.setActive(ctx, "scopes", id, active)
}

func (s *Store) AssignRoleToUser(ctx context.Context, userID, roleID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_roles (user_id, role_id) VALUES ($1,$2)
		ON CONFLICT DO NOTHING`, userID, roleID)
	return translateErr(err)
}

func (s *Store) RemoveRoleFromUser(ctx context.Context, userID, roleID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	return translateErr(err)
}

func (s *Store) GrantPermissionToRole(ctx context.Context, roleID, permissionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO role_permissions (role_id, permission_id) VALUES ($1,$2)
		ON CONFLICT DO NOTHING`, roleID, permissionID)
	return translateErr(err)
}

func (s *Store) RevokePermissionFromRole(ctx context.Context, roleID, permissionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	return translateErr(err)
}

func (s *Store) MapScopeToPermission(ctx context.Context, scopeID, permissionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scope_permissions (scope_id, permission_id) VALUES ($1,$2)
		ON CONFLICT DO NOTHING`, scopeID, permissionID)
	return translateErr(err)
}

// EffectivePermissionNames walks the active slice of the graph in one query.
func (s *Store) EffectivePermissionNames(ctx context.Context, userID uuid.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT p.name
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id AND r.is_active
		JOIN role_permissions rp ON rp.role_id = r.id
		JOIN permissions p ON p.id = rp.permission_id AND p.is_active
		WHERE ur.user_id = $1
		ORDER BY p.name`, userID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *Store) PermissionNamesForScopes(ctx context.Context, scopes []string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT p.name
		FROM scopes sc
		JOIN scope_permissions sp ON sp.scope_id = sc.id
		JOIN permissions p ON p.id = sp.permission_id AND p.is_active
		WHERE sc.is_active AND sc.name = ANY($1)
		ORDER BY p.name`, scopes)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *Store) ActiveScopeNames(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM scopes WHERE is_active ORDER BY name`)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func scanStrings(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
