// Package store owns every persisted aggregate of the authorization server
// and hides the SQL dialect behind intent-named repository methods. Methods
// that mutate more than one aggregate are transactional inside the
// implementation, so callers never manage transactions themselves.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when a unique constraint is violated.
	ErrDuplicate = errors.New("store: duplicate")
	// ErrAlreadyUsed is returned when consuming an authorization code that
	// was already exchanged.
	ErrAlreadyUsed = errors.New("store: authorization code already used")
	// ErrAlreadyRotated signals that a concurrent request won the refresh
	// rotation race; the caller must treat this as replay.
	ErrAlreadyRotated = errors.New("store: refresh token already rotated")
)

// ClientStore persists registered OAuth clients.
type ClientStore interface {
	CreateClient(ctx context.Context, c *Client) error
	FindClientByPublicID(ctx context.Context, clientID string) (*Client, error)
	UpdateClient(ctx context.Context, c *Client) error
}

// UserStore persists end-user accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	FindUserByID(ctx context.Context, id uuid.UUID) (*User, error)
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUserPassword(ctx context.Context, id uuid.UUID, hash string) error
	SetUserMFA(ctx context.Context, id uuid.UUID, enabled bool, secret string) error

	// RecordLoginFailure increments the failure counter and, once it
	// reaches maxAttempts, sets the lockout. Returns whether the account
	// is now locked. Single atomic update.
	RecordLoginFailure(ctx context.Context, id uuid.UUID, maxAttempts int, lockFor time.Duration, now time.Time) (bool, error)
	// RecordLoginSuccess clears failure state and stamps last_login_at.
	RecordLoginSuccess(ctx context.Context, id uuid.UUID, at time.Time) error
}

// RBACStore persists the role/permission/scope graph. Reads used by the
// evaluator traverse only active rows.
type RBACStore interface {
	CreateRole(ctx context.Context, r *Role) error
	CreatePermission(ctx context.Context, p *Permission) error
	CreateScope(ctx context.Context, s *Scope) error
	SetRoleActive(ctx context.Context, id uuid.UUID, active bool) error
	SetPermissionActive(ctx context.Context, id uuid.UUID, active bool) error
	SetScopeActive(ctx context.Context, id uuid.UUID, active bool) error

	AssignRoleToUser(ctx context.Context, userID, roleID uuid.UUID) error
	RemoveRoleFromUser(ctx context.Context, userID, roleID uuid.UUID) error
	GrantPermissionToRole(ctx context.Context, roleID, permissionID uuid.UUID) error
	RevokePermissionFromRole(ctx context.Context, roleID, permissionID uuid.UUID) error
	MapScopeToPermission(ctx context.Context, scopeID, permissionID uuid.UUID) error

	// EffectivePermissionNames is the union over active UserRole -> active
	// Role -> active RolePermission -> active Permission.
	EffectivePermissionNames(ctx context.Context, userID uuid.UUID) ([]string, error)
	// PermissionNamesForScopes is the union of permissions mapped to each
	// active scope name. Unknown or inactive scopes contribute nothing.
	PermissionNamesForScopes(ctx context.Context, scopes []string) ([]string, error)
	// ActiveScopeNames lists configured active scopes, for request
	// validation and discovery.
	ActiveScopeNames(ctx context.Context) ([]string, error)
}

// CodeStore persists authorization codes.
type CodeStore interface {
	CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error
	// ConsumeAuthorizationCode loads the code under a row lock, marks it
	// used and returns its pre-consume state. A second call for the same
	// code returns ErrAlreadyUsed together with the row.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
	DeleteExpiredCodes(ctx context.Context, now time.Time) (int64, error)
}

// TokenStore persists access and refresh tokens.
type TokenStore interface {
	CreateAccessToken(ctx context.Context, t *AccessToken) error
	FindAccessTokenByJTI(ctx context.Context, jti string) (*AccessToken, error)
	FindAccessTokenByHash(ctx context.Context, hash string) (*AccessToken, error)
	RevokeAccessToken(ctx context.Context, id uuid.UUID) error

	CreateRefreshToken(ctx context.Context, t *RefreshToken) error
	FindRefreshTokenByHash(ctx context.Context, hash string) (*RefreshToken, error)
	// RotateRefreshToken revokes the current token iff it is not yet
	// revoked and inserts its successor in the same transaction.
	// ErrAlreadyRotated when the conditional update misses.
	RotateRefreshToken(ctx context.Context, currentID uuid.UUID, next *RefreshToken) error
	RevokeRefreshToken(ctx context.Context, id uuid.UUID) error
	// RevokeRefreshFamily revokes every token tagged with the family id,
	// returning how many live rows were flipped.
	RevokeRefreshFamily(ctx context.Context, familyID uuid.UUID) (int64, error)
	// RevokeTokensForCode revokes all access and refresh tokens descending
	// from an authorization code (double-exchange defense).
	RevokeTokensForCode(ctx context.Context, code string) error
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// BlacklistStore persists the jti denylist.
type BlacklistStore interface {
	// BlacklistJTI is idempotent: re-inserting an existing jti is a no-op.
	BlacklistJTI(ctx context.Context, jti string, expiresAt time.Time) error
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
	PruneBlacklist(ctx context.Context, now time.Time) (int64, error)
}

// ConsentStore persists remembered consent decisions.
type ConsentStore interface {
	// UpsertConsent merges scopes into any existing grant for the
	// (user, client) pair and clears a prior revocation.
	UpsertConsent(ctx context.Context, g *ConsentGrant) error
	FindConsent(ctx context.Context, userID uuid.UUID, clientID string) (*ConsentGrant, error)
	RevokeConsent(ctx context.Context, userID uuid.UUID, clientID string) error
}

// SessionStore persists server login sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	FindSessionByID(ctx context.Context, id uuid.UUID) (*Session, error)
	FindSessionByTokenHash(ctx context.Context, hash string) (*Session, error)
	RevokeSession(ctx context.Context, id uuid.UUID) error
	RevokeUserSessions(ctx context.Context, userID uuid.UUID) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// AuditStore appends immutable audit rows.
type AuditStore interface {
	AppendAudit(ctx context.Context, e *AuditEntry) error
}

// KeyStore persists JWT signing keys.
type KeyStore interface {
	InsertSigningKey(ctx context.Context, k *SigningKey) error
	ActiveSigningKey(ctx context.Context) (*SigningKey, error)
	// ListSigningKeys returns active and retired keys, newest first.
	ListSigningKeys(ctx context.Context) ([]SigningKey, error)
	// RotateSigningKeys retires the current active key and inserts next as
	// the new active key, serialized by an exclusive lock on the table.
	RotateSigningKeys(ctx context.Context, next *SigningKey) error
	DeleteRetiredKeysBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the full credential store contract.
type Store interface {
	ClientStore
	UserStore
	RBACStore
	CodeStore
	TokenStore
	BlacklistStore
	ConsentStore
	SessionStore
	AuditStore
	KeyStore
}
