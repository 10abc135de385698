// Package memory implements the credential store with in-memory maps.
// It is thread-safe and intended for development and tests; production
// deployments use the postgres implementation.
package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/identra/identra/internal/store"
)

// Store holds every aggregate in maps guarded by one mutex. Methods that
// touch multiple aggregates are atomic by construction.
type Store struct {
	mu sync.Mutex

	clients map[string]*store.Client // keyed by public client_id
	users   map[uuid.UUID]*store.User

	roles       map[uuid.UUID]*store.Role
	permissions map[uuid.UUID]*store.Permission
	scopes      map[uuid.UUID]*store.Scope
	userRoles   map[uuid.UUID][]uuid.UUID // userID -> roleIDs
	rolePerms   map[uuid.UUID][]uuid.UUID // roleID -> permissionIDs
	scopePerms  map[uuid.UUID][]uuid.UUID // scopeID -> permissionIDs

	codes          map[string]*store.AuthorizationCode // keyed by code
	accessTokens   map[uuid.UUID]*store.AccessToken
	refreshTokens  map[uuid.UUID]*store.RefreshToken
	blacklist      map[string]*store.BlacklistEntry
	consents       map[string]*store.ConsentGrant // userID|clientID
	sessions       map[uuid.UUID]*store.Session
	auditLog       []*store.AuditEntry
	signingKeys    []*store.SigningKey
	auditFailures  int
	failAuditWrite bool // test hook
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		clients:       make(map[string]*store.Client),
		users:         make(map[uuid.UUID]*store.User),
		roles:         make(map[uuid.UUID]*store.Role),
		permissions:   make(map[uuid.UUID]*store.Permission),
		scopes:        make(map[uuid.UUID]*store.Scope),
		userRoles:     make(map[uuid.UUID][]uuid.UUID),
		rolePerms:     make(map[uuid.UUID][]uuid.UUID),
		scopePerms:    make(map[uuid.UUID][]uuid.UUID),
		codes:         make(map[string]*store.AuthorizationCode),
		accessTokens:  make(map[uuid.UUID]*store.AccessToken),
		refreshTokens: make(map[uuid.UUID]*store.RefreshToken),
		blacklist:     make(map[string]*store.BlacklistEntry),
		consents:      make(map[string]*store.ConsentGrant),
		sessions:      make(map[uuid.UUID]*store.Session),
	}
}

var _ store.Store = (*Store)(nil)

// --- clients ---

func (s *Store) CreateClient(_ context.Context, c *store.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.clients[c.ClientID]; exists {
		return store.ErrDuplicate
	}
	cp := *c
	s.clients[c.ClientID] = &cp
	return nil
}

func (s *Store) FindClientByPublicID(_ context.Context, clientID string) (*store.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) UpdateClient(_ context.Context, c *store.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.ClientID]; !ok {
		return store.ErrNotFound
	}
	cp := *c
	cp.UpdatedAt = time.Now().UTC()
	s.clients[c.ClientID] = &cp
	return nil
}

// --- users ---

func (s *Store) CreateUser(_ context.Context, u *store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username || existing.Email == strings.ToLower(u.Email) {
			return store.ErrDuplicate
		}
	}
	cp := *u
	cp.Email = strings.ToLower(u.Email)
	s.users[u.ID] = &cp
	return nil
}

func (s *Store) FindUserByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) FindUserByUsername(_ context.Context, username string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindUserByEmail(_ context.Context, email string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = strings.ToLower(email)
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpdateUserPassword(_ context.Context, id uuid.UUID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.PasswordHash = hash
	u.MustChangePassword = false
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) SetUserMFA(_ context.Context, id uuid.UUID, enabled bool, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.MFAEnabled = enabled
	u.MFASecret = secret
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) RecordLoginFailure(_ context.Context, id uuid.UUID, maxAttempts int, lockFor time.Duration, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return false, store.ErrNotFound
	}
	u.FailedLoginAttempts++
	if u.FailedLoginAttempts >= maxAttempts {
		until := now.Add(lockFor)
		u.LockedUntil = &until
		u.FailedLoginAttempts = 0
		return true, nil
	}
	return false, nil
}

func (s *Store) RecordLoginSuccess(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	u.LastLoginAt = &at
	return nil
}

// --- rbac graph ---

func (s *Store) CreateRole(_ context.Context, r *store.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.roles[r.ID] = &cp
	return nil
}

func (s *Store) CreatePermission(_ context.Context, p *store.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.permissions[p.ID] = &cp
	return nil
}

func (s *Store) CreateScope(_ context.Context, sc *store.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sc
	s.scopes[sc.ID] = &cp
	return nil
}

func (s *Store) SetRoleActive(_ context.Context, id uuid.UUID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return store.ErrNotFound
	}
	r.IsActive = active
	return nil
}

func (s *Store) SetPermissionActive(_ context.Context, id uuid.UUID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permissions[id]
	if !ok {
		return store.ErrNotFound
	}
	p.IsActive = active
	return nil
}

func (s *Store) SetScopeActive(_ context.Context, id uuid.UUID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scopes[id]
	if !ok {
		return store.ErrNotFound
	}
	sc.IsActive = active
	return nil
}

func (s *Store) AssignRoleToUser(_ context.Context, userID, roleID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.userRoles[userID], roleID) {
		s.userRoles[userID] = append(s.userRoles[userID], roleID)
	}
	return nil
}

func (s *Store) RemoveRoleFromUser(_ context.Context, userID, roleID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userRoles[userID] = slices.DeleteFunc(s.userRoles[userID], func(id uuid.UUID) bool {
		return id == roleID
	})
	return nil
}

func (s *Store) GrantPermissionToRole(_ context.Context, roleID, permissionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.rolePerms[roleID], permissionID) {
		s.rolePerms[roleID] = append(s.rolePerms[roleID], permissionID)
	}
	return nil
}

func (s *Store) RevokePermissionFromRole(_ context.Context, roleID, permissionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolePerms[roleID] = slices.DeleteFunc(s.rolePerms[roleID], func(id uuid.UUID) bool {
		return id == permissionID
	})
	return nil
}

func (s *Store) MapScopeToPermission(_ context.Context, scopeID, permissionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.scopePerms[scopeID], permissionID) {
		s.scopePerms[scopeID] = append(s.scopePerms[scopeID], permissionID)
	}
	return nil
}

func (s *Store) EffectivePermissionNames(_ context.Context, userID uuid.UUID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{})
	for _, roleID := range s.userRoles[userID] {
		role, ok := s.roles[roleID]
		if !ok || !role.IsActive {
			continue
		}
		for _, permID := range s.rolePerms[roleID] {
			perm, ok := s.permissions[permID]
			if !ok || !perm.IsActive {
				continue
			}
			set[perm.Name] = struct{}{}
		}
	}
	return sortedNames(set), nil
}

func (s *Store) PermissionNamesForScopes(_ context.Context, scopes []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{})
	for _, name := range scopes {
		for scopeID, sc := range s.scopes {
			if sc.Name != name || !sc.IsActive {
				continue
			}
			for _, permID := range s.scopePerms[scopeID] {
				perm, ok := s.permissions[permID]
				if !ok || !perm.IsActive {
					continue
				}
				set[perm.Name] = struct{}{}
			}
		}
	}
	return sortedNames(set), nil
}

func (s *Store) ActiveScopeNames(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{})
	for _, sc := range s.scopes {
		if sc.IsActive {
			set[sc.Name] = struct{}{}
		}
	}
	return sortedNames(set), nil
}

func sortedNames(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// --- authorization codes ---

func (s *Store) CreateAuthorizationCode(_ context.Context, code *store.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.codes[code.Code]; exists {
		return store.ErrDuplicate
	}
	cp := *code
	s.codes[code.Code] = &cp
	return nil
}

func (s *Store) ConsumeAuthorizationCode(_ context.Context, code string) (*store.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.codes[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	prior := *row
	if row.Used {
		return &prior, store.ErrAlreadyUsed
	}
	row.Used = true
	return &prior, nil
}

func (s *Store) DeleteExpiredCodes(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for code, row := range s.codes {
		if !now.Before(row.ExpiresAt) {
			delete(s.codes, code)
			n++
		}
	}
	return n, nil
}

// --- access tokens ---

func (s *Store) CreateAccessToken(_ context.Context, t *store.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.accessTokens[t.ID] = &cp
	return nil
}

func (s *Store) FindAccessTokenByJTI(_ context.Context, jti string) (*store.AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.accessTokens {
		if t.JTI == jti {
			cp := *t
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindAccessTokenByHash(_ context.Context, hash string) (*store.AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.accessTokens {
		if t.TokenHash == hash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) RevokeAccessToken(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.accessTokens[id]
	if !ok {
		return store.ErrNotFound
	}
	t.IsRevoked = true
	return nil
}

// --- refresh tokens ---

func (s *Store) CreateRefreshToken(_ context.Context, t *store.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.refreshTokens[t.ID] = &cp
	return nil
}

func (s *Store) FindRefreshTokenByHash(_ context.Context, hash string) (*store.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.refreshTokens {
		if t.TokenHash == hash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) RotateRefreshToken(_ context.Context, currentID uuid.UUID, next *store.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.refreshTokens[currentID]
	if !ok {
		return store.ErrNotFound
	}
	if current.IsRevoked {
		return store.ErrAlreadyRotated
	}
	now := time.Now().UTC()
	current.IsRevoked = true
	current.RevokedAt = &now
	cp := *next
	s.refreshTokens[next.ID] = &cp
	return nil
}

func (s *Store) RevokeRefreshToken(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.refreshTokens[id]
	if !ok {
		return store.ErrNotFound
	}
	if !t.IsRevoked {
		now := time.Now().UTC()
		t.IsRevoked = true
		t.RevokedAt = &now
	}
	return nil
}

func (s *Store) RevokeRefreshFamily(_ context.Context, familyID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for _, t := range s.refreshTokens {
		if t.FamilyID == familyID && !t.IsRevoked {
			t.IsRevoked = true
			t.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

func (s *Store) RevokeTokensForCode(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, t := range s.accessTokens {
		if t.Code == code {
			t.IsRevoked = true
		}
	}
	for _, t := range s.refreshTokens {
		if t.Code == code && !t.IsRevoked {
			t.IsRevoked = true
			t.RevokedAt = &now
		}
	}
	return nil
}

func (s *Store) DeleteExpiredTokens(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.accessTokens {
		if !now.Before(t.ExpiresAt) {
			delete(s.accessTokens, id)
			n++
		}
	}
	for id, t := range s.refreshTokens {
		if !now.Before(t.ExpiresAt) {
			delete(s.refreshTokens, id)
			n++
		}
	}
	return n, nil
}

// --- blacklist ---

func (s *Store) BlacklistJTI(_ context.Context, jti string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blacklist[jti]; exists {
		return nil
	}
	s.blacklist[jti] = &store.BlacklistEntry{
		JTI:       jti,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

func (s *Store) IsBlacklisted(_ context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blacklist[jti]
	return ok, nil
}

func (s *Store) PruneBlacklist(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for jti, e := range s.blacklist {
		if now.After(e.ExpiresAt) {
			delete(s.blacklist, jti)
			n++
		}
	}
	return n, nil
}

// --- consent grants ---

func consentKey(userID uuid.UUID, clientID string) string {
	return userID.String() + "|" + clientID
}

func (s *Store) UpsertConsent(_ context.Context, g *store.ConsentGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := consentKey(g.UserID, g.ClientID)
	existing, ok := s.consents[key]
	if !ok || existing.RevokedAt != nil {
		cp := *g
		cp.Scopes = slices.Clone(g.Scopes)
		cp.RevokedAt = nil
		s.consents[key] = &cp
		return nil
	}
	for _, scope := range g.Scopes {
		if !slices.Contains(existing.Scopes, scope) {
			existing.Scopes = append(existing.Scopes, scope)
		}
	}
	existing.GrantedAt = g.GrantedAt
	existing.ExpiresAt = g.ExpiresAt
	return nil
}

func (s *Store) FindConsent(_ context.Context, userID uuid.UUID, clientID string) (*store.ConsentGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.consents[consentKey(userID, clientID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *g
	cp.Scopes = slices.Clone(g.Scopes)
	return &cp, nil
}

func (s *Store) RevokeConsent(_ context.Context, userID uuid.UUID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.consents[consentKey(userID, clientID)]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	g.RevokedAt = &now
	return nil
}

// --- sessions ---

func (s *Store) CreateSession(_ context.Context, sess *store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *Store) FindSessionByID(_ context.Context, id uuid.UUID) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) FindSessionByTokenHash(_ context.Context, hash string) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.TokenHash == hash {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) RevokeSession(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.IsActive = false
	return nil
}

func (s *Store) RevokeUserSessions(_ context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			sess.IsActive = false
		}
	}
	return nil
}

func (s *Store) DeleteExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sess := range s.sessions {
		if !now.Before(sess.ExpiresAt) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

// --- audit log ---

func (s *Store) AppendAudit(_ context.Context, e *store.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAuditWrite {
		s.auditFailures++
		return store.ErrNotFound
	}
	cp := *e
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	s.auditLog = append(s.auditLog, &cp)
	return nil
}

// AuditEntries returns a copy of the audit log for assertions in tests.
func (s *Store) AuditEntries() []store.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.AuditEntry, len(s.auditLog))
	for i, e := range s.auditLog {
		out[i] = *e
	}
	return out
}

// FailAuditWrites makes AppendAudit fail, for testing the logging fallback.
func (s *Store) FailAuditWrites(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAuditWrite = fail
}

// --- signing keys ---

func (s *Store) InsertSigningKey(_ context.Context, k *store.SigningKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *k
	s.signingKeys = append(s.signingKeys, &cp)
	return nil
}

func (s *Store) ActiveSigningKey(_ context.Context) (*store.SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.signingKeys) - 1; i >= 0; i-- {
		if s.signingKeys[i].Status == store.KeyStatusActive {
			cp := *s.signingKeys[i]
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListSigningKeys(_ context.Context) ([]store.SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.SigningKey, 0, len(s.signingKeys))
	for i := len(s.signingKeys) - 1; i >= 0; i-- {
		out = append(out, *s.signingKeys[i])
	}
	return out, nil
}

func (s *Store) RotateSigningKeys(_ context.Context, next *store.SigningKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, k := range s.signingKeys {
		if k.Status == store.KeyStatusActive {
			k.Status = store.KeyStatusRetired
			k.RotatedAt = &now
		}
	}
	cp := *next
	cp.Status = store.KeyStatusActive
	s.signingKeys = append(s.signingKeys, &cp)
	return nil
}

func (s *Store) DeleteRetiredKeysBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	kept := s.signingKeys[:0]
	for _, k := range s.signingKeys {
		if k.Status == store.KeyStatusRetired && k.RotatedAt != nil && k.RotatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, k)
	}
	s.signingKeys = kept
	return n, nil
}
