package rbac_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/identra/identra/internal/rbac"
	"github.com/identra/identra/internal/store"
	"github.com/identra/identra/internal/store/memory"
)

// seedGraph builds user -> admins -> {users:read, users:write}, with a
// second inactive role granting audit:read.
func seedGraph(t *testing.T) (*memory.Store, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	db := memory.New()

	user := &store.User{ID: uuid.New(), Username: "alice", Email: "alice@example.com", IsActive: true}
	require.NoError(t, db.CreateUser(ctx, user))

	admins := &store.Role{ID: uuid.New(), Name: "admins", IsActive: true}
	auditors := &store.Role{ID: uuid.New(), Name: "auditors", IsActive: false}
	require.NoError(t, db.CreateRole(ctx, admins))
	require.NoError(t, db.CreateRole(ctx, auditors))

	read := &store.Permission{ID: uuid.New(), Name: "users:read", IsActive: true}
	write := &store.Permission{ID: uuid.New(), Name: "users:write", IsActive: true}
	audit := &store.Permission{ID: uuid.New(), Name: "audit:read", IsActive: true}
	for _, p := range []*store.Permission{read, write, audit} {
		require.NoError(t, db.CreatePermission(ctx, p))
	}

	require.NoError(t, db.GrantPermissionToRole(ctx, admins.ID, read.ID))
	require.NoError(t, db.GrantPermissionToRole(ctx, admins.ID, write.ID))
	require.NoError(t, db.GrantPermissionToRole(ctx, auditors.ID, audit.ID))
	require.NoError(t, db.AssignRoleToUser(ctx, user.ID, admins.ID))
	require.NoError(t, db.AssignRoleToUser(ctx, user.ID, auditors.ID))

	return db, user.ID
}

func TestResolveUnionsActiveRolesOnly(t *testing.T) {
	db, userID := seedGraph(t)
	ev := rbac.NewEvaluator(db, nil, 0, nil)

	perms, err := ev.Resolve(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, []string{"users:read", "users:write"}, perms)
}

func TestResolveUnknownUserIsEmpty(t *testing.T) {
	db, _ := seedGraph(t)
	ev := rbac.NewEvaluator(db, nil, 0, nil)

	perms, err := ev.Resolve(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, perms)
}

func TestAllows(t *testing.T) {
	db, userID := seedGraph(t)
	ev := rbac.NewEvaluator(db, nil, 0, nil)
	ctx := context.Background()

	ok, err := ev.Allows(ctx, userID, "users:write")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.Allows(ctx, userID, "audit:read")
	require.NoError(t, err)
	assert.False(t, ok, "inactive role must not contribute")

	ok, err = ev.Allows(ctx, userID, "users:delete")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllowsBatchCoversEveryRequest(t *testing.T) {
	db, userID := seedGraph(t)
	ev := rbac.NewEvaluator(db, nil, 0, nil)

	got, err := ev.AllowsBatch(context.Background(), userID,
		[]string{"users:read", "users:delete", "audit:read"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{
		"users:read":   true,
		"users:delete": false,
		"audit:read":   false,
	}, got)
}

func TestPermissionsForScopes(t *testing.T) {
	ctx := context.Background()
	db := memory.New()

	perm := &store.Permission{ID: uuid.New(), Name: "profile:read", IsActive: true}
	require.NoError(t, db.CreatePermission(ctx, perm))
	scope := &store.Scope{ID: uuid.New(), Name: "profile", IsActive: true}
	require.NoError(t, db.CreateScope(ctx, scope))
	require.NoError(t, db.MapScopeToPermission(ctx, scope.ID, perm.ID))

	dead := &store.Scope{ID: uuid.New(), Name: "legacy", IsActive: false}
	require.NoError(t, db.CreateScope(ctx, dead))
	require.NoError(t, db.MapScopeToPermission(ctx, dead.ID, perm.ID))

	ev := rbac.NewEvaluator(db, nil, 0, nil)

	perms, err := ev.PermissionsForScopes(ctx, []string{"profile", "unknown"})
	require.NoError(t, err)
	assert.Equal(t, []string{"profile:read"}, perms)

	perms, err = ev.PermissionsForScopes(ctx, []string{"legacy"})
	require.NoError(t, err)
	assert.Empty(t, perms, "inactive scope grants nothing")
}

func TestMemoryCacheServesAndInvalidates(t *testing.T) {
	db, userID := seedGraph(t)
	ctx := context.Background()
	cache := rbac.NewMemoryCache()
	ev := rbac.NewEvaluator(db, cache, time.Minute, nil)

	perms, err := ev.Resolve(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, perms, 2)

	// Graph change is invisible until invalidation.
	extra := &store.Permission{ID: uuid.New(), Name: "users:delete", IsActive: true}
	require.NoError(t, db.CreatePermission(ctx, extra))
	role := &store.Role{ID: uuid.New(), Name: "deleters", IsActive: true}
	require.NoError(t, db.CreateRole(ctx, role))
	require.NoError(t, db.GrantPermissionToRole(ctx, role.ID, extra.ID))
	require.NoError(t, db.AssignRoleToUser(ctx, userID, role.ID))

	perms, err = ev.Resolve(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, perms, 2, "stale cached set expected before invalidation")

	ev.Invalidate(ctx, userID)
	perms, err = ev.Resolve(ctx, userID)
	require.NoError(t, err)
	assert.Contains(t, perms, "users:delete")
}

func TestRedisCacheRoundtrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	cache := rbac.NewRedisCache(client, nil)
	userID := uuid.New()

	_, ok := cache.Get(ctx, userID)
	assert.False(t, ok)

	cache.Set(ctx, userID, []string{"users:read"}, time.Minute)
	perms, ok := cache.Get(ctx, userID)
	require.True(t, ok)
	assert.Equal(t, []string{"users:read"}, perms)

	cache.Invalidate(ctx, userID)
	_, ok = cache.Get(ctx, userID)
	assert.False(t, ok)
}

func TestRedisCacheExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	cache := rbac.NewRedisCache(client, nil)
	userID := uuid.New()

	cache.Set(ctx, userID, []string{"users:read"}, time.Second)
	mr.FastForward(2 * time.Second)

	_, ok := cache.Get(ctx, userID)
	assert.False(t, ok)
}
