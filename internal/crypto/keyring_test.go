package crypto

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/identra/identra/internal/store"
	"github.com/identra/identra/internal/store/memory"
)

func TestKeyManager_BootstrapsOnEmptyStore(t *testing.T) {
	db := memory.New()
	km, err := NewKeyManager(db, nil, "RS256")
	require.NoError(t, err)
	require.NoError(t, km.Load(context.Background()))

	assert.NotEmpty(t, km.Signer().ActiveKid())
	assert.Len(t, km.Signer().PublishedKeys(), 1)

	active, err := db.ActiveSigningKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, km.Signer().ActiveKid(), active.Kid)
}

func TestKeyManager_RotateKeepsOldKeyVerifying(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	km, err := NewKeyManager(db, nil, "RS256")
	require.NoError(t, err)
	require.NoError(t, km.Load(ctx))

	oldKid := km.Signer().ActiveKid()
	token, err := km.Signer().Sign(jwt.MapClaims{
		"iss": "https://auth.example.com",
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	require.NoError(t, km.Rotate(ctx))
	newKid := km.Signer().ActiveKid()
	assert.NotEqual(t, oldKid, newKid)

	// Token signed under the retired key still verifies.
	var claims jwt.MapClaims
	assert.NoError(t, km.Signer().Verify(token, &claims, VerifyOptions{}))

	// The retired key stays published for JWKS consumers.
	kids := make(map[string]bool)
	for _, k := range km.Signer().PublishedKeys() {
		kids[k.Kid] = true
	}
	assert.True(t, kids[oldKid])
	assert.True(t, kids[newKid])
}

func TestKeyManager_PruneRetiredDropsExpiredKeys(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	km, err := NewKeyManager(db, nil, "RS256")
	require.NoError(t, err)
	require.NoError(t, km.Load(ctx))

	oldKid := km.Signer().ActiveKid()
	require.NoError(t, km.Rotate(ctx))
	require.Len(t, km.Signer().PublishedKeys(), 2)

	// Pruning as of far in the future: every token the retired key could
	// have signed is long expired.
	require.NoError(t, km.PruneRetired(ctx, time.Hour, time.Now().Add(72*time.Hour)))

	keys := km.Signer().PublishedKeys()
	require.Len(t, keys, 1)
	assert.NotEqual(t, oldKid, keys[0].Kid)
}

func TestKeyManager_SealedKeysRoundtrip(t *testing.T) {
	ctx := context.Background()
	keyHex, err := GenerateSealKey()
	require.NoError(t, err)
	sealer, err := NewSealer(keyHex)
	require.NoError(t, err)

	db := memory.New()
	km, err := NewKeyManager(db, sealer, "ES256")
	require.NoError(t, err)
	require.NoError(t, km.Load(ctx))

	// The stored private PEM must be sealed, not plaintext.
	active, err := db.ActiveSigningKey(ctx)
	require.NoError(t, err)
	assert.NotContains(t, active.PrivatePEM, "PRIVATE KEY")

	// A second manager with the same seal key can load and sign.
	km2, err := NewKeyManager(db, sealer, "ES256")
	require.NoError(t, err)
	require.NoError(t, km2.Load(ctx))
	_, err = km2.Signer().Sign(jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Minute).Unix()})
	assert.NoError(t, err)
}

func TestKeyManager_ConcurrentRotateSingleActive(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	km, err := NewKeyManager(db, nil, "RS256")
	require.NoError(t, err)
	require.NoError(t, km.Load(ctx))

	require.NoError(t, km.Rotate(ctx))
	require.NoError(t, km.Rotate(ctx))

	all, err := db.ListSigningKeys(ctx)
	require.NoError(t, err)
	var active int
	for _, k := range all {
		if k.Status == store.KeyStatusActive {
			active++
		}
	}
	assert.Equal(t, 1, active)
}
