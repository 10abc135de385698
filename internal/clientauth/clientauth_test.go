package clientauth_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/identra/identra/internal/clientauth"
	"github.com/identra/identra/internal/crypto"
	"github.com/identra/identra/internal/store"
	"github.com/identra/identra/internal/store/memory"
)

const tokenEndpoint = "https://auth.example.com/oauth/token"

func newAuthenticator(t *testing.T, db *memory.Store) *clientauth.Authenticator {
	t.Helper()
	return clientauth.New(db, db, crypto.NewBcryptHasher(),
		clientauth.NewJWKSFetcher(nil, time.Minute), tokenEndpoint)
}

func registerClient(t *testing.T, db *memory.Store, method, secret string) *store.Client {
	t.Helper()
	c := &store.Client{
		ID:                      uuid.New(),
		ClientID:                "client-" + method,
		Name:                    "Test Client",
		Type:                    store.ClientTypeConfidential,
		TokenEndpointAuthMethod: method,
		GrantTypes:              []string{store.GrantClientCredentials},
		IsActive:                true,
	}
	if method == store.AuthMethodNone {
		c.Type = store.ClientTypePublic
	}
	if secret != "" {
		hash, err := crypto.NewBcryptHasher().Hash(secret)
		require.NoError(t, err)
		c.ClientSecretHash = hash
	}
	require.NoError(t, db.CreateClient(context.Background(), c))
	return c
}

func formRequest(values url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, tokenEndpoint,
		strings.NewReader(values.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func TestBasicAuthentication(t *testing.T) {
	db := memory.New()
	c := registerClient(t, db, store.AuthMethodBasic, "s3cret")
	a := newAuthenticator(t, db)

	r := formRequest(url.Values{"grant_type": {"client_credentials"}})
	r.SetBasicAuth(url.QueryEscape(c.ClientID), url.QueryEscape("s3cret"))

	got, err := a.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, c.ClientID, got.ClientID)
}

func TestBasicRejectsWrongSecret(t *testing.T) {
	db := memory.New()
	c := registerClient(t, db, store.AuthMethodBasic, "s3cret")
	a := newAuthenticator(t, db)

	r := formRequest(url.Values{})
	r.SetBasicAuth(c.ClientID, "wrong")

	_, err := a.Authenticate(context.Background(), r)
	assert.ErrorIs(t, err, clientauth.ErrInvalidClient)
}

func TestBasicRejectsUnknownClient(t *testing.T) {
	db := memory.New()
	a := newAuthenticator(t, db)

	r := formRequest(url.Values{})
	r.SetBasicAuth("nobody", "secret")

	_, err := a.Authenticate(context.Background(), r)
	assert.ErrorIs(t, err, clientauth.ErrInvalidClient)
}

func TestMethodMismatchRejected(t *testing.T) {
	db := memory.New()
	c := registerClient(t, db, store.AuthMethodBasic, "s3cret")
	a := newAuthenticator(t, db)

	// Registered for basic, presented via post body.
	r := formRequest(url.Values{
		"client_id":     {c.ClientID},
		"client_secret": {"s3cret"},
	})
	_, err := a.Authenticate(context.Background(), r)
	assert.ErrorIs(t, err, clientauth.ErrInvalidClient)
}

func TestPostAuthentication(t *testing.T) {
	db := memory.New()
	c := registerClient(t, db, store.AuthMethodPost, "s3cret")
	a := newAuthenticator(t, db)

	r := formRequest(url.Values{
		"client_id":     {c.ClientID},
		"client_secret": {"s3cret"},
	})
	got, err := a.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, c.ClientID, got.ClientID)
}

func TestPublicClientNone(t *testing.T) {
	db := memory.New()
	c := registerClient(t, db, store.AuthMethodNone, "")
	a := newAuthenticator(t, db)

	r := formRequest(url.Values{"client_id": {c.ClientID}})
	got, err := a.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, c.ClientID, got.ClientID)
}

func TestPublicClientRejectsStraySecret(t *testing.T) {
	db := memory.New()
	c := registerClient(t, db, store.AuthMethodNone, "")
	a := newAuthenticator(t, db)

	r := formRequest(url.Values{
		"client_id":     {c.ClientID},
		"client_secret": {"surprise"},
	})
	_, err := a.Authenticate(context.Background(), r)
	assert.ErrorIs(t, err, clientauth.ErrInvalidClient)
}

func TestInactiveClientRejected(t *testing.T) {
	db := memory.New()
	c := registerClient(t, db, store.AuthMethodPost, "s3cret")
	c.IsActive = false
	require.NoError(t, db.UpdateClient(context.Background(), c))
	a := newAuthenticator(t, db)

	r := formRequest(url.Values{
		"client_id":     {c.ClientID},
		"client_secret": {"s3cret"},
	})
	_, err := a.Authenticate(context.Background(), r)
	assert.ErrorIs(t, err, clientauth.ErrInvalidClient)
}

// httptest.NewRequest stamps RemoteAddr as 192.0.2.1:1234.

func TestIPAllowlistAdmitsListedAddress(t *testing.T) {
	db := memory.New()
	c := registerClient(t, db, store.AuthMethodPost, "s3cret")
	c.IPAllowlist = []string{"192.0.2.1"}
	require.NoError(t, db.UpdateClient(context.Background(), c))
	a := newAuthenticator(t, db)

	r := formRequest(url.Values{
		"client_id":     {c.ClientID},
		"client_secret": {"s3cret"},
	})
	got, err := a.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, c.ClientID, got.ClientID)
}

func TestIPAllowlistMatchesCIDR(t *testing.T) {
	db := memory.New()
	c := registerClient(t, db, store.AuthMethodPost, "s3cret")
	c.IPAllowlist = []string{"192.0.2.0/24"}
	require.NoError(t, db.UpdateClient(context.Background(), c))
	a := newAuthenticator(t, db)

	r := formRequest(url.Values{
		"client_id":     {c.ClientID},
		"client_secret": {"s3cret"},
	})
	_, err := a.Authenticate(context.Background(), r)
	assert.NoError(t, err)
}

func TestIPAllowlistRejectsUnlistedAddress(t *testing.T) {
	db := memory.New()
	c := registerClient(t, db, store.AuthMethodPost, "s3cret")
	c.IPAllowlist = []string{"10.0.0.0/8", "203.0.113.7"}
	require.NoError(t, db.UpdateClient(context.Background(), c))
	a := newAuthenticator(t, db)

	// Correct secret, wrong source address.
	r := formRequest(url.Values{
		"client_id":     {c.ClientID},
		"client_secret": {"s3cret"},
	})
	_, err := a.Authenticate(context.Background(), r)
	assert.ErrorIs(t, err, clientauth.ErrInvalidClient)
}

func TestJWKSFetchHonorsDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	f := clientauth.NewJWKSFetcher(nil, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := f.Key(ctx, srv.URL, "kid")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func signAssertion(t *testing.T, key *rsa.PrivateKey, kid, clientID, audience, jti string, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ID:        jti,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestPrivateKeyJWT(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwk, err := crypto.BuildJWK("client-key-1", "RS256", &key.PublicKey)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(crypto.JWKS{Keys: []crypto.JWK{jwk}})
	}))
	defer srv.Close()

	db := memory.New()
	c := registerClient(t, db, store.AuthMethodPrivateKeyJWT, "")
	c.JWKSURI = srv.URL
	require.NoError(t, db.UpdateClient(context.Background(), c))
	a := newAuthenticator(t, db)

	assertion := signAssertion(t, key, "client-key-1", c.ClientID,
		tokenEndpoint, uuid.NewString(), time.Now().Add(time.Minute))
	r := formRequest(url.Values{
		"client_assertion":      {assertion},
		"client_assertion_type": {"urn:ietf:params:oauth:client-assertion-type:jwt-bearer"},
	})
	got, err := a.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, c.ClientID, got.ClientID)
}

func TestPrivateKeyJWTRejectsReplay(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwk, err := crypto.BuildJWK("client-key-1", "RS256", &key.PublicKey)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(crypto.JWKS{Keys: []crypto.JWK{jwk}})
	}))
	defer srv.Close()

	db := memory.New()
	c := registerClient(t, db, store.AuthMethodPrivateKeyJWT, "")
	c.JWKSURI = srv.URL
	require.NoError(t, db.UpdateClient(context.Background(), c))
	a := newAuthenticator(t, db)

	assertion := signAssertion(t, key, "client-key-1", c.ClientID,
		tokenEndpoint, uuid.NewString(), time.Now().Add(time.Minute))
	values := url.Values{
		"client_assertion":      {assertion},
		"client_assertion_type": {"urn:ietf:params:oauth:client-assertion-type:jwt-bearer"},
	}

	_, err = a.Authenticate(context.Background(), formRequest(values))
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background(), formRequest(values))
	assert.ErrorIs(t, err, clientauth.ErrInvalidClient)
}

func TestPrivateKeyJWTRejectsBadAudience(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwk, err := crypto.BuildJWK("client-key-1", "RS256", &key.PublicKey)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(crypto.JWKS{Keys: []crypto.JWK{jwk}})
	}))
	defer srv.Close()

	db := memory.New()
	c := registerClient(t, db, store.AuthMethodPrivateKeyJWT, "")
	c.JWKSURI = srv.URL
	require.NoError(t, db.UpdateClient(context.Background(), c))
	a := newAuthenticator(t, db)

	assertion := signAssertion(t, key, "client-key-1", c.ClientID,
		"https://other.example.com/token", uuid.NewString(), time.Now().Add(time.Minute))
	r := formRequest(url.Values{
		"client_assertion":      {assertion},
		"client_assertion_type": {"urn:ietf:params:oauth:client-assertion-type:jwt-bearer"},
	})
	_, err = a.Authenticate(context.Background(), r)
	assert.ErrorIs(t, err, clientauth.ErrInvalidClient)
}
