// Package clientauth authenticates OAuth clients at the token,
// introspection and revocation endpoints. All failures collapse into
// ErrInvalidClient so callers leak nothing about which step rejected.
package clientauth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/identra/identra/internal/crypto"
	"github.com/identra/identra/internal/store"
)

// ErrInvalidClient covers every authentication failure: unknown client,
// wrong secret, bad assertion, method mismatch.
var ErrInvalidClient = errors.New("clientauth: invalid client")

const assertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

var assertionAlgs = []string{"RS256", "PS256", "ES256"}

// Authenticator resolves and verifies the client behind a token-endpoint
// request.
type Authenticator struct {
	clients       store.ClientStore
	blacklist     store.BlacklistStore
	hasher        crypto.PasswordHasher
	jwks          *JWKSFetcher
	tokenEndpoint string
	now           func() time.Time
}

func New(clients store.ClientStore, blacklist store.BlacklistStore, hasher crypto.PasswordHasher, jwks *JWKSFetcher, tokenEndpoint string) *Authenticator {
	return &Authenticator{
		clients:       clients,
		blacklist:     blacklist,
		hasher:        hasher,
		jwks:          jwks,
		tokenEndpoint: tokenEndpoint,
		now:           time.Now,
	}
}

// credentials is what the request actually presented, before we know the
// client's registered method.
type credentials struct {
	clientID      string
	secret        string
	viaBasic      bool
	viaPost       bool
	assertion     string
	assertionType string
}

func extractCredentials(r *http.Request) (credentials, error) {
	var c credentials

	if id, secret, ok := r.BasicAuth(); ok {
		// RFC 6749 2.3.1: both values are form-urlencoded inside the
		// Basic header.
		decodedID, err := url.QueryUnescape(id)
		if err != nil {
			return c, ErrInvalidClient
		}
		decodedSecret, err := url.QueryUnescape(secret)
		if err != nil {
			return c, ErrInvalidClient
		}
		c.clientID = decodedID
		c.secret = decodedSecret
		c.viaBasic = true
		return c, nil
	}

	c.assertion = r.PostFormValue("client_assertion")
	c.assertionType = r.PostFormValue("client_assertion_type")
	if c.assertion != "" {
		return c, nil
	}

	c.clientID = r.PostFormValue("client_id")
	if secret := r.PostFormValue("client_secret"); secret != "" {
		c.secret = secret
		c.viaPost = true
	}
	if c.clientID == "" {
		return c, ErrInvalidClient
	}
	return c, nil
}

// Authenticate verifies the request's client credentials against the
// client's registered token_endpoint_auth_method and returns the client.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*store.Client, error) {
	creds, err := extractCredentials(r)
	if err != nil {
		return nil, err
	}

	if creds.assertion != "" {
		client, err := a.authenticateAssertion(ctx, creds)
		if err != nil {
			return nil, err
		}
		if !ipAllowed(client, r) {
			return nil, ErrInvalidClient
		}
		return client, nil
	}

	client, err := a.clients.FindClientByPublicID(ctx, creds.clientID)
	if err != nil || !client.IsActive {
		return nil, ErrInvalidClient
	}
	if !ipAllowed(client, r) {
		return nil, ErrInvalidClient
	}

	switch client.TokenEndpointAuthMethod {
	case store.AuthMethodBasic:
		if !creds.viaBasic {
			return nil, ErrInvalidClient
		}
		return a.checkSecret(client, creds.secret)
	case store.AuthMethodPost:
		if !creds.viaPost {
			return nil, ErrInvalidClient
		}
		return a.checkSecret(client, creds.secret)
	case store.AuthMethodNone:
		// Public client: presenting a secret at all is a protocol error.
		if creds.secret != "" {
			return nil, ErrInvalidClient
		}
		return client, nil
	case store.AuthMethodPrivateKeyJWT:
		// Registered for assertions but none was presented.
		return nil, ErrInvalidClient
	default:
		return nil, ErrInvalidClient
	}
}

// ipAllowed enforces the client's registered IP allowlist. Entries are
// single addresses or CIDR prefixes; an empty list allows everything.
// RemoteAddr is trusted here because the RealIP middleware has already
// resolved forwarding headers.
func ipAllowed(client *store.Client, r *http.Request) bool {
	if len(client.IPAllowlist) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	for _, entry := range client.IPAllowlist {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			if prefix.Contains(addr) {
				return true
			}
			continue
		}
		if allowed, err := netip.ParseAddr(entry); err == nil && allowed == addr {
			return true
		}
	}
	return false
}

func (a *Authenticator) checkSecret(client *store.Client, secret string) (*store.Client, error) {
	if secret == "" || client.ClientSecretHash == "" {
		return nil, ErrInvalidClient
	}
	if err := a.hasher.Compare(client.ClientSecretHash, secret); err != nil {
		return nil, ErrInvalidClient
	}
	return client, nil
}

func (a *Authenticator) authenticateAssertion(ctx context.Context, creds credentials) (*store.Client, error) {
	if creds.assertionType != assertionTypeJWTBearer {
		return nil, ErrInvalidClient
	}

	// Read the issuer without verification to locate the client, then
	// verify for real against its published keys.
	unverified := jwt.NewParser()
	var peek jwt.RegisteredClaims
	if _, _, err := unverified.ParseUnverified(creds.assertion, &peek); err != nil {
		return nil, ErrInvalidClient
	}
	if peek.Issuer == "" || peek.Issuer != peek.Subject {
		return nil, ErrInvalidClient
	}

	client, err := a.clients.FindClientByPublicID(ctx, peek.Issuer)
	if err != nil || !client.IsActive {
		return nil, ErrInvalidClient
	}
	if client.TokenEndpointAuthMethod != store.AuthMethodPrivateKeyJWT || client.JWKSURI == "" {
		return nil, ErrInvalidClient
	}

	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(creds.assertion, &claims,
		func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, ErrInvalidClient
			}
			return a.jwks.Key(ctx, client.JWKSURI, kid)
		},
		jwt.WithValidMethods(assertionAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithAudience(a.tokenEndpoint),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidClient
	}

	// One-time use: a replayed jti is an attack, not a retry.
	if claims.ID == "" {
		return nil, ErrInvalidClient
	}
	used, err := a.blacklist.IsBlacklisted(ctx, "assert:"+claims.ID)
	if err != nil || used {
		return nil, ErrInvalidClient
	}
	if err := a.blacklist.BlacklistJTI(ctx, "assert:"+claims.ID, claims.ExpiresAt.Time); err != nil {
		return nil, ErrInvalidClient
	}
	return client, nil
}
