package oauth_test

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/identra/identra/internal/audit"
	"github.com/identra/identra/internal/config"
	"github.com/identra/identra/internal/crypto"
	"github.com/identra/identra/internal/metrics"
	"github.com/identra/identra/internal/oauth"
	"github.com/identra/identra/internal/rbac"
	"github.com/identra/identra/internal/session"
	"github.com/identra/identra/internal/store"
	"github.com/identra/identra/internal/store/memory"
)

// RFC 7636 appendix B vector.
const (
	pkceVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	pkceChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

type env struct {
	db      *memory.Store
	svc     *oauth.Service
	signer  *crypto.Signer
	cfg     *config.Config
	user    *store.User
	client  *store.Client
	authCtx *session.AuthContext
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	db := memory.New()

	km, err := crypto.NewKeyManager(db, nil, "RS256")
	require.NoError(t, err)
	require.NoError(t, km.Load(ctx))

	cfg := &config.Config{
		Issuer:               "https://auth.example.com",
		LoginURL:             "https://auth.example.com/login",
		ConsentURL:           "https://auth.example.com/consent",
		JWTAlgorithm:         "RS256",
		AccessTokenTTL:       time.Hour,
		RefreshTokenTTL:      30 * 24 * time.Hour,
		AuthorizationCodeTTL: 10 * time.Minute,
	}

	for _, name := range []string{"openid", "profile", "email"} {
		require.NoError(t, db.CreateScope(ctx, &store.Scope{
			ID: uuid.New(), Name: name, IsActive: true,
		}))
	}

	client := &store.Client{
		ID:            uuid.New(),
		ClientID:      "c1",
		Name:          "App",
		Type:          store.ClientTypePublic,
		RedirectURIs:  []string{"https://app/cb"},
		AllowedScopes: []string{"openid", "profile"},
		GrantTypes: []string{
			store.GrantAuthorizationCode, store.GrantRefreshToken,
		},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: store.AuthMethodNone,
		RequirePKCE:             true,
		IsActive:                true,
	}
	require.NoError(t, db.CreateClient(ctx, client))

	user := &store.User{
		ID:            uuid.New(),
		Username:      "u1",
		Email:         "u1@example.com",
		FirstName:     "Uma",
		LastName:      "One",
		IsActive:      true,
		EmailVerified: true,
	}
	require.NoError(t, db.CreateUser(ctx, user))

	eval := rbac.NewEvaluator(db, nil, 0, nil)
	svc := oauth.NewService(db, eval, km.Signer(), nil, metrics.New(), cfg, nil)

	return &env{
		db:     db,
		svc:    svc,
		signer: km.Signer(),
		cfg:    cfg,
		user:   user,
		client: client,
		authCtx: &session.AuthContext{
			User:      user,
			SessionID: uuid.New(),
			AuthTime:  time.Now().UTC(),
		},
	}
}

func (e *env) authorizeReq() oauth.AuthorizeRequest {
	return oauth.AuthorizeRequest{
		ClientID:            "c1",
		RedirectURI:         "https://app/cb",
		ResponseType:        "code",
		Scope:               "openid profile",
		State:               "xyz",
		CodeChallenge:       pkceChallenge,
		CodeChallengeMethod: "S256",
	}
}

// authorize runs the happy authorize step and extracts the minted code.
func (e *env) authorize(t *testing.T) string {
	t.Helper()
	loc, err := e.svc.Authorize(context.Background(), e.authorizeReq(), e.authCtx)
	require.NoError(t, err)
	u, err := url.Parse(loc)
	require.NoError(t, err)
	require.Equal(t, "https://app/cb", u.Scheme+"://"+u.Host+u.Path)
	require.Equal(t, "xyz", u.Query().Get("state"))
	code := u.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func (e *env) exchange(t *testing.T, code string) *oauth.TokenResponse {
	t.Helper()
	resp, err := e.svc.Token(context.Background(), e.client, oauth.TokenRequest{
		GrantType:    store.GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://app/cb",
		CodeVerifier: pkceVerifier,
	})
	require.NoError(t, err)
	return resp
}

func TestHappyPathCodeWithPKCE(t *testing.T) {
	e := newEnv(t)
	code := e.authorize(t)
	resp := e.exchange(t, code)

	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	assert.Equal(t, "openid profile", resp.Scope)
	assert.NotEmpty(t, resp.RefreshToken)

	// The access token verifies against the published keys.
	var claims crypto.AccessClaims
	require.NoError(t, e.signer.Verify(resp.AccessToken, &claims,
		crypto.VerifyOptions{Issuer: e.cfg.Issuer, Audience: "c1"}))
	assert.Equal(t, e.user.ID.String(), claims.Subject)
	assert.Equal(t, "c1", claims.ClientID)
	assert.Equal(t, "openid profile", claims.Scope)

	var idClaims crypto.IDClaims
	require.NoError(t, e.signer.Verify(resp.IDToken, &idClaims,
		crypto.VerifyOptions{Issuer: e.cfg.Issuer, Audience: "c1"}))
	assert.Equal(t, e.user.ID.String(), idClaims.Subject)
	assert.Empty(t, idClaims.Nonce)
	assert.NotZero(t, idClaims.AuthTime)
	assert.Equal(t, "u1", idClaims.PreferredUser, "profile scope releases profile claims")
	assert.Empty(t, idClaims.Email, "email scope was not granted")
}

func TestPKCEMismatchBurnsCode(t *testing.T) {
	e := newEnv(t)
	code := e.authorize(t)

	_, err := e.svc.Token(context.Background(), e.client, oauth.TokenRequest{
		GrantType:    store.GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://app/cb",
		CodeVerifier: "wrong-verifier-wrong-verifier-wrong-verifier",
	})
	var oerr *oauth.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, oauth.ErrCodeInvalidGrant, oerr.Code)

	// The code is consumed; a correct retry must not succeed.
	_, err = e.svc.Token(context.Background(), e.client, oauth.TokenRequest{
		GrantType:    store.GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://app/cb",
		CodeVerifier: pkceVerifier,
	})
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, oauth.ErrCodeInvalidGrant, oerr.Code)
}

func TestDoubleExchangeRevokesIssuedTokens(t *testing.T) {
	e := newEnv(t)
	code := e.authorize(t)
	resp := e.exchange(t, code)

	_, err := e.svc.Token(context.Background(), e.client, oauth.TokenRequest{
		GrantType:    store.GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://app/cb",
		CodeVerifier: pkceVerifier,
	})
	var oerr *oauth.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, oauth.ErrCodeInvalidGrant, oerr.Code)

	// Tokens from the first exchange are dead.
	_, err = e.svc.ValidateBearer(context.Background(), resp.AccessToken)
	assert.ErrorIs(t, err, oauth.ErrInvalidToken)
	_, err = e.svc.Token(context.Background(), e.client, oauth.TokenRequest{
		GrantType:    store.GrantRefreshToken,
		RefreshToken: resp.RefreshToken,
	})
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, oauth.ErrCodeInvalidGrant, oerr.Code)
}

func TestRedirectURIMismatchAtExchange(t *testing.T) {
	e := newEnv(t)
	code := e.authorize(t)

	_, err := e.svc.Token(context.Background(), e.client, oauth.TokenRequest{
		GrantType:    store.GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://app/other",
		CodeVerifier: pkceVerifier,
	})
	var oerr *oauth.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, oauth.ErrCodeInvalidGrant, oerr.Code)
}

func TestExpiredCodeRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Seed a code whose expiry is exactly now: the boundary is exclusive.
	expired := &store.AuthorizationCode{
		Code:        "expired-code",
		ClientID:    "c1",
		UserID:      e.user.ID,
		RedirectURI: "https://app/cb",
		Scope:       "openid",
		AuthTime:    time.Now().UTC(),
		ExpiresAt:   time.Now().UTC(),
		CreatedAt:   time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, e.db.CreateAuthorizationCode(ctx, expired))

	_, err := e.svc.Token(ctx, e.client, oauth.TokenRequest{
		GrantType:   store.GrantAuthorizationCode,
		Code:        "expired-code",
		RedirectURI: "https://app/cb",
	})
	var oerr *oauth.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, oauth.ErrCodeInvalidGrant, oerr.Code)
}

func TestRefreshRotationAndReplay(t *testing.T) {
	e := newEnv(t)
	code := e.authorize(t)
	first := e.exchange(t, code)
	ctx := context.Background()

	rotated, err := e.svc.Token(ctx, e.client, oauth.TokenRequest{
		GrantType:    store.GrantRefreshToken,
		RefreshToken: first.RefreshToken,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rotated.AccessToken)
	assert.NotEqual(t, first.RefreshToken, rotated.RefreshToken)
	assert.Equal(t, "openid profile", rotated.Scope)

	// Replay of the consumed token revokes the successor too.
	_, err = e.svc.Token(ctx, e.client, oauth.TokenRequest{
		GrantType:    store.GrantRefreshToken,
		RefreshToken: first.RefreshToken,
	})
	var oerr *oauth.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, oauth.ErrCodeInvalidGrant, oerr.Code)

	_, err = e.svc.Token(ctx, e.client, oauth.TokenRequest{
		GrantType:    store.GrantRefreshToken,
		RefreshToken: rotated.RefreshToken,
	})
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, oauth.ErrCodeInvalidGrant, oerr.Code, "family revocation reaches the successor")
}

func TestRefreshScopeNarrowing(t *testing.T) {
	e := newEnv(t)
	code := e.authorize(t)
	first := e.exchange(t, code)
	ctx := context.Background()

	narrowed, err := e.svc.Token(ctx, e.client, oauth.TokenRequest{
		GrantType:    store.GrantRefreshToken,
		RefreshToken: first.RefreshToken,
		Scope:        "openid",
	})
	require.NoError(t, err)
	assert.Equal(t, "openid", narrowed.Scope)

	// Widening past the original grant is refused.
	_, err = e.svc.Token(ctx, e.client, oauth.TokenRequest{
		GrantType:    store.GrantRefreshToken,
		RefreshToken: narrowed.RefreshToken,
		Scope:        "openid profile email",
	})
	var oerr *oauth.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, oauth.ErrCodeInvalidScope, oerr.Code)
}

func TestRefreshWrongClient(t *testing.T) {
	e := newEnv(t)
	code := e.authorize(t)
	first := e.exchange(t, code)
	ctx := context.Background()

	other := &store.Client{
		ID:                      uuid.New(),
		ClientID:                "c2",
		Type:                    store.ClientTypeConfidential,
		GrantTypes:              []string{store.GrantRefreshToken},
		TokenEndpointAuthMethod: store.AuthMethodBasic,
		IsActive:                true,
	}
	require.NoError(t, e.db.CreateClient(ctx, other))

	_, err := e.svc.Token(ctx, other, oauth.TokenRequest{
		GrantType:    store.GrantRefreshToken,
		RefreshToken: first.RefreshToken,
	})
	var oerr *oauth.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, oauth.ErrCodeInvalidGrant, oerr.Code)
}

func TestRevokeThenIntrospect(t *testing.T) {
	e := newEnv(t)
	code := e.authorize(t)
	resp := e.exchange(t, code)
	ctx := context.Background()

	active := e.svc.Introspect(ctx, e.client, resp.AccessToken, "access_token", "", "")
	require.True(t, active.Active)
	assert.Equal(t, e.user.ID.String(), active.Sub)
	assert.Equal(t, "c1", active.ClientID)
	assert.Equal(t, "access_token", active.TokenType)

	e.svc.Revoke(ctx, e.client, resp.AccessToken, "access_token", "", "")

	after := e.svc.Introspect(ctx, e.client, resp.AccessToken, "access_token", "", "")
	assert.False(t, after.Active)
	assert.Empty(t, after.JTI, "inactive response carries no metadata")

	blacklisted, err := e.db.IsBlacklisted(ctx, active.JTI)
	require.NoError(t, err)
	assert.True(t, blacklisted)
}

func TestRevokeIsIdempotentAndSilent(t *testing.T) {
	e := newEnv(t)
	code := e.authorize(t)
	resp := e.exchange(t, code)
	ctx := context.Background()

	// Unknown token, double revoke: all silent no-ops.
	e.svc.Revoke(ctx, e.client, "never-issued", "", "", "")
	e.svc.Revoke(ctx, e.client, resp.AccessToken, "", "", "")
	e.svc.Revoke(ctx, e.client, resp.AccessToken, "", "", "")
}

func TestRevokeRefreshKillsFamily(t *testing.T) {
	e := newEnv(t)
	code := e.authorize(t)
	resp := e.exchange(t, code)
	ctx := context.Background()

	e.svc.Revoke(ctx, e.client, resp.RefreshToken, "refresh_token", "", "")

	_, err := e.svc.Token(ctx, e.client, oauth.TokenRequest{
		GrantType:    store.GrantRefreshToken,
		RefreshToken: resp.RefreshToken,
	})
	var oerr *oauth.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, oauth.ErrCodeInvalidGrant, oerr.Code)
}

func TestIntrospectRefreshToken(t *testing.T) {
	e := newEnv(t)
	code := e.authorize(t)
	resp := e.exchange(t, code)

	out := e.svc.Introspect(context.Background(), e.client, resp.RefreshToken, "refresh_token", "", "")
	require.True(t, out.Active)
	assert.Equal(t, "refresh_token", out.TokenType)
	assert.Equal(t, e.user.ID.String(), out.Sub)
}

func TestIntrospectHintIsAdvisory(t *testing.T) {
	e := newEnv(t)
	code := e.authorize(t)
	resp := e.exchange(t, code)

	// Wrong hint still finds the token.
	out := e.svc.Introspect(context.Background(), e.client, resp.AccessToken, "refresh_token", "", "")
	assert.True(t, out.Active)
	assert.Equal(t, "access_token", out.TokenType)
}

func TestUnknownClientNoRedirect(t *testing.T) {
	e := newEnv(t)
	req := e.authorizeReq()
	req.ClientID = "nope"

	_, err := e.svc.Authorize(context.Background(), req, e.authCtx)
	var oerr *oauth.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, oauth.ErrCodeUnauthorizedClient, oerr.Code)
}

func TestEvilRedirectNoRedirect(t *testing.T) {
	e := newEnv(t)
	req := e.authorizeReq()
	req.RedirectURI = "https://evil/cb"

	_, err := e.svc.Authorize(context.Background(), req, e.authCtx)
	var oerr *oauth.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, oauth.ErrCodeInvalidRequest, oerr.Code)
	assert.Equal(t, "Invalid redirect_uri", oerr.Description)
}

func TestUnknownScopeRedirectsWithError(t *testing.T) {
	e := newEnv(t)
	req := e.authorizeReq()
	req.Scope = "openid bogus"

	loc, err := e.svc.Authorize(context.Background(), req, e.authCtx)
	require.NoError(t, err)
	u, _ := url.Parse(loc)
	assert.Equal(t, "invalid_scope", u.Query().Get("error"))
	assert.Equal(t, "xyz", u.Query().Get("state"))
	assert.True(t, strings.HasPrefix(loc, "https://app/cb"))
}

func TestMissingPKCERejectedForPublicClient(t *testing.T) {
	e := newEnv(t)
	req := e.authorizeReq()
	req.CodeChallenge = ""
	req.CodeChallengeMethod = ""

	loc, err := e.svc.Authorize(context.Background(), req, e.authCtx)
	require.NoError(t, err)
	u, _ := url.Parse(loc)
	assert.Equal(t, "invalid_request", u.Query().Get("error"))
}

func TestPlainChallengeMethodRejected(t *testing.T) {
	e := newEnv(t)
	req := e.authorizeReq()
	req.CodeChallengeMethod = "plain"

	loc, err := e.svc.Authorize(context.Background(), req, e.authCtx)
	require.NoError(t, err)
	u, _ := url.Parse(loc)
	assert.Equal(t, "invalid_request", u.Query().Get("error"))
}

func TestNoSessionRedirectsToLogin(t *testing.T) {
	e := newEnv(t)
	req := e.authorizeReq()
	req.RawQuery = "client_id=c1&state=xyz"

	loc, err := e.svc.Authorize(context.Background(), req, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(loc, "https://auth.example.com/login"))
	u, _ := url.Parse(loc)
	assert.Contains(t, u.Query().Get("return_to"), "client_id=c1")
}

func TestPromptNoneWithoutSession(t *testing.T) {
	e := newEnv(t)
	req := e.authorizeReq()
	req.Prompt = "none"

	loc, err := e.svc.Authorize(context.Background(), req, nil)
	require.NoError(t, err)
	u, _ := url.Parse(loc)
	assert.Equal(t, "login_required", u.Query().Get("error"))
}

func TestPromptNoneLoginBeatsConsent(t *testing.T) {
	e := newEnv(t)
	e.client.RequireConsent = true
	require.NoError(t, e.db.UpdateClient(context.Background(), e.client))

	req := e.authorizeReq()
	req.Prompt = "none"

	// No session and no consent: login_required wins the tie.
	loc, err := e.svc.Authorize(context.Background(), req, nil)
	require.NoError(t, err)
	u, _ := url.Parse(loc)
	assert.Equal(t, "login_required", u.Query().Get("error"))
}

func TestMaxAgeForcesReauth(t *testing.T) {
	e := newEnv(t)
	e.authCtx.AuthTime = time.Now().UTC().Add(-time.Hour)
	maxAge := int64(60)
	req := e.authorizeReq()
	req.MaxAge = &maxAge

	loc, err := e.svc.Authorize(context.Background(), req, e.authCtx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(loc, "https://auth.example.com/login"))
}

func TestConsentFlow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.client.RequireConsent = true
	require.NoError(t, e.db.UpdateClient(ctx, e.client))

	// Without a grant, the user is sent to the consent collaborator.
	loc, err := e.svc.Authorize(ctx, e.authorizeReq(), e.authCtx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(loc, "https://auth.example.com/consent"))

	// prompt=none fails instead of redirecting.
	req := e.authorizeReq()
	req.Prompt = "none"
	loc, err = e.svc.Authorize(ctx, req, e.authCtx)
	require.NoError(t, err)
	u, _ := url.Parse(loc)
	assert.Equal(t, "consent_required", u.Query().Get("error"))

	// A covering grant skips consent entirely.
	require.NoError(t, e.db.UpsertConsent(ctx, &store.ConsentGrant{
		UserID:    e.user.ID,
		ClientID:  "c1",
		Scopes:    []string{"openid", "profile"},
		GrantedAt: time.Now().UTC(),
	}))
	code := e.authorize(t)
	assert.NotEmpty(t, code)

	// prompt=consent forces the consent page despite the grant.
	req = e.authorizeReq()
	req.Prompt = "consent"
	loc, err = e.svc.Authorize(ctx, req, e.authCtx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(loc, "https://auth.example.com/consent"))
}

func TestClientCredentials(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	confidential := &store.Client{
		ID:                      uuid.New(),
		ClientID:                "svc",
		Type:                    store.ClientTypeConfidential,
		AllowedScopes:           []string{"openid", "profile"},
		GrantTypes:              []string{store.GrantClientCredentials},
		TokenEndpointAuthMethod: store.AuthMethodBasic,
		IsActive:                true,
	}
	require.NoError(t, e.db.CreateClient(ctx, confidential))

	resp, err := e.svc.Token(ctx, confidential, oauth.TokenRequest{
		GrantType: store.GrantClientCredentials,
		Scope:     "profile",
	})
	require.NoError(t, err)
	assert.Empty(t, resp.RefreshToken, "no refresh token for client_credentials")
	assert.Empty(t, resp.IDToken)
	assert.Equal(t, "profile", resp.Scope)

	var claims crypto.AccessClaims
	require.NoError(t, e.signer.Verify(resp.AccessToken, &claims,
		crypto.VerifyOptions{Issuer: e.cfg.Issuer}))
	assert.Equal(t, "svc", claims.Subject)

	// Public clients may not use the grant.
	_, err = e.svc.Token(ctx, e.client, oauth.TokenRequest{
		GrantType: store.GrantClientCredentials,
	})
	var oerr *oauth.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, oauth.ErrCodeUnauthorizedClient, oerr.Code)

	// Scope outside the allowlist is refused.
	_, err = e.svc.Token(ctx, confidential, oauth.TokenRequest{
		GrantType: store.GrantClientCredentials,
		Scope:     "email",
	})
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, oauth.ErrCodeInvalidScope, oerr.Code)
}

func TestClientCredentialsCarriesPermissions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	perm := &store.Permission{ID: uuid.New(), Name: "reports:read", IsActive: true}
	require.NoError(t, e.db.CreatePermission(ctx, perm))
	scope := &store.Scope{ID: uuid.New(), Name: "reports", IsActive: true}
	require.NoError(t, e.db.CreateScope(ctx, scope))
	require.NoError(t, e.db.MapScopeToPermission(ctx, scope.ID, perm.ID))

	confidential := &store.Client{
		ID:                      uuid.New(),
		ClientID:                "reporter",
		Type:                    store.ClientTypeConfidential,
		AllowedScopes:           []string{"reports"},
		GrantTypes:              []string{store.GrantClientCredentials},
		TokenEndpointAuthMethod: store.AuthMethodBasic,
		IsActive:                true,
	}
	require.NoError(t, e.db.CreateClient(ctx, confidential))

	resp, err := e.svc.Token(ctx, confidential, oauth.TokenRequest{
		GrantType: store.GrantClientCredentials,
		Scope:     "reports",
	})
	require.NoError(t, err)

	var claims crypto.AccessClaims
	require.NoError(t, e.signer.Verify(resp.AccessToken, &claims,
		crypto.VerifyOptions{Issuer: e.cfg.Issuer}))
	assert.Equal(t, []string{"reports:read"}, claims.Permissions)

	// User tokens resolve permissions at the resource, not in the token.
	code := e.authorize(t)
	userResp := e.exchange(t, code)
	var userClaims crypto.AccessClaims
	require.NoError(t, e.signer.Verify(userResp.AccessToken, &userClaims,
		crypto.VerifyOptions{Issuer: e.cfg.Issuer}))
	assert.Empty(t, userClaims.Permissions)
}

func TestUnsupportedGrantType(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Token(context.Background(), e.client, oauth.TokenRequest{
		GrantType: "password",
	})
	var oerr *oauth.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, oauth.ErrCodeUnsupportedGrantType, oerr.Code)
}

func TestProtocolEndpointsLeaveAuditRows(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := metrics.New()
	auditor := audit.NewDBLogger(e.db, nil, m)
	eval := rbac.NewEvaluator(e.db, nil, 0, nil)
	svc := oauth.NewService(e.db, eval, e.signer, auditor, m, e.cfg, nil)

	// Failed introspection.
	out := svc.Introspect(ctx, e.client, "garbage", "", "203.0.113.9", "curl")
	assert.False(t, out.Active)

	// Rejected authorize (unknown client, no redirect).
	_, err := svc.Authorize(ctx, oauth.AuthorizeRequest{ClientID: "ghost"}, e.authCtx)
	require.Error(t, err)

	// Rejected bearer.
	_, err = svc.ValidateBearer(ctx, "not-a-jwt")
	require.Error(t, err)

	// Served userinfo. The code flow itself runs on e.svc so only the
	// four calls above touch the audited service.
	code := e.authorize(t)
	resp := e.exchange(t, code)
	bearer, err := svc.ValidateBearer(ctx, resp.AccessToken)
	require.NoError(t, err)
	_, err = svc.UserInfo(ctx, bearer)
	require.NoError(t, err)

	counts := map[string]int{}
	success := map[string]bool{}
	for _, entry := range e.db.AuditEntries() {
		counts[entry.Action]++
		success[entry.Action] = entry.Success
	}
	assert.Equal(t, 1, counts[audit.ActionTokenIntrospected])
	assert.False(t, success[audit.ActionTokenIntrospected])
	assert.Equal(t, 1, counts[audit.ActionAuthorizeDenied])
	assert.Equal(t, 1, counts[audit.ActionBearerRejected])
	assert.Equal(t, 1, counts[audit.ActionUserInfoRead])
	assert.True(t, success[audit.ActionUserInfoRead])
}

func TestUserInfoScopeGating(t *testing.T) {
	e := newEnv(t)
	e.client.AllowedScopes = []string{"openid", "profile", "email"}
	require.NoError(t, e.db.UpdateClient(context.Background(), e.client))
	ctx := context.Background()

	req := e.authorizeReq()
	req.Scope = "openid email"
	loc, err := e.svc.Authorize(ctx, req, e.authCtx)
	require.NoError(t, err)
	u, _ := url.Parse(loc)
	resp := e.exchange(t, u.Query().Get("code"))

	bearer, err := e.svc.ValidateBearer(ctx, resp.AccessToken)
	require.NoError(t, err)
	info, err := e.svc.UserInfo(ctx, bearer)
	require.NoError(t, err)

	assert.Equal(t, e.user.ID.String(), info.Sub)
	assert.Equal(t, "u1@example.com", info.Email)
	require.NotNil(t, info.EmailVerified)
	assert.True(t, *info.EmailVerified)
	assert.Empty(t, info.Name, "profile scope was not granted")
}

func TestUserInfoRequiresOpenID(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	req := e.authorizeReq()
	req.Scope = "profile"
	loc, err := e.svc.Authorize(ctx, req, e.authCtx)
	require.NoError(t, err)
	u, _ := url.Parse(loc)
	resp := e.exchange(t, u.Query().Get("code"))

	bearer, err := e.svc.ValidateBearer(ctx, resp.AccessToken)
	require.NoError(t, err)
	_, err = e.svc.UserInfo(ctx, bearer)
	assert.ErrorIs(t, err, oauth.ErrInvalidToken)
}

func TestDiscoveryIsPure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first, err := e.svc.Discovery(ctx)
	require.NoError(t, err)
	second, err := e.svc.Discovery(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, "https://auth.example.com", first.Issuer)
	assert.Equal(t, "https://auth.example.com/token", first.TokenEndpoint)
	assert.Equal(t, []string{"S256"}, first.CodeChallengeMethodsSupported)
	assert.ElementsMatch(t, []string{"openid", "profile", "email"}, first.ScopesSupported)
	assert.Equal(t, []string{"RS256"}, first.IDTokenSigningAlgValuesSupported)
}

func TestJWKSContainsActiveKey(t *testing.T) {
	e := newEnv(t)
	set, err := e.svc.JWKS()
	require.NoError(t, err)
	require.NotEmpty(t, set.Keys)
	assert.Equal(t, e.signer.ActiveKid(), set.Keys[0].Kid)
}

func TestScopeNarrowingAtAuthorize(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// "email" is a known scope but not in the client allowlist: it is
	// silently dropped, not an error.
	req := e.authorizeReq()
	req.Scope = "openid profile email"
	loc, err := e.svc.Authorize(ctx, req, e.authCtx)
	require.NoError(t, err)
	u, _ := url.Parse(loc)
	resp := e.exchange(t, u.Query().Get("code"))
	assert.Equal(t, "openid profile", resp.Scope)
}
