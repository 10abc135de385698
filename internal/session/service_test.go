package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/identra/identra/internal/config"
	"github.com/identra/identra/internal/crypto"
	"github.com/identra/identra/internal/session"
	"github.com/identra/identra/internal/store"
	"github.com/identra/identra/internal/store/memory"
)

func testConfig() *config.Config {
	return &config.Config{
		Issuer:              "https://auth.example.com",
		UIAudience:          "identra-ui",
		JWTAlgorithm:        "RS256",
		SessionTTL:          24 * time.Hour,
		SessionJWTTTL:       15 * time.Minute,
		MaxLoginAttempts:    3,
		AccountLockDuration: 15 * time.Minute,
	}
}

func newService(t *testing.T, db *memory.Store) *session.Service {
	t.Helper()
	km, err := crypto.NewKeyManager(db, nil, "RS256")
	require.NoError(t, err)
	require.NoError(t, km.Load(context.Background()))
	return session.NewService(db, db, db, crypto.NewBcryptHasher(), km.Signer(),
		nil, nil, nil, testConfig())
}

func seedUser(t *testing.T, db *memory.Store, password string) *store.User {
	t.Helper()
	hash, err := crypto.NewBcryptHasher().Hash(password)
	require.NoError(t, err)
	u := &store.User{
		ID:           uuid.New(),
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: hash,
		IsActive:     true,
	}
	require.NoError(t, db.CreateUser(context.Background(), u))
	return u
}

func TestLoginSuccess(t *testing.T) {
	db := memory.New()
	seedUser(t, db, "correct horse")
	svc := newService(t, db)

	result, challenge, err := svc.Login(context.Background(), session.LoginRequest{
		Username: "alice",
		Password: "correct horse",
	})
	require.NoError(t, err)
	assert.Nil(t, challenge)
	assert.NotEmpty(t, result.SessionToken)
	assert.NotEmpty(t, result.SessionJWT)

	authn, err := svc.Validate(context.Background(), result.SessionJWT)
	require.NoError(t, err)
	assert.Equal(t, "alice", authn.User.Username)
	assert.False(t, authn.AuthTime.IsZero())
}

func TestLoginByEmail(t *testing.T) {
	db := memory.New()
	seedUser(t, db, "correct horse")
	svc := newService(t, db)

	result, _, err := svc.Login(context.Background(), session.LoginRequest{
		Username: "Alice@Example.com",
		Password: "correct horse",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.SessionToken)
}

func TestLoginWrongPassword(t *testing.T) {
	db := memory.New()
	seedUser(t, db, "correct horse")
	svc := newService(t, db)

	_, _, err := svc.Login(context.Background(), session.LoginRequest{
		Username: "alice",
		Password: "wrong",
	})
	assert.ErrorIs(t, err, session.ErrInvalidCredentials)
}

func TestLoginUnknownUserSameError(t *testing.T) {
	db := memory.New()
	svc := newService(t, db)

	_, _, err := svc.Login(context.Background(), session.LoginRequest{
		Username: "nobody",
		Password: "whatever",
	})
	assert.ErrorIs(t, err, session.ErrInvalidCredentials)
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	db := memory.New()
	seedUser(t, db, "correct horse")
	svc := newService(t, db)
	ctx := context.Background()

	req := session.LoginRequest{Username: "alice", Password: "wrong"}
	_, _, err := svc.Login(ctx, req)
	assert.ErrorIs(t, err, session.ErrInvalidCredentials)
	_, _, err = svc.Login(ctx, req)
	assert.ErrorIs(t, err, session.ErrInvalidCredentials)
	_, _, err = svc.Login(ctx, req)
	assert.ErrorIs(t, err, session.ErrAccountLocked)

	// Correct password is refused while locked.
	_, _, err = svc.Login(ctx, session.LoginRequest{
		Username: "alice", Password: "correct horse",
	})
	assert.ErrorIs(t, err, session.ErrAccountLocked)
}

func TestMFAFlow(t *testing.T) {
	db := memory.New()
	user := seedUser(t, db, "correct horse")
	svc := newService(t, db)
	ctx := context.Background()

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer: "identra", AccountName: user.Email,
	})
	require.NoError(t, err)
	require.NoError(t, db.SetUserMFA(ctx, user.ID, true, key.Secret()))

	_, challenge, err := svc.Login(ctx, session.LoginRequest{
		Username: "alice", Password: "correct horse",
	})
	require.ErrorIs(t, err, session.ErrMFARequired)
	require.NotNil(t, challenge)
	require.NotEmpty(t, challenge.PreAuthToken)

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)

	result, err := svc.CompleteMFA(ctx, challenge.PreAuthToken, code, "", "")
	require.NoError(t, err)
	assert.NotEmpty(t, result.SessionToken)
}

func TestMFAWrongCode(t *testing.T) {
	db := memory.New()
	user := seedUser(t, db, "correct horse")
	svc := newService(t, db)
	ctx := context.Background()

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer: "identra", AccountName: user.Email,
	})
	require.NoError(t, err)
	require.NoError(t, db.SetUserMFA(ctx, user.ID, true, key.Secret()))

	_, challenge, err := svc.Login(ctx, session.LoginRequest{
		Username: "alice", Password: "correct horse",
	})
	require.ErrorIs(t, err, session.ErrMFARequired)

	_, err = svc.CompleteMFA(ctx, challenge.PreAuthToken, "000000", "", "")
	assert.ErrorIs(t, err, session.ErrInvalidCredentials)
}

func TestPreAuthTokenIsNotASession(t *testing.T) {
	db := memory.New()
	user := seedUser(t, db, "correct horse")
	svc := newService(t, db)
	ctx := context.Background()

	require.NoError(t, db.SetUserMFA(ctx, user.ID, true, "JBSWY3DPEHPK3PXP"))
	_, challenge, err := svc.Login(ctx, session.LoginRequest{
		Username: "alice", Password: "correct horse",
	})
	require.ErrorIs(t, err, session.ErrMFARequired)

	_, err = svc.Validate(ctx, challenge.PreAuthToken)
	assert.ErrorIs(t, err, session.ErrSessionInvalid)
}

func TestRefreshMintsNewJWT(t *testing.T) {
	db := memory.New()
	seedUser(t, db, "correct horse")
	svc := newService(t, db)
	ctx := context.Background()

	result, _, err := svc.Login(ctx, session.LoginRequest{
		Username: "alice", Password: "correct horse",
	})
	require.NoError(t, err)

	refreshed, err := svc.Refresh(ctx, result.SessionToken)
	require.NoError(t, err)
	assert.NotEmpty(t, refreshed.SessionJWT)

	_, err = svc.Validate(ctx, refreshed.SessionJWT)
	assert.NoError(t, err)
}

func TestLogoutRevokesSession(t *testing.T) {
	db := memory.New()
	seedUser(t, db, "correct horse")
	svc := newService(t, db)
	ctx := context.Background()

	result, _, err := svc.Login(ctx, session.LoginRequest{
		Username: "alice", Password: "correct horse",
	})
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, result.SessionToken, "", ""))

	_, err = svc.Validate(ctx, result.SessionJWT)
	assert.ErrorIs(t, err, session.ErrSessionInvalid)
	_, err = svc.Refresh(ctx, result.SessionToken)
	assert.ErrorIs(t, err, session.ErrSessionInvalid)
}

func TestSessionJWTClaimSet(t *testing.T) {
	db := memory.New()
	seedUser(t, db, "correct horse")
	svc := newService(t, db)

	result, _, err := svc.Login(context.Background(), session.LoginRequest{
		Username: "alice", Password: "correct horse",
	})
	require.NoError(t, err)

	var claims crypto.SessionClaims
	_, _, err = jwt.NewParser().ParseUnverified(result.SessionJWT, &claims)
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com", claims.Issuer)
	assert.Contains(t, claims.Audience, "identra-ui")
	assert.NotEmpty(t, claims.Subject)
	assert.NotEmpty(t, claims.ID)
	require.NotNil(t, claims.ExpiresAt)
	require.NotNil(t, claims.IssuedAt)
	assert.True(t, claims.ExpiresAt.After(claims.IssuedAt.Time))
}

func TestValidateRejectsBlacklistedSession(t *testing.T) {
	db := memory.New()
	seedUser(t, db, "correct horse")
	svc := newService(t, db)
	ctx := context.Background()

	result, _, err := svc.Login(ctx, session.LoginRequest{
		Username: "alice", Password: "correct horse",
	})
	require.NoError(t, err)

	var claims crypto.SessionClaims
	_, _, err = jwt.NewParser().ParseUnverified(result.SessionJWT, &claims)
	require.NoError(t, err)
	require.NoError(t, db.BlacklistJTI(ctx, "sess:"+claims.SID, time.Now().Add(time.Hour)))

	_, err = svc.Validate(ctx, result.SessionJWT)
	assert.ErrorIs(t, err, session.ErrSessionInvalid)
}

func TestLogoutKillsRefreshedJWTs(t *testing.T) {
	db := memory.New()
	seedUser(t, db, "correct horse")
	svc := newService(t, db)
	ctx := context.Background()

	result, _, err := svc.Login(ctx, session.LoginRequest{
		Username: "alice", Password: "correct horse",
	})
	require.NoError(t, err)
	refreshed, err := svc.Refresh(ctx, result.SessionToken)
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, result.SessionToken, "", ""))

	// Both the original JWT and the one minted by Refresh are dead.
	_, err = svc.Validate(ctx, result.SessionJWT)
	assert.ErrorIs(t, err, session.ErrSessionInvalid)
	_, err = svc.Validate(ctx, refreshed.SessionJWT)
	assert.ErrorIs(t, err, session.ErrSessionInvalid)

	var claims crypto.SessionClaims
	_, _, err = jwt.NewParser().ParseUnverified(result.SessionJWT, &claims)
	require.NoError(t, err)
	blacklisted, err := db.IsBlacklisted(ctx, "sess:"+claims.SID)
	require.NoError(t, err)
	assert.True(t, blacklisted)
}

func TestLogoutUnknownTokenIsNoop(t *testing.T) {
	db := memory.New()
	svc := newService(t, db)
	assert.NoError(t, svc.Logout(context.Background(), "never-issued", "", ""))
}
