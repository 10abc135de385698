// Package session handles the authorization server's own login surface:
// password and MFA verification, lockout, server sessions and the session
// JWTs that authenticate users to /authorize.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"

	"github.com/identra/identra/internal/audit"
	"github.com/identra/identra/internal/config"
	"github.com/identra/identra/internal/crypto"
	"github.com/identra/identra/internal/metrics"
	"github.com/identra/identra/internal/store"
)

var (
	// ErrInvalidCredentials covers unknown user, wrong password and wrong
	// MFA code alike.
	ErrInvalidCredentials = errors.New("session: invalid credentials")
	// ErrAccountLocked is returned while a lockout window is in effect.
	ErrAccountLocked = errors.New("session: account locked")
	// ErrMFARequired means the password was correct but a TOTP code is
	// still needed; the caller holds a pre-auth token.
	ErrMFARequired = errors.New("session: mfa required")
	// ErrSessionInvalid is returned for unknown, revoked or expired
	// sessions.
	ErrSessionInvalid = errors.New("session: invalid session")
)

const preAuthTTL = 5 * time.Minute

// Service runs the interactive login flows.
type Service struct {
	users     store.UserStore
	sessions  store.SessionStore
	blacklist store.BlacklistStore
	hasher    crypto.PasswordHasher
	signer    *crypto.Signer
	sealer    *crypto.Sealer
	audit     audit.Logger
	m         *metrics.Metrics
	cfg       *config.Config
	now       func() time.Time
}

func NewService(users store.UserStore, sessions store.SessionStore, blacklist store.BlacklistStore, hasher crypto.PasswordHasher, signer *crypto.Signer, sealer *crypto.Sealer, auditor audit.Logger, m *metrics.Metrics, cfg *config.Config) *Service {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Service{
		users:     users,
		sessions:  sessions,
		blacklist: blacklist,
		hasher:    hasher,
		signer:    signer,
		sealer:    sealer,
		audit:     auditor,
		m:         m,
		cfg:       cfg,
		now:       time.Now,
	}
}

// LoginRequest carries everything the password step needs.
type LoginRequest struct {
	Username  string // username or email
	Password  string
	IPAddress string
	UserAgent string
}

// LoginResult is the successful outcome of a login or MFA completion.
type LoginResult struct {
	SessionToken string // opaque, long-lived, cookie material
	SessionJWT   string // short-lived, authenticates /authorize
	ExpiresIn    int64  // session JWT lifetime in seconds
	User         *store.User
}

// MFAChallenge is returned alongside ErrMFARequired.
type MFAChallenge struct {
	PreAuthToken string
	ExpiresIn    int64
}

func (s *Service) findUser(ctx context.Context, identifier string) (*store.User, error) {
	if strings.Contains(identifier, "@") {
		return s.users.FindUserByEmail(ctx, strings.ToLower(identifier))
	}
	return s.users.FindUserByUsername(ctx, identifier)
}

// Login verifies the password. With MFA enabled it returns ErrMFARequired
// and a pre-auth token instead of a session.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResult, *MFAChallenge, error) {
	now := s.now().UTC()

	user, err := s.findUser(ctx, req.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Burn comparable time so user enumeration by latency fails.
			_ = s.hasher.Compare("$2a$12$urBUq1Cd8M9PV0dJSZSlzukYJYflpkLCZFsXnTAYhIPqogoVWHKa6", req.Password)
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}
	if !user.IsActive {
		return nil, nil, ErrInvalidCredentials
	}
	if user.Locked(now) {
		return nil, nil, ErrAccountLocked
	}

	if err := s.hasher.Compare(user.PasswordHash, req.Password); err != nil {
		return nil, nil, s.loginFailed(ctx, user, req, "wrong password")
	}

	if s.hasher.NeedsRehash(user.PasswordHash) {
		if newHash, err := s.hasher.Hash(req.Password); err == nil {
			_ = s.users.UpdateUserPassword(ctx, user.ID, newHash)
		}
	}

	if user.MFAEnabled {
		token, err := s.signPreAuth(user.ID, now)
		if err != nil {
			return nil, nil, err
		}
		return nil, &MFAChallenge{
			PreAuthToken: token,
			ExpiresIn:    int64(preAuthTTL.Seconds()),
		}, ErrMFARequired
	}

	return s.establishSession(ctx, user, req.IPAddress, req.UserAgent, now)
}

// CompleteMFA exchanges a pre-auth token plus a valid TOTP code for a
// session.
func (s *Service) CompleteMFA(ctx context.Context, preAuthToken, code, ip, userAgent string) (*LoginResult, error) {
	now := s.now().UTC()

	var claims crypto.SessionClaims
	if err := s.signer.Verify(preAuthToken, &claims, crypto.VerifyOptions{
		Issuer: s.cfg.Issuer, Audience: s.cfg.UIAudience,
	}); err != nil {
		return nil, ErrInvalidCredentials
	}
	if claims.Scope != crypto.SessionScopePreAuth {
		return nil, ErrInvalidCredentials
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.FindUserByID(ctx, userID)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive || !user.MFAEnabled {
		return nil, ErrInvalidCredentials
	}
	if user.Locked(now) {
		return nil, ErrAccountLocked
	}

	secret := user.MFASecret
	if s.sealer != nil {
		secret, err = s.sealer.Open(secret)
		if err != nil {
			return nil, fmt.Errorf("session: unseal mfa secret: %w", err)
		}
	}
	if !totp.Validate(code, secret) {
		return nil, s.loginFailed(ctx, user, LoginRequest{IPAddress: ip, UserAgent: userAgent}, "wrong mfa code")
	}

	result, _, err := s.establishSession(ctx, user, ip, userAgent, now)
	return result, err
}

func (s *Service) loginFailed(ctx context.Context, user *store.User, req LoginRequest, reason string) error {
	if s.m != nil {
		s.m.LoginFailures.Inc()
	}
	locked, err := s.users.RecordLoginFailure(ctx, user.ID,
		s.cfg.MaxLoginAttempts, s.cfg.AccountLockDuration, s.now().UTC())
	if err != nil {
		return err
	}
	action := audit.ActionLoginFailed
	if locked {
		action = audit.ActionAccountLocked
	}
	s.audit.Record(ctx, audit.Event{
		UserID:       &user.ID,
		Action:       action,
		IPAddress:    req.IPAddress,
		UserAgent:    req.UserAgent,
		Success:      false,
		ErrorMessage: reason,
	})
	if locked {
		return ErrAccountLocked
	}
	return ErrInvalidCredentials
}

func (s *Service) establishSession(ctx context.Context, user *store.User, ip, userAgent string, now time.Time) (*LoginResult, *MFAChallenge, error) {
	opaque, err := crypto.GenerateSecureToken(32)
	if err != nil {
		return nil, nil, err
	}
	sess := &store.Session{
		ID:        uuid.New(),
		UserID:    user.ID,
		TokenHash: crypto.HashToken(opaque),
		AuthTime:  now,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
		IsActive:  true,
		IPAddress: ip,
		UserAgent: userAgent,
	}
	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return nil, nil, err
	}
	if err := s.users.RecordLoginSuccess(ctx, user.ID, now); err != nil {
		return nil, nil, err
	}

	jwtStr, err := s.signSession(sess, now)
	if err != nil {
		return nil, nil, err
	}

	s.audit.Record(ctx, audit.Event{
		UserID:    &user.ID,
		Action:    audit.ActionLogin,
		IPAddress: ip,
		UserAgent: userAgent,
		Success:   true,
	})
	return &LoginResult{
		SessionToken: opaque,
		SessionJWT:   jwtStr,
		ExpiresIn:    int64(s.cfg.SessionJWTTTL.Seconds()),
		User:         user,
	}, nil, nil
}

// Refresh mints a fresh session JWT from the opaque session token.
func (s *Service) Refresh(ctx context.Context, sessionToken string) (*LoginResult, error) {
	now := s.now().UTC()
	sess, err := s.sessions.FindSessionByTokenHash(ctx, crypto.HashToken(sessionToken))
	if err != nil {
		return nil, ErrSessionInvalid
	}
	if !sess.IsActive || !now.Before(sess.ExpiresAt) {
		return nil, ErrSessionInvalid
	}
	user, err := s.users.FindUserByID(ctx, sess.UserID)
	if err != nil || !user.IsActive {
		return nil, ErrSessionInvalid
	}

	jwtStr, err := s.signSession(sess, now)
	if err != nil {
		return nil, err
	}
	return &LoginResult{
		SessionToken: sessionToken,
		SessionJWT:   jwtStr,
		ExpiresIn:    int64(s.cfg.SessionJWTTTL.Seconds()),
		User:         user,
	}, nil
}

// Logout revokes the session behind the opaque token and blacklists its
// outstanding session JWTs. Unknown tokens are not an error.
func (s *Service) Logout(ctx context.Context, sessionToken, ip, userAgent string) error {
	sess, err := s.sessions.FindSessionByTokenHash(ctx, crypto.HashToken(sessionToken))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := s.sessions.RevokeSession(ctx, sess.ID); err != nil {
		return err
	}
	// Every JWT minted for this session dies with it. The entry only needs
	// to outlive the newest JWT the session could have produced.
	if err := s.blacklist.BlacklistJTI(ctx, sessionJTIKey(sess.ID),
		s.now().UTC().Add(s.cfg.SessionJWTTTL)); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Event{
		UserID:    &sess.UserID,
		Action:    audit.ActionLogout,
		IPAddress: ip,
		UserAgent: userAgent,
		Success:   true,
	})
	return nil
}

// AuthContext is the verified identity behind a session JWT.
type AuthContext struct {
	User      *store.User
	SessionID uuid.UUID
	AuthTime  time.Time
}

// Validate checks a session JWT and the session row behind it.
func (s *Service) Validate(ctx context.Context, sessionJWT string) (*AuthContext, error) {
	now := s.now().UTC()

	var claims crypto.SessionClaims
	if err := s.signer.Verify(sessionJWT, &claims, crypto.VerifyOptions{
		Issuer: s.cfg.Issuer, Audience: s.cfg.UIAudience,
	}); err != nil {
		return nil, ErrSessionInvalid
	}
	if claims.Scope != crypto.SessionScopeFull {
		return nil, ErrSessionInvalid
	}
	sid, err := uuid.Parse(claims.SID)
	if err != nil {
		return nil, ErrSessionInvalid
	}

	blacklisted, err := s.blacklist.IsBlacklisted(ctx, sessionJTIKey(sid))
	if err != nil || blacklisted {
		return nil, ErrSessionInvalid
	}

	sess, err := s.sessions.FindSessionByID(ctx, sid)
	if err != nil {
		return nil, ErrSessionInvalid
	}
	if !sess.IsActive || !now.Before(sess.ExpiresAt) {
		return nil, ErrSessionInvalid
	}
	user, err := s.users.FindUserByID(ctx, sess.UserID)
	if err != nil || !user.IsActive {
		return nil, ErrSessionInvalid
	}
	return &AuthContext{User: user, SessionID: sess.ID, AuthTime: sess.AuthTime}, nil
}

func (s *Service) signSession(sess *store.Session, now time.Time) (string, error) {
	claims := crypto.SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   sess.UserID.String(),
			Audience:  jwt.ClaimStrings{s.cfg.UIAudience},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.SessionJWTTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		SID:   sess.ID.String(),
		Scope: crypto.SessionScopeFull,
	}
	return s.signer.Sign(&claims)
}

func (s *Service) signPreAuth(userID uuid.UUID, now time.Time) (string, error) {
	claims := crypto.SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   userID.String(),
			Audience:  jwt.ClaimStrings{s.cfg.UIAudience},
			ExpiresAt: jwt.NewNumericDate(now.Add(preAuthTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Scope: crypto.SessionScopePreAuth,
	}
	return s.signer.Sign(&claims)
}

// sessionJTIKey is the blacklist key covering all JWTs of one session.
func sessionJTIKey(sessionID uuid.UUID) string {
	return "sess:" + sessionID.String()
}
