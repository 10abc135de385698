package store

import (
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ClientType distinguishes public clients (no secret, PKCE mandatory) from
// confidential ones.
type ClientType string

const (
	ClientTypePublic       ClientType = "public"
	ClientTypeConfidential ClientType = "confidential"
)

// Token endpoint authentication methods (RFC 6749 Section 2.3, RFC 7523).
const (
	AuthMethodBasic         = "client_secret_basic"
	AuthMethodPost          = "client_secret_post"
	AuthMethodPrivateKeyJWT = "private_key_jwt"
	AuthMethodNone          = "none"
)

// Grant types supported by the server. Implicit and ROPC are gone per
// OAuth 2.1.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
)

// Client is a registered OAuth client application.
type Client struct {
	ID                      uuid.UUID
	ClientID                string // public identifier, unique
	ClientSecretHash        string // empty for public clients
	Name                    string
	Description             string
	Type                    ClientType
	RedirectURIs            []string
	AllowedScopes           []string
	GrantTypes              []string
	ResponseTypes           []string
	TokenEndpointAuthMethod string
	RequirePKCE             bool
	RequireConsent          bool
	JWKSURI                 string // required for private_key_jwt
	IPAllowlist             []string
	AccessTokenTTL          time.Duration // zero means server default
	RefreshTokenTTL         time.Duration
	AuthorizationCodeTTL    time.Duration
	IsActive                bool
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// AllowsGrant reports whether the client may use the given grant type.
func (c *Client) AllowsGrant(grant string) bool {
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// AllowsScope reports whether a single scope is in the client allowlist.
func (c *Client) AllowsScope(scope string) bool {
	for _, s := range c.AllowedScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AllowsResponseType reports whether the client supports a response_type.
func (c *Client) AllowsResponseType(rt string) bool {
	for _, r := range c.ResponseTypes {
		if r == rt {
			return true
		}
	}
	return false
}

// MatchesRedirectURI performs the registration match: byte-exact after
// percent-decoding normalization, case-insensitive in scheme and host,
// case-sensitive in path and query.
func (c *Client) MatchesRedirectURI(raw string) bool {
	candidate, err := normalizeRedirectURI(raw)
	if err != nil {
		return false
	}
	for _, registered := range c.RedirectURIs {
		reg, err := normalizeRedirectURI(registered)
		if err != nil {
			continue
		}
		if reg == candidate {
			return true
		}
	}
	return false
}

func normalizeRedirectURI(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	// url.Parse already decodes percent-encoding into Path; String()
	// re-encodes canonically, which gives us the byte-exact comparison form.
	return u.String(), nil
}

// User is an end-user account. Interactive credential flows (password,
// MFA) belong to the session service; OAuth flows only read identity and
// activation state.
type User struct {
	ID                  uuid.UUID
	Username            string
	Email               string // stored lowercase
	PasswordHash        string
	FirstName           string
	LastName            string
	DisplayName         string
	IsActive            bool
	EmailVerified       bool
	MustChangePassword  bool
	FailedLoginAttempts int
	LockedUntil         *time.Time
	LastLoginAt         *time.Time
	MFAEnabled          bool
	MFASecret           string // TOTP secret, sealed at rest
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Locked reports whether the account is currently locked out.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// Name returns the best available human-readable name.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	full := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if full != "" {
		return full
	}
	return u.Username
}

// Role groups permissions; assigned to users through UserRole rows.
type Role struct {
	ID          uuid.UUID
	Name        string
	Description string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission is a named capability, `domain:resource:action` lowercase.
type Permission struct {
	ID          uuid.UUID
	Name        string
	Description string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Scope is an OAuth scope, optionally mapped to permissions granted when
// the scope is accepted.
type Scope struct {
	ID          uuid.UUID
	Name        string
	Description string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AuthorizationCode is the short-lived single-use credential minted by
// /authorize and consumed by /token.
type AuthorizationCode struct {
	Code                string // opaque high-entropy value, primary key
	ClientID            string // public client identifier
	UserID              uuid.UUID
	RedirectURI         string
	Scope               string // space-delimited effective scopes
	CodeChallenge       string
	CodeChallengeMethod string // only S256
	Nonce               string
	State               string
	AuthTime            time.Time
	ExpiresAt           time.Time
	Used                bool
	CreatedAt           time.Time
}

// AccessToken is the persisted record of a signed JWT access token.
type AccessToken struct {
	ID        uuid.UUID
	TokenHash string // SHA-256 of the serialized JWT
	JTI       string
	UserID    *uuid.UUID // nil for client_credentials grants
	ClientID  string
	Scope     string
	Code      string // authorization code this token descends from, if any
	ExpiresAt time.Time
	IssuedAt  time.Time
	IsRevoked bool
}

// RefreshToken is an opaque rotating credential. Tokens form a family:
// FamilyID is assigned at first issuance and inherited on rotation,
// PreviousID links each token to the one it replaced.
type RefreshToken struct {
	ID         uuid.UUID
	TokenHash  string // SHA-256 of the opaque value
	JTI        string
	UserID     *uuid.UUID
	ClientID   string
	Scope      string
	Code       string
	FamilyID   uuid.UUID
	PreviousID *uuid.UUID
	ExpiresAt  time.Time
	IssuedAt   time.Time
	IsRevoked  bool
	RevokedAt  *time.Time
}

// BlacklistEntry denies a jti regardless of signature validity. Rows are
// prunable once ExpiresAt has passed.
type BlacklistEntry struct {
	JTI       string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// ConsentGrant is a remembered user decision, keyed by (UserID, ClientID).
type ConsentGrant struct {
	UserID    uuid.UUID
	ClientID  string
	Scopes    []string
	GrantedAt time.Time
	ExpiresAt *time.Time
	RevokedAt *time.Time
}

// Covers reports whether the grant is live and covers every requested scope.
func (g *ConsentGrant) Covers(scopes []string, now time.Time) bool {
	if g.RevokedAt != nil {
		return false
	}
	if g.ExpiresAt != nil && !now.Before(*g.ExpiresAt) {
		return false
	}
	granted := make(map[string]struct{}, len(g.Scopes))
	for _, s := range g.Scopes {
		granted[s] = struct{}{}
	}
	for _, s := range scopes {
		if _, ok := granted[s]; !ok {
			return false
		}
	}
	return true
}

// Session is the authorization server's own login session, distinct from
// any OAuth token.
type Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash string // SHA-256 of the opaque session refresh token
	AuthTime  time.Time
	CreatedAt time.Time
	ExpiresAt time.Time
	IsActive  bool
	IPAddress string
	UserAgent string
}

// AuditEntry is one append-only audit log row.
type AuditEntry struct {
	ID           uuid.UUID
	Timestamp    time.Time
	UserID       *uuid.UUID
	ClientID     string
	Action       string
	Resource     string
	IPAddress    string
	UserAgent    string
	Success      bool
	ErrorMessage string
	Metadata     map[string]any
}

// Signing key lifecycle states.
const (
	KeyStatusActive  = "active"
	KeyStatusRetired = "retired"
)

// SigningKey is a persisted JWT signing key. At most one row is active at
// any instant; retired keys stay published until tokens they signed expire.
type SigningKey struct {
	Kid        string
	Alg        string
	PublicPEM  string
	PrivatePEM string // sealed with the key-seal secret
	Status     string
	CreatedAt  time.Time
	RotatedAt  *time.Time
}
