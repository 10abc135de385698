package crypto

import (
	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims is the claim set of a protocol access token. Permissions
// is only populated on client_credentials tokens, where the scope graph
// stands in for a user's role graph.
type AccessClaims struct {
	ClientID    string   `json:"client_id"`
	Scope       string   `json:"scope"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// IDClaims is the claim set of an OIDC ID token. Profile and email claims
// are only populated when the corresponding scope was granted.
type IDClaims struct {
	AuthTime      int64  `json:"auth_time"`
	Nonce         string `json:"nonce,omitempty"`
	Name          string `json:"name,omitempty"`
	GivenName     string `json:"given_name,omitempty"`
	FamilyName    string `json:"family_name,omitempty"`
	PreferredUser string `json:"preferred_username,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
	jwt.RegisteredClaims
}

// SessionClaims is the claim set of a server-session JWT. SID binds the
// JWT to its backing session row; Scope distinguishes full sessions from
// the pre-auth tokens issued mid-MFA.
type SessionClaims struct {
	SID   string `json:"sid"`
	Scope string `json:"scope"` // "session" or "pre_auth"
	jwt.RegisteredClaims
}

// Session JWT scopes.
const (
	SessionScopeFull    = "session"
	SessionScopePreAuth = "pre_auth"
)
