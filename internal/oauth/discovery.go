package oauth

import (
	"context"

	"github.com/identra/identra/internal/crypto"
	"github.com/identra/identra/internal/store"
)

// DiscoveryDocument is served at both /.well-known/openid-configuration
// and /.well-known/oauth-authorization-server. It is a pure function of
// configuration plus the active scope registry.
type DiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

// Discovery assembles the server metadata document.
func (s *Service) Discovery(ctx context.Context) (*DiscoveryDocument, error) {
	scopes, err := s.store.ActiveScopeNames(ctx)
	if err != nil {
		return nil, err
	}
	issuer := s.cfg.Issuer
	return &DiscoveryDocument{
		Issuer:                issuer,
		AuthorizationEndpoint: issuer + "/authorize",
		TokenEndpoint:         issuer + "/token",
		IntrospectionEndpoint: issuer + "/introspect",
		RevocationEndpoint:    issuer + "/revoke",
		UserinfoEndpoint:      issuer + "/userinfo",
		JWKSURI:               issuer + "/.well-known/jwks.json",
		ScopesSupported:       scopes,
		ResponseTypesSupported: []string{
			"code",
		},
		GrantTypesSupported: []string{
			store.GrantAuthorizationCode,
			store.GrantRefreshToken,
			store.GrantClientCredentials,
		},
		TokenEndpointAuthMethodsSupported: []string{
			store.AuthMethodBasic,
			store.AuthMethodPost,
			store.AuthMethodPrivateKeyJWT,
			store.AuthMethodNone,
		},
		CodeChallengeMethodsSupported:    []string{"S256"},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{s.cfg.JWTAlgorithm},
		ClaimsSupported: []string{
			"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce",
			"name", "given_name", "family_name", "preferred_username",
			"email", "email_verified",
		},
	}, nil
}

// JWKS returns the published key set: the active signing key plus every
// retired key still covering unexpired tokens.
func (s *Service) JWKS() (*crypto.JWKS, error) {
	return crypto.BuildJWKS(s.signer.PublishedKeys())
}
