package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// Distinguishable verification failures. The protocol layer maps these to
// OAuth error responses; nothing else should inspect jwt internals.
var (
	ErrInvalidSignature  = errors.New("invalid token signature")
	ErrExpiredToken      = errors.New("token has expired")
	ErrUnknownKid        = errors.New("unknown signing key id")
	ErrAlgorithmMismatch = errors.New("unexpected signing algorithm")
	ErrMalformedToken    = errors.New("malformed token")
	ErrNoActiveKey       = errors.New("no active signing key")
)

// signingMethod resolves a configured algorithm name.
func signingMethod(alg string) (jwt.SigningMethod, error) {
	switch alg {
	case "RS256":
		return jwt.SigningMethodRS256, nil
	case "PS256":
		return jwt.SigningMethodPS256, nil
	case "ES256":
		return jwt.SigningMethodES256, nil
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", alg)
	}
}

// GenerateKeyPair creates a fresh keypair for the given algorithm and
// returns both halves as PEM.
func GenerateKeyPair(alg string) (privPEM, pubPEM string, err error) {
	switch alg {
	case "RS256", "PS256":
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return "", "", fmt.Errorf("rsa keygen failed: %w", err)
		}
		privPEM = string(pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		}))
		pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		if err != nil {
			return "", "", fmt.Errorf("public key marshal failed: %w", err)
		}
		pubPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}))
		return privPEM, pubPEM, nil

	case "ES256":
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return "", "", fmt.Errorf("ecdsa keygen failed: %w", err)
		}
		privBytes, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			return "", "", fmt.Errorf("ec key marshal failed: %w", err)
		}
		privPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes}))
		pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		if err != nil {
			return "", "", fmt.Errorf("public key marshal failed: %w", err)
		}
		pubPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}))
		return privPEM, pubPEM, nil

	default:
		return "", "", fmt.Errorf("unsupported algorithm %q", alg)
	}
}

// ParsePrivateKeyPEM parses an RSA or EC private key in PKCS1, PKCS8 or
// SEC1 form.
func ParsePrivateKeyPEM(pemStr string) (any, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing the private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	switch k := key.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
}

// ParsePublicKeyPEM parses a PKIX public key.
func ParsePublicKeyPEM(pemStr string) (any, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing the public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return pub, nil
}

// PublishedKey is one entry of the verification set, kept for JWKS assembly.
type PublishedKey struct {
	Kid    string
	Alg    string
	Public any
}

// Signer signs JWTs with the current active key and verifies against the
// full published set with kid-directed lookup. It is safe for concurrent
// use; ReplaceKeys swaps the whole set atomically on rotation.
type Signer struct {
	mu        sync.RWMutex
	alg       string
	method    jwt.SigningMethod
	activeKid string
	activeKey any
	verify    map[string]PublishedKey
}

// NewSigner creates a Signer for the configured algorithm with no keys
// loaded yet.
func NewSigner(alg string) (*Signer, error) {
	method, err := signingMethod(alg)
	if err != nil {
		return nil, err
	}
	return &Signer{
		alg:    alg,
		method: method,
		verify: make(map[string]PublishedKey),
	}, nil
}

// Algorithm returns the configured signing algorithm name.
func (s *Signer) Algorithm() string { return s.alg }

// ReplaceKeys atomically installs a new active key and verification set.
func (s *Signer) ReplaceKeys(activeKid string, activeKey any, published []PublishedKey) {
	verify := make(map[string]PublishedKey, len(published))
	for _, pk := range published {
		verify[pk.Kid] = pk
	}
	s.mu.Lock()
	s.activeKid = activeKid
	s.activeKey = activeKey
	s.verify = verify
	s.mu.Unlock()
}

// ActiveKid returns the kid tokens are currently signed with.
func (s *Signer) ActiveKid() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeKid
}

// PublishedKeys returns the current verification set.
func (s *Signer) PublishedKeys() []PublishedKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]PublishedKey, 0, len(s.verify))
	for _, pk := range s.verify {
		keys = append(keys, pk)
	}
	return keys
}

// Sign serializes and signs the claims with the active key, setting the
// kid header for JWKS lookup.
func (s *Signer) Sign(claims jwt.Claims) (string, error) {
	s.mu.RLock()
	kid, key, method := s.activeKid, s.activeKey, s.method
	s.mu.RUnlock()

	if key == nil {
		return "", ErrNoActiveKey
	}

	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyOptions constrain Verify beyond signature and time checks.
type VerifyOptions struct {
	Issuer   string
	Audience string // optional; enforced when set
}

// Verify parses tokenString into claims, resolving the key by kid and
// enforcing algorithm, issuer, audience, exp, nbf and iat. Failures are
// reported through the package sentinel errors.
func (s *Signer) Verify(tokenString string, claims jwt.Claims, opts VerifyOptions) error {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.alg}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrUnknownKid
		}
		s.mu.RLock()
		pk, ok := s.verify[kid]
		s.mu.RUnlock()
		if !ok {
			return nil, ErrUnknownKid
		}
		return pk.Public, nil
	}, parserOpts...)

	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownKid):
			return ErrUnknownKid
		case errors.Is(err, jwt.ErrTokenExpired):
			return ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenMalformed):
			return ErrMalformedToken
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return ErrInvalidSignature
		case errors.Is(err, jwt.ErrTokenUnverifiable):
			// Raised when the parser rejects the alg header before key lookup.
			return ErrAlgorithmMismatch
		default:
			// Issuer, audience, nbf and iat violations all land here; the
			// caller only needs to know the token does not verify.
			return ErrInvalidSignature
		}
	}
	if !token.Valid {
		return ErrInvalidSignature
	}
	return nil
}
