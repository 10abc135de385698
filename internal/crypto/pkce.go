package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// PKCE (RFC 7636) with the S256 method only; `plain` is gone in OAuth 2.1.

var (
	ErrChallengeLength  = errors.New("code_challenge must be 43-128 characters")
	ErrChallengeCharset = errors.New("code_challenge contains invalid characters")
)

// ValidatePKCEChallenge checks the syntactic constraints of a code_challenge
// (or code_verifier, which shares the same grammar).
func ValidatePKCEChallenge(challenge string) error {
	if len(challenge) < 43 || len(challenge) > 128 {
		return ErrChallengeLength
	}
	for _, c := range challenge {
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return ErrChallengeCharset
		}
	}
	return nil
}

// VerifyPKCES256 reports whether BASE64URL(SHA-256(verifier)) equals the
// stored challenge. The comparison is constant-time.
func VerifyPKCES256(verifier, challenge string) bool {
	if ValidatePKCEChallenge(verifier) != nil {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return SecureCompare(computed, challenge)
}
