package crypto

import (
	"testing"
)

func TestGenerateSecureToken_UniqueAndURLSafe(t *testing.T) {
	a, err := GenerateSecureToken(32)
	if err != nil {
		t.Fatalf("token generation failed: %v", err)
	}
	b, err := GenerateSecureToken(32)
	if err != nil {
		t.Fatalf("token generation failed: %v", err)
	}
	if a == b {
		t.Fatal("two generated tokens should not collide")
	}
	for _, c := range a {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			t.Fatalf("token contains non-base64url character %q", c)
		}
	}
}

func TestHashToken_Deterministic(t *testing.T) {
	h1 := HashToken("some-token")
	h2 := HashToken("some-token")
	if h1 != h2 {
		t.Error("hash should be deterministic")
	}
	if len(h1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(h1))
	}
	if h1 == HashToken("other-token") {
		t.Error("different tokens should not collide")
	}
}

func TestSecureCompare(t *testing.T) {
	if !SecureCompare("abc", "abc") {
		t.Error("equal strings should compare true")
	}
	if SecureCompare("abc", "abd") {
		t.Error("unequal strings should compare false")
	}
	if SecureCompare("abc", "abcd") {
		t.Error("different lengths should compare false")
	}
}

func TestBcryptHasher_RoundtripAndRehash(t *testing.T) {
	h := NewBcryptHasher()
	hash, err := h.Hash("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if err := h.Compare(hash, "correct horse battery staple"); err != nil {
		t.Errorf("matching password rejected: %v", err)
	}
	if err := h.Compare(hash, "wrong"); err == nil {
		t.Error("wrong password accepted")
	}
	if h.NeedsRehash(hash) {
		t.Error("fresh hash should not need a rehash")
	}
	// A cost-10 hash of "secret" is below current policy.
	legacy := "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
	if !h.NeedsRehash(legacy) {
		t.Error("cost-10 hash should need a rehash")
	}
}
