package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Sealer encrypts signing-key PEMs before they reach the database, using
// AES-256-GCM with a random nonce per sealing. The master key is configured
// once at startup, never read from the environment here.
type Sealer struct {
	key []byte
}

// NewSealer builds a Sealer from a hex-encoded 32-byte master key.
func NewSealer(keyHex string) (*Sealer, error) {
	if len(keyHex) != 64 {
		return nil, fmt.Errorf("seal key must be exactly 32 bytes (64 hex characters)")
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid seal key format (must be hex): %w", err)
	}
	return &Sealer{key: key}, nil
}

// Seal encrypts plaintext and returns a base64 blob prefixed with "enc:".
func (s *Sealer) Seal(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM mode: %w", err)
	}

	// The nonce must be unique per sealing with the same key; a repeat
	// breaks GCM entirely.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return "enc:" + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a blob produced by Seal. GCM authenticates before
// decrypting, so tampered data fails here.
func (s *Sealer) Open(sealed string) (string, error) {
	if !strings.HasPrefix(sealed, "enc:") {
		return "", fmt.Errorf("invalid sealed format (missing 'enc:' prefix)")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(sealed[4:])
	if err != nil {
		return "", fmt.Errorf("invalid base64 encoding: %w", err)
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short (possible corruption or tampering)")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("unsealing failed (wrong key or tampered data): %w", err)
	}
	return string(plaintext), nil
}

// GenerateSealKey generates a new 32-byte master key in hex format, for
// initial setup or rotation.
func GenerateSealKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
