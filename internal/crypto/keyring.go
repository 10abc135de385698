package crypto

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/identra/identra/internal/store"
)

// KeyManager loads persisted signing keys into the Signer and drives
// rotation. Rotation keeps retired keys published so in-flight tokens keep
// verifying until they expire; pruning happens separately.
type KeyManager struct {
	keys   store.KeyStore
	sealer *Sealer // nil in development: PEMs stored unsealed
	signer *Signer
}

// NewKeyManager wires the key store, the PEM sealer and a fresh Signer for
// the configured algorithm.
func NewKeyManager(keys store.KeyStore, sealer *Sealer, alg string) (*KeyManager, error) {
	signer, err := NewSigner(alg)
	if err != nil {
		return nil, err
	}
	return &KeyManager{keys: keys, sealer: sealer, signer: signer}, nil
}

// Signer exposes the managed signer for token operations.
func (m *KeyManager) Signer() *Signer { return m.signer }

// Load pulls all persisted keys into the in-process signer cache. When the
// store is empty it bootstraps a first active key.
func (m *KeyManager) Load(ctx context.Context) error {
	active, err := m.keys.ActiveSigningKey(ctx)
	if errors.Is(err, store.ErrNotFound) {
		if err := m.bootstrap(ctx); err != nil {
			return err
		}
		active, err = m.keys.ActiveSigningKey(ctx)
	}
	if err != nil {
		return fmt.Errorf("load active signing key: %w", err)
	}

	privPEM, err := m.unseal(active.PrivatePEM)
	if err != nil {
		return fmt.Errorf("unseal active signing key: %w", err)
	}
	priv, err := ParsePrivateKeyPEM(privPEM)
	if err != nil {
		return err
	}

	all, err := m.keys.ListSigningKeys(ctx)
	if err != nil {
		return fmt.Errorf("list signing keys: %w", err)
	}
	published := make([]PublishedKey, 0, len(all))
	for _, k := range all {
		pub, err := ParsePublicKeyPEM(k.PublicPEM)
		if err != nil {
			return fmt.Errorf("parse public key %s: %w", k.Kid, err)
		}
		published = append(published, PublishedKey{Kid: k.Kid, Alg: k.Alg, Public: pub})
	}

	m.signer.ReplaceKeys(active.Kid, priv, published)
	return nil
}

// Rotate retires the current active key, inserts a fresh one and reloads
// the signer cache. The store serializes concurrent rotations with an
// exclusive lock on the key table.
func (m *KeyManager) Rotate(ctx context.Context) error {
	next, err := m.newKey()
	if err != nil {
		return err
	}
	if err := m.keys.RotateSigningKeys(ctx, next); err != nil {
		return fmt.Errorf("rotate signing keys: %w", err)
	}
	return m.Load(ctx)
}

// PruneRetired deletes retired keys old enough that every token they
// signed has expired, then reloads the published set.
func (m *KeyManager) PruneRetired(ctx context.Context, maxTokenTTL time.Duration, now time.Time) error {
	if _, err := m.keys.DeleteRetiredKeysBefore(ctx, now.Add(-maxTokenTTL)); err != nil {
		return err
	}
	return m.Load(ctx)
}

func (m *KeyManager) bootstrap(ctx context.Context) error {
	k, err := m.newKey()
	if err != nil {
		return err
	}
	if err := m.keys.InsertSigningKey(ctx, k); err != nil {
		return fmt.Errorf("bootstrap signing key: %w", err)
	}
	return nil
}

func (m *KeyManager) newKey() (*store.SigningKey, error) {
	privPEM, pubPEM, err := GenerateKeyPair(m.signer.Algorithm())
	if err != nil {
		return nil, err
	}
	sealed, err := m.seal(privPEM)
	if err != nil {
		return nil, err
	}
	return &store.SigningKey{
		Kid:        "sig-" + uuid.NewString()[:8],
		Alg:        m.signer.Algorithm(),
		PublicPEM:  pubPEM,
		PrivatePEM: sealed,
		Status:     store.KeyStatusActive,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func (m *KeyManager) seal(pemStr string) (string, error) {
	if m.sealer == nil {
		return pemStr, nil
	}
	return m.sealer.Seal(pemStr)
}

func (m *KeyManager) unseal(stored string) (string, error) {
	if m.sealer == nil {
		return stored, nil
	}
	return m.sealer.Open(stored)
}
