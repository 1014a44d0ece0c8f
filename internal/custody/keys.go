package custody

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyRing resolves supplier signing keys
type KeyRing interface {
	SupplierKey(supplierID int64) (ed25519.PrivateKey, error)
	SupplierPublicKey(supplierID int64) (ed25519.PublicKey, error)
}

// DerivedKeyRing holds supplier keys in custody by deriving each supplier's
// Ed25519 seed from a master secret with HKDF-SHA256.
type DerivedKeyRing struct {
	secret []byte
}

// NewDerivedKeyRing creates a key ring from a master secret of at least 16 bytes
func NewDerivedKeyRing(secret []byte) (*DerivedKeyRing, error) {
	if len(secret) < 16 {
		return nil, errors.New("supplier key secret must be at least 16 bytes")
	}
	return &DerivedKeyRing{secret: secret}, nil
}

// SupplierKey returns the private signing key of a supplier
func (k *DerivedKeyRing) SupplierKey(supplierID int64) (ed25519.PrivateKey, error) {
	info := []byte(fmt.Sprintf("supplier-signing-key:%d", supplierID))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, k.secret, nil, info), seed); err != nil {
		return nil, fmt.Errorf("failed to derive key for supplier %d: %w", supplierID, err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// SupplierPublicKey returns the public verification key of a supplier
func (k *DerivedKeyRing) SupplierPublicKey(supplierID int64) (ed25519.PublicKey, error) {
	priv, err := k.SupplierKey(supplierID)
	if err != nil {
		return nil, err
	}
	return priv.Public().(ed25519.PublicKey), nil
}

// ParseServerKey decodes a base64 Ed25519 seed
func ParseServerKey(seedB64 string) (ed25519.PrivateKey, error) {
	seed, err := base64.StdEncoding.DecodeString(seedB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode server signing seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("server signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// GenerateServerKey creates a fresh server key
func GenerateServerKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate server key: %w", err)
	}
	return priv, nil
}
