package custody

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
)

// Verification failure reasons
const (
	ReasonHashMismatch             = "hash mismatch"
	ReasonSupplierSignatureInvalid = "supplier signature invalid"
	ReasonServerSignatureInvalid   = "server signature invalid"
)

// Signer issues and checks verification records for delivered orders
type Signer struct {
	serverKey ed25519.PrivateKey
	serverPub ed25519.PublicKey
	keys      KeyRing
	now       func() time.Time
}

// NewSigner creates a new signer
func NewSigner(serverKey ed25519.PrivateKey, keys KeyRing) *Signer {
	return &Signer{
		serverKey: serverKey,
		serverPub: serverKey.Public().(ed25519.PublicKey),
		keys:      keys,
		now:       models.Now,
	}
}

// ServerPublicKey returns the key that verifies server signatures
func (s *Signer) ServerPublicKey() ed25519.PublicKey {
	return s.serverPub
}

// Sign hashes the order's custody chain, has the supplier sign the hash and
// countersigns hash||supplierSignature with the server key.
func (s *Signer) Sign(order *models.Order, legs []models.OrderLeg) (*models.VerificationRecord, error) {
	hash, err := OrderHash(order, legs)
	if err != nil {
		return nil, err
	}

	supplierKey, err := s.keys.SupplierKey(order.SupplierID)
	if err != nil {
		return nil, fmt.Errorf("failed to load supplier key: %w", err)
	}
	supplierSig := ed25519.Sign(supplierKey, hash)
	serverSig := ed25519.Sign(s.serverKey, countersigned(hash, supplierSig))

	token, err := NewToken()
	if err != nil {
		return nil, err
	}

	return &models.VerificationRecord{
		OrderID:           order.ID,
		QRToken:           token,
		OrderHash:         hex.EncodeToString(hash),
		SupplierSignature: base64.StdEncoding.EncodeToString(supplierSig),
		ServerSignature:   base64.StdEncoding.EncodeToString(serverSig),
		SignedAt:          s.now(),
	}, nil
}

// Result is the outcome of verifying a record against current order state
type Result struct {
	Valid                  bool   `json:"valid"`
	HashMatches            bool   `json:"hash_matches"`
	SupplierSignatureValid bool   `json:"supplier_signature_valid"`
	ServerSignatureValid   bool   `json:"server_signature_valid"`
	Reason                 string `json:"reason,omitempty"`
}

// Err maps a failed result onto the error taxonomy
func (r *Result) Err() error {
	switch {
	case r.Valid:
		return nil
	case !r.HashMatches:
		return models.ErrHashMismatch
	default:
		return models.ErrSignatureInvalid
	}
}

// Verify recomputes the order hash from the given state, compares it with the
// stored one and checks both signatures over the stored hash independently.
func (s *Signer) Verify(rec *models.VerificationRecord, order *models.Order, legs []models.OrderLeg) (*Result, error) {
	current, err := OrderHash(order, legs)
	if err != nil {
		return nil, err
	}
	supplierPub, err := s.keys.SupplierPublicKey(order.SupplierID)
	if err != nil {
		return nil, fmt.Errorf("failed to load supplier public key: %w", err)
	}

	res := &Result{}
	stored, hashErr := hex.DecodeString(rec.OrderHash)
	res.HashMatches = hashErr == nil && bytes.Equal(stored, current)

	supplierSig, supErr := base64.StdEncoding.DecodeString(rec.SupplierSignature)
	if hashErr == nil && supErr == nil {
		res.SupplierSignatureValid = ed25519.Verify(supplierPub, stored, supplierSig)
	}

	serverSig, srvErr := base64.StdEncoding.DecodeString(rec.ServerSignature)
	if hashErr == nil && supErr == nil && srvErr == nil {
		res.ServerSignatureValid = ed25519.Verify(s.serverPub, countersigned(stored, supplierSig), serverSig)
	}

	res.Valid = res.HashMatches && res.SupplierSignatureValid && res.ServerSignatureValid
	switch {
	case !res.HashMatches:
		res.Reason = ReasonHashMismatch
	case !res.SupplierSignatureValid:
		res.Reason = ReasonSupplierSignatureInvalid
	case !res.ServerSignatureValid:
		res.Reason = ReasonServerSignatureInvalid
	}
	return res, nil
}

func countersigned(hash, supplierSig []byte) []byte {
	msg := make([]byte, 0, len(hash)+len(supplierSig))
	msg = append(msg, hash...)
	return append(msg, supplierSig...)
}
