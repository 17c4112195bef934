package signer

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/VERAXIS/Core/kernel/internal/registry"
)

// Purpose tags what a signature protects. It travels to remote providers so
// key policy can differ per artifact class.
type Purpose string

const (
	PurposeManifest Purpose = "manifest"
	PurposeAudit    Purpose = "audit"
	PurposeApproval Purpose = "approval"
	PurposeLicense  Purpose = "license"
)

// ErrUnavailable marks transient signing failures (timeouts, 5xx, connection
// errors). Callers may retry under the same idempotency key.
var ErrUnavailable = errors.New("signer unavailable")

// Signature binds a kid to exactly one canonical payload via its SHA-256
// digest. It carries no meaning independent of that payload.
type Signature struct {
	KID       string    `json:"kid"`
	Algorithm string    `json:"algorithm"`
	Sig       []byte    `json:"sig"` // base64 in JSON
	TS        time.Time `json:"ts"`
}

// Provider produces and checks signatures. SignDigest receives a precomputed
// SHA-256 (the audit chain hash); SignPayload receives canonical bytes and
// digests them itself. For hmac-sha256 the MAC is computed over the input
// bytes as given, so digest and payload signatures are distinct artifacts.
type Provider interface {
	SignDigest(ctx context.Context, digest []byte, purpose Purpose) (Signature, error)
	SignPayload(ctx context.Context, payload []byte, purpose Purpose) (Signature, error)
	Verify(ctx context.Context, sig Signature, payload []byte) (bool, error)

	// PublicKey returns the verification key bytes, or nil when the provider
	// cannot expose one (remote proxy).
	PublicKey() []byte
	KID() string
	Algorithm() string
}

// VerifyDigest checks sig against the digest the signature was bound to, using
// a registry public key. For hmac-sha256 the key material is the shared secret
// and comparison is constant time.
func VerifyDigest(algorithm string, key []byte, digest []byte, sig []byte) (bool, error) {
	switch algorithm {
	case registry.AlgEd25519:
		pub, err := ed25519PublicKey(key)
		if err != nil {
			return false, err
		}
		return ed25519.Verify(pub, digest, sig), nil
	case registry.AlgRSAPKCS1:
		pub, err := rsaPublicKey(key)
		if err != nil {
			return false, err
		}
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest, sig); err != nil {
			return false, nil
		}
		return true, nil
	case registry.AlgRSAPSS:
		pub, err := rsaPublicKey(key)
		if err != nil {
			return false, err
		}
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}
		if err := rsa.VerifyPSS(pub, crypto.SHA256, digest, sig, opts); err != nil {
			return false, nil
		}
		return true, nil
	case registry.AlgECDSAP256:
		pub, err := ecdsaPublicKey(key)
		if err != nil {
			return false, err
		}
		return ecdsa.VerifyASN1(pub, digest, sig), nil
	case registry.AlgHMACSHA256:
		mac := hmac.New(sha256.New, key)
		mac.Write(digest)
		return hmac.Equal(mac.Sum(nil), sig), nil
	default:
		return false, fmt.Errorf("verify: %w: %s", registry.ErrInvalidAlgorithm, algorithm)
	}
}

// VerifyPayload checks sig against canonical payload bytes: asymmetric
// signatures bind to SHA-256(payload), HMACs to the payload itself.
func VerifyPayload(algorithm string, key []byte, payload []byte, sig []byte) (bool, error) {
	if algorithm == registry.AlgHMACSHA256 {
		mac := hmac.New(sha256.New, key)
		mac.Write(payload)
		return hmac.Equal(mac.Sum(nil), sig), nil
	}
	digest := sha256.Sum256(payload)
	return VerifyDigest(algorithm, key, digest[:], sig)
}

func ed25519PublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := x509.ParsePKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ed25519 public key: %w", err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("public key is not ed25519")
	}
	return pub, nil
}

func rsaPublicKey(key []byte) (*rsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse rsa public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not rsa")
	}
	return pub, nil
}

func ecdsaPublicKey(key []byte) (*ecdsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ecdsa public key: %w", err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not ecdsa")
	}
	return pub, nil
}
