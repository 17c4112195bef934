package registry

import (
	"context"
	"errors"
	"time"
)

// Supported signing algorithms. HMAC is internal-trust only: its verification
// key is the signing key, so artifacts signed with it are not externally
// verifiable.
const (
	AlgEd25519    = "ed25519"
	AlgRSAPKCS1   = "rsa-pkcs1-sha256"
	AlgRSAPSS     = "rsa-pss-sha256"
	AlgECDSAP256  = "ecdsa-p256-sha256"
	AlgHMACSHA256 = "hmac-sha256"
)

var algorithms = map[string]bool{
	AlgEd25519:    true,
	AlgRSAPKCS1:   true,
	AlgRSAPSS:     true,
	AlgECDSAP256:  true,
	AlgHMACSHA256: true,
}

// ValidAlgorithm reports whether alg is one of the supported signing algorithms.
func ValidAlgorithm(alg string) bool { return algorithms[alg] }

var (
	// ErrNotFound means no signer is registered under the requested kid.
	ErrNotFound = errors.New("signer not found")
	// ErrKeyMismatch means the kid is already registered with a different
	// public key. Kids are never rebound; rotation registers a new kid.
	ErrKeyMismatch = errors.New("signer kid already registered with a different public key")
	// ErrRetired means the signer exists but has been retired and must not
	// produce new signatures. Retired keys still verify historical ones.
	ErrRetired = errors.New("signer is retired")
	// ErrInvalidAlgorithm means the algorithm is not in the supported set.
	ErrInvalidAlgorithm = errors.New("unsupported signing algorithm")
)

// Signer is the public record of a signing identity.
type Signer struct {
	KID       string     `json:"kid"`
	Algorithm string     `json:"algorithm"`
	PublicKey []byte     `json:"publicKey"` // base64 in JSON
	CreatedAt time.Time  `json:"createdAt"`
	RetiredAt *time.Time `json:"retiredAt,omitempty"`
}

// Retired reports whether the signer has been retired.
func (s Signer) Retired() bool { return s.RetiredAt != nil }

// Store persists signer records. Registration is an idempotent upsert keyed by
// kid; a kid can never change its public key. Retiring is a metadata flag —
// rows are retained forever so historical signatures stay verifiable.
type Store interface {
	Register(ctx context.Context, s Signer) (Signer, error)
	Get(ctx context.Context, kid string) (Signer, error)
	List(ctx context.Context) ([]Signer, error)
	Retire(ctx context.Context, kid string) (Signer, error)
}

func validate(s Signer) error {
	if s.KID == "" {
		return errors.New("kid is required")
	}
	if !ValidAlgorithm(s.Algorithm) {
		return ErrInvalidAlgorithm
	}
	if len(s.PublicKey) == 0 {
		return errors.New("public key is required")
	}
	return nil
}
