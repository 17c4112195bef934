package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/VERAXIS/Core/kernel/internal/registry"
)

// LocalKIDPrefix marks signatures produced by an in-process key so verifiers
// can tell them apart from proxy/KMS-backed ones.
const LocalKIDPrefix = "local-ed25519:"

// LocalProvider is a simple in-process Ed25519 signer for development and
// testing only. DO NOT use LocalProvider in production.
type LocalProvider struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	kid  string
}

// NewLocalProvider builds a LocalProvider from a base64 seed (or full private
// key). An empty seed generates an ephemeral keypair.
func NewLocalProvider(seedB64 string) (*LocalProvider, error) {
	var (
		priv ed25519.PrivateKey
		pub  ed25519.PublicKey
		err  error
	)
	if strings.TrimSpace(seedB64) == "" {
		pub, priv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
	} else {
		priv, pub, err = decodeEd25519Key(seedB64)
		if err != nil {
			return nil, err
		}
	}
	sum := sha256.Sum256(pub)
	return &LocalProvider{
		priv: priv,
		pub:  pub,
		kid:  fmt.Sprintf("%s%x", LocalKIDPrefix, sum[:4]),
	}, nil
}

// SignDigest signs the provided digest bytes.
func (l *LocalProvider) SignDigest(ctx context.Context, digest []byte, purpose Purpose) (Signature, error) {
	if l.priv == nil {
		return Signature{}, errors.New("local signer: private key not initialized")
	}
	if len(digest) == 0 {
		return Signature{}, errors.New("local signer: empty digest")
	}
	return Signature{
		KID:       l.kid,
		Algorithm: registry.AlgEd25519,
		Sig:       ed25519.Sign(l.priv, digest),
		TS:        time.Now().UTC(),
	}, nil
}

// SignPayload signs the SHA-256 of the canonical payload bytes.
func (l *LocalProvider) SignPayload(ctx context.Context, payload []byte, purpose Purpose) (Signature, error) {
	if len(payload) == 0 {
		return Signature{}, errors.New("local signer: empty payload")
	}
	digest := sha256.Sum256(payload)
	return l.SignDigest(ctx, digest[:], purpose)
}

// Verify checks a signature produced by this provider against payload bytes.
func (l *LocalProvider) Verify(ctx context.Context, sig Signature, payload []byte) (bool, error) {
	return VerifyPayload(registry.AlgEd25519, l.pub, payload, sig.Sig)
}

// PublicKey returns the raw Ed25519 public key bytes.
func (l *LocalProvider) PublicKey() []byte { return l.pub }

// KID returns the derived local kid.
func (l *LocalProvider) KID() string { return l.kid }

// Algorithm returns the signing algorithm name.
func (l *LocalProvider) Algorithm() string { return registry.AlgEd25519 }

// decodeEd25519Key decodes a base64 private key into an ed25519 keypair. Both
// 32-byte seeds and 64-byte private keys are accepted.
func decodeEd25519Key(keyB64 string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(keyB64))
	if err != nil {
		return nil, nil, fmt.Errorf("unable to decode base64 key: %w", err)
	}
	switch len(data) {
	case ed25519.SeedSize:
		priv := ed25519.NewKeyFromSeed(data)
		return priv, priv.Public().(ed25519.PublicKey), nil
	case ed25519.PrivateKeySize:
		priv := ed25519.PrivateKey(data)
		return priv, priv.Public().(ed25519.PublicKey), nil
	default:
		return nil, nil, fmt.Errorf("unexpected ed25519 private key length %d", len(data))
	}
}
