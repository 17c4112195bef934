package signer

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/VERAXIS/Core/kernel/internal/registry"
)

// KMSAPI is the subset of the cloud KMS client the provider calls. The real
// *kms.Client satisfies it; tests substitute a stub.
type KMSAPI interface {
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
	GenerateMac(ctx context.Context, params *kms.GenerateMacInput, optFns ...func(*kms.Options)) (*kms.GenerateMacOutput, error)
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSConfig configures the cloud KMS signing provider.
type KMSConfig struct {
	KeyID string
	// SigningAlgorithm is the KMS algorithm spec name:
	// RSASSA_PKCS1_V1_5_SHA_256, RSASSA_PSS_SHA_256, ECDSA_SHA_256 or
	// HMAC_SHA_256.
	SigningAlgorithm string
	Client           KMSAPI // optional; built from the default AWS config chain when nil
}

// KMSProvider signs through a cloud KMS key. Asymmetric algorithms sign the
// precomputed SHA-256 digest with MessageType=DIGEST; HMAC keys call
// GenerateMac over the raw bytes. The public key (asymmetric only) is fetched
// once at construction so verification stays local.
type KMSProvider struct {
	client    KMSAPI
	keyID     string
	kid       string
	algorithm string // registry algorithm name
	spec      kmstypes.SigningAlgorithmSpec
	publicKey []byte // DER SPKI; nil for HMAC keys
}

var kmsAlgorithms = map[string]struct {
	registryAlg string
	spec        kmstypes.SigningAlgorithmSpec
}{
	"RSASSA_PKCS1_V1_5_SHA_256": {registry.AlgRSAPKCS1, kmstypes.SigningAlgorithmSpecRsassaPkcs1V15Sha256},
	"RSASSA_PSS_SHA_256":        {registry.AlgRSAPSS, kmstypes.SigningAlgorithmSpecRsassaPssSha256},
	"ECDSA_SHA_256":             {registry.AlgECDSAP256, kmstypes.SigningAlgorithmSpecEcdsaSha256},
	"HMAC_SHA_256":              {registry.AlgHMACSHA256, ""},
}

// NewKMSProvider builds a KMSProvider for the given key. For asymmetric keys
// it fetches the public key up front; failures there are fatal because the
// daemon could never verify its own chain.
func NewKMSProvider(ctx context.Context, cfg KMSConfig) (*KMSProvider, error) {
	if cfg.KeyID == "" {
		return nil, errors.New("kms key id required")
	}
	mapping, ok := kmsAlgorithms[cfg.SigningAlgorithm]
	if !ok {
		return nil, fmt.Errorf("unsupported KMS signing algorithm %q", cfg.SigningAlgorithm)
	}

	client := cfg.Client
	if client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client = kms.NewFromConfig(awsCfg)
	}

	p := &KMSProvider{
		client:    client,
		keyID:     cfg.KeyID,
		kid:       "kms:" + shortKeyID(cfg.KeyID),
		algorithm: mapping.registryAlg,
		spec:      mapping.spec,
	}

	if p.algorithm != registry.AlgHMACSHA256 {
		out, err := client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: &p.keyID})
		if err != nil {
			return nil, fmt.Errorf("fetch kms public key: %w", err)
		}
		p.publicKey = out.PublicKey
	}
	return p, nil
}

// SignDigest signs a precomputed SHA-256 digest. HMAC keys have no digest
// mode, so the MAC is computed over the digest bytes themselves.
func (k *KMSProvider) SignDigest(ctx context.Context, digest []byte, purpose Purpose) (Signature, error) {
	if len(digest) == 0 {
		return Signature{}, errors.New("kms signer: empty digest")
	}
	return k.signBytes(ctx, digest, true)
}

// SignPayload signs canonical payload bytes: asymmetric keys digest first,
// HMAC keys MAC the bytes as given.
func (k *KMSProvider) SignPayload(ctx context.Context, payload []byte, purpose Purpose) (Signature, error) {
	if len(payload) == 0 {
		return Signature{}, errors.New("kms signer: empty payload")
	}
	if k.algorithm == registry.AlgHMACSHA256 {
		return k.signBytes(ctx, payload, false)
	}
	digest := sha256.Sum256(payload)
	return k.signBytes(ctx, digest[:], true)
}

func (k *KMSProvider) signBytes(ctx context.Context, message []byte, digestMode bool) (Signature, error) {
	var sig []byte
	err := k.withRetry(ctx, func(ctx context.Context) error {
		if k.algorithm == registry.AlgHMACSHA256 {
			out, err := k.client.GenerateMac(ctx, &kms.GenerateMacInput{
				KeyId:        &k.keyID,
				Message:      message,
				MacAlgorithm: kmstypes.MacAlgorithmSpecHmacSha256,
			})
			if err != nil {
				return err
			}
			sig = out.Mac
			return nil
		}
		messageType := kmstypes.MessageTypeRaw
		if digestMode {
			messageType = kmstypes.MessageTypeDigest
		}
		out, err := k.client.Sign(ctx, &kms.SignInput{
			KeyId:            &k.keyID,
			Message:          message,
			MessageType:      messageType,
			SigningAlgorithm: k.spec,
		})
		if err != nil {
			return err
		}
		sig = out.Signature
		return nil
	})
	if err != nil {
		return Signature{}, err
	}
	return Signature{
		KID:       k.kid,
		Algorithm: k.algorithm,
		Sig:       sig,
		TS:        time.Now().UTC(),
	}, nil
}

// Verify checks sig against canonical payload bytes. Asymmetric signatures
// verify locally against the cached public key; HMAC recomputes the MAC via
// KMS and compares in constant time.
func (k *KMSProvider) Verify(ctx context.Context, sig Signature, payload []byte) (bool, error) {
	if k.algorithm == registry.AlgHMACSHA256 {
		var mac []byte
		err := k.withRetry(ctx, func(ctx context.Context) error {
			out, err := k.client.GenerateMac(ctx, &kms.GenerateMacInput{
				KeyId:        &k.keyID,
				Message:      payload,
				MacAlgorithm: kmstypes.MacAlgorithmSpecHmacSha256,
			})
			if err != nil {
				return err
			}
			mac = out.Mac
			return nil
		})
		if err != nil {
			return false, err
		}
		return hmac.Equal(mac, sig.Sig), nil
	}
	return VerifyPayload(k.algorithm, k.publicKey, payload, sig.Sig)
}

// PublicKey returns the DER-encoded public key, or nil for HMAC keys.
func (k *KMSProvider) PublicKey() []byte { return k.publicKey }

// KID returns the derived kms kid.
func (k *KMSProvider) KID() string { return k.kid }

// Algorithm returns the registry algorithm name.
func (k *KMSProvider) Algorithm() string { return k.algorithm }

// withRetry runs fn once and retries a single time with jittered backoff on
// failure. KMS throttling and network blips are the common case; anything that
// survives the retry surfaces as ErrUnavailable.
func (k *KMSProvider) withRetry(ctx context.Context, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	backoff := time.Duration(100+rand.Intn(150)) * time.Millisecond
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
	if err = fn(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func shortKeyID(keyID string) string {
	// ARNs and aliases stay readable as a kid by keeping only the last path
	// segment.
	if i := strings.LastIndexAny(keyID, "/:"); i >= 0 && i+1 < len(keyID) {
		return keyID[i+1:]
	}
	return keyID
}
