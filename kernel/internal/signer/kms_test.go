package signer_test

import (
	"bytes"
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/VERAXIS/Core/kernel/internal/registry"
	"github.com/VERAXIS/Core/kernel/internal/signer"
)

// stubKMS implements the KMSAPI surface with an in-memory RSA key and HMAC
// secret, recording the message types it was called with.
type stubKMS struct {
	t          *testing.T
	rsaKey     *rsa.PrivateKey
	hmacSecret []byte

	lastMessageType kmstypes.MessageType
}

func newStubKMS(t *testing.T) *stubKMS {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return &stubKMS{t: t, rsaKey: key, hmacSecret: []byte("stub-hmac-secret")}
}

func (s *stubKMS) Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error) {
	s.lastMessageType = params.MessageType
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.rsaKey, crypto.SHA256, params.Message)
	if err != nil {
		return nil, err
	}
	return &kms.SignOutput{Signature: sig}, nil
}

func (s *stubKMS) GenerateMac(ctx context.Context, params *kms.GenerateMacInput, optFns ...func(*kms.Options)) (*kms.GenerateMacOutput, error) {
	mac := hmac.New(sha256.New, s.hmacSecret)
	mac.Write(params.Message)
	return &kms.GenerateMacOutput{Mac: mac.Sum(nil)}, nil
}

func (s *stubKMS) GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error) {
	der, err := x509.MarshalPKIXPublicKey(&s.rsaKey.PublicKey)
	if err != nil {
		return nil, err
	}
	return &kms.GetPublicKeyOutput{PublicKey: der}, nil
}

func TestKMSRSADigestSigning(t *testing.T) {
	stub := newStubKMS(t)
	p, err := signer.NewKMSProvider(context.Background(), signer.KMSConfig{
		KeyID:            "alias/kernel-audit",
		SigningAlgorithm: "RSASSA_PKCS1_V1_5_SHA_256",
		Client:           stub,
	})
	if err != nil {
		t.Fatalf("NewKMSProvider: %v", err)
	}
	if p.Algorithm() != registry.AlgRSAPKCS1 {
		t.Fatalf("algorithm = %q", p.Algorithm())
	}
	if len(p.PublicKey()) == 0 {
		t.Fatalf("asymmetric provider must cache the public key")
	}

	digest := sha256.Sum256([]byte("canonical-bytes"))
	sig, err := p.SignDigest(context.Background(), digest[:], signer.PurposeAudit)
	if err != nil {
		t.Fatalf("SignDigest: %v", err)
	}
	if stub.lastMessageType != kmstypes.MessageTypeDigest {
		t.Fatalf("RSA digest signing must set MessageType=DIGEST, got %q", stub.lastMessageType)
	}

	ok, err := signer.VerifyDigest(p.Algorithm(), p.PublicKey(), digest[:], sig.Sig)
	if err != nil {
		t.Fatalf("VerifyDigest: %v", err)
	}
	if !ok {
		t.Fatalf("KMS RSA signature must verify against the cached public key")
	}
}

func TestKMSSignPayloadDigestsLocally(t *testing.T) {
	stub := newStubKMS(t)
	p, err := signer.NewKMSProvider(context.Background(), signer.KMSConfig{
		KeyID:            "alias/kernel-audit",
		SigningAlgorithm: "RSASSA_PKCS1_V1_5_SHA_256",
		Client:           stub,
	})
	if err != nil {
		t.Fatalf("NewKMSProvider: %v", err)
	}

	payload := []byte(`{"k":"v"}`)
	sig, err := p.SignPayload(context.Background(), payload, signer.PurposeManifest)
	if err != nil {
		t.Fatalf("SignPayload: %v", err)
	}
	if stub.lastMessageType != kmstypes.MessageTypeDigest {
		t.Fatalf("SignPayload must precompute the digest for RSA, got MessageType=%q", stub.lastMessageType)
	}
	ok, err := p.Verify(context.Background(), sig, payload)
	if err != nil || !ok {
		t.Fatalf("Verify = %v, %v; want true, nil", ok, err)
	}
}

func TestKMSHMACUsesGenerateMac(t *testing.T) {
	stub := newStubKMS(t)
	p, err := signer.NewKMSProvider(context.Background(), signer.KMSConfig{
		KeyID:            "alias/kernel-hmac",
		SigningAlgorithm: "HMAC_SHA_256",
		Client:           stub,
	})
	if err != nil {
		t.Fatalf("NewKMSProvider: %v", err)
	}
	if p.PublicKey() != nil {
		t.Fatalf("HMAC keys expose no public key")
	}

	payload := []byte("canonical-bytes")
	sig, err := p.SignPayload(context.Background(), payload, signer.PurposeAudit)
	if err != nil {
		t.Fatalf("SignPayload: %v", err)
	}

	mac := hmac.New(sha256.New, stub.hmacSecret)
	mac.Write(payload)
	if !bytes.Equal(sig.Sig, mac.Sum(nil)) {
		t.Fatalf("HMAC signing must MAC the raw canonical bytes")
	}

	ok, err := p.Verify(context.Background(), sig, payload)
	if err != nil || !ok {
		t.Fatalf("Verify = %v, %v; want true, nil", ok, err)
	}
	sig.Sig[0] ^= 0xff
	ok, err = p.Verify(context.Background(), sig, payload)
	if err != nil || ok {
		t.Fatalf("mutated MAC must not verify")
	}
}

func TestKMSRejectsUnknownAlgorithm(t *testing.T) {
	_, err := signer.NewKMSProvider(context.Background(), signer.KMSConfig{
		KeyID:            "alias/x",
		SigningAlgorithm: "DILITHIUM_5",
		Client:           newStubKMS(t),
	})
	if err == nil {
		t.Fatalf("unknown algorithm must be rejected at construction")
	}
}
