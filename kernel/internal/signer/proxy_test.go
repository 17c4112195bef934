package signer_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/VERAXIS/Core/kernel/internal/registry"
	"github.com/VERAXIS/Core/kernel/internal/signer"
)

// fakeProxy serves the signing proxy wire contract backed by an in-memory
// ed25519 key.
type fakeProxy struct {
	t        *testing.T
	priv     ed25519.PrivateKey
	kid      string
	failures int32 // respond 503 this many times before succeeding
}

func newFakeProxy(t *testing.T) *fakeProxy {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &fakeProxy{t: t, priv: priv, kid: "proxy-signer-1"}
}

func (f *fakeProxy) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "signer_kid": f.kid})
	})
	mux.HandleFunc("/sign", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&f.failures, -1) >= 0 {
			http.Error(w, "signer briefly away", http.StatusServiceUnavailable)
			return
		}
		var req struct {
			CanonicalPayload string `json:"canonical_payload"`
			DigestHex        string `json:"digest_hex"`
			Algorithm        string `json:"algorithm"`
			Purpose          string `json:"purpose"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var message []byte
		switch {
		case req.DigestHex != "":
			b, err := hex.DecodeString(req.DigestHex)
			if err != nil {
				http.Error(w, "bad digest", http.StatusBadRequest)
				return
			}
			message = b
		case req.CanonicalPayload != "":
			message = []byte(req.CanonicalPayload)
		default:
			http.Error(w, "missing payload", http.StatusBadRequest)
			return
		}
		sig := ed25519.Sign(f.priv, message)
		json.NewEncoder(w).Encode(map[string]string{
			"signature_b64": base64.StdEncoding.EncodeToString(sig),
			"signer_kid":    f.kid,
			"algorithm":     req.Algorithm,
		})
	})
	mux.HandleFunc("/verify", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CanonicalPayload string `json:"canonical_payload"`
			SignatureB64     string `json:"signature_b64"`
			SignerKID        string `json:"signer_kid"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sig, err := base64.StdEncoding.DecodeString(req.SignatureB64)
		if err != nil {
			http.Error(w, "bad signature", http.StatusBadRequest)
			return
		}
		pub := f.priv.Public().(ed25519.PublicKey)
		json.NewEncoder(w).Encode(map[string]bool{
			"verified": ed25519.Verify(pub, []byte(req.CanonicalPayload), sig),
		})
	})
	return mux
}

func newProxyProvider(t *testing.T, baseURL string, retries int) *signer.ProxyProvider {
	t.Helper()
	p, err := signer.NewProxyProvider(signer.ProxyConfig{
		BaseURL:    baseURL,
		Algorithm:  registry.AlgEd25519,
		Timeout:    2 * time.Second,
		MaxRetries: retries,
		HTTPClient: &http.Client{Timeout: 2 * time.Second},
	})
	if err != nil {
		t.Fatalf("NewProxyProvider: %v", err)
	}
	return p
}

func TestProxySignAndVerify(t *testing.T) {
	fake := newFakeProxy(t)
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	p := newProxyProvider(t, srv.URL, 1)
	if p.KID() != fake.kid {
		t.Fatalf("health probe should learn kid %q, got %q", fake.kid, p.KID())
	}

	ctx := context.Background()
	payload := []byte(`{"x":1}`)
	sig, err := p.SignPayload(ctx, payload, signer.PurposeManifest)
	if err != nil {
		t.Fatalf("SignPayload: %v", err)
	}
	if sig.KID != fake.kid {
		t.Fatalf("signature kid = %q, want %q", sig.KID, fake.kid)
	}

	ok, err := p.Verify(ctx, sig, payload)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatalf("proxy must verify its own signature")
	}
}

func TestProxySignDigestUsesDigestMode(t *testing.T) {
	fake := newFakeProxy(t)
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	p := newProxyProvider(t, srv.URL, 0)

	digest := make([]byte, 32)
	for i := range digest {
		digest[i] = byte(i)
	}
	sig, err := p.SignDigest(context.Background(), digest, signer.PurposeAudit)
	if err != nil {
		t.Fatalf("SignDigest: %v", err)
	}

	pub := fake.priv.Public().(ed25519.PublicKey)
	if !ed25519.Verify(pub, digest, sig.Sig) {
		t.Fatalf("proxy signature must be over the digest bytes")
	}
}

func TestProxyRetriesTransient5xx(t *testing.T) {
	fake := newFakeProxy(t)
	fake.failures = 1 // first attempt 503, retry succeeds
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	p := newProxyProvider(t, srv.URL, 1)
	if _, err := p.SignPayload(context.Background(), []byte("payload"), signer.PurposeAudit); err != nil {
		t.Fatalf("one retry should absorb a single 503: %v", err)
	}
}

func TestProxyExhaustedRetriesAreUnavailable(t *testing.T) {
	fake := newFakeProxy(t)
	fake.failures = 10
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	p := newProxyProvider(t, srv.URL, 1)
	_, err := p.SignPayload(context.Background(), []byte("payload"), signer.PurposeAudit)
	if !errors.Is(err, signer.ErrUnavailable) {
		t.Fatalf("persistent 503s must surface ErrUnavailable, got %v", err)
	}
}

func TestProxyClientErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "signer_kid": "k"})
			return
		}
		http.Error(w, "unknown algorithm", http.StatusBadRequest)
	}))
	defer srv.Close()

	p := newProxyProvider(t, srv.URL, 3)
	_, err := p.SignPayload(context.Background(), []byte("payload"), signer.PurposeAudit)
	if err == nil {
		t.Fatalf("expected error")
	}
	if errors.Is(err, signer.ErrUnavailable) {
		t.Fatalf("4xx responses are not retryable and must not map to ErrUnavailable: %v", err)
	}
}
