package signer

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// ProxyConfig configures the HTTPS signing proxy client.
type ProxyConfig struct {
	BaseURL    string
	Algorithm  string
	Timeout    time.Duration // per-attempt deadline, default 3s
	MaxRetries int           // extra attempts on transient failure, default 1

	// mTLS client material; each value may be a file path or inline PEM.
	ClientCert string
	ClientKey  string
	CACert     string

	// HTTPClient overrides the built client (tests).
	HTTPClient *http.Client
}

// ProxyProvider signs by delegating to an external signing service over
// HTTPS/mTLS. The private key never enters this process; the proxy reports the
// kid it signed with and verification goes back through the same service.
type ProxyProvider struct {
	client     *http.Client
	baseURL    string
	algorithm  string
	maxRetries int

	mu  sync.RWMutex
	kid string
}

type proxySignRequest struct {
	CanonicalPayload string `json:"canonical_payload,omitempty"`
	DigestHex        string `json:"digest_hex,omitempty"`
	Algorithm        string `json:"algorithm"`
	Purpose          string `json:"purpose,omitempty"`
}

type proxySignResponse struct {
	SignatureB64 string `json:"signature_b64"`
	SignerKID    string `json:"signer_kid"`
	Algorithm    string `json:"algorithm"`
}

type proxyVerifyRequest struct {
	CanonicalPayload string `json:"canonical_payload,omitempty"`
	DigestHex        string `json:"digest_hex,omitempty"`
	SignatureB64     string `json:"signature_b64"`
	SignerKID        string `json:"signer_kid"`
}

type proxyVerifyResponse struct {
	Verified bool `json:"verified"`
}

type proxyHealthResponse struct {
	OK        bool   `json:"ok"`
	SignerKID string `json:"signer_kid"`
}

// NewProxyProvider builds a ProxyProvider and probes /health to learn the
// proxy's signer kid. A failed probe is not fatal: the kid is also recorded
// from the first successful /sign response.
func NewProxyProvider(cfg ProxyConfig) (*ProxyProvider, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("signing proxy base url required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 1
	}
	client := cfg.HTTPClient
	if client == nil {
		var err error
		client, err = buildProxyHTTPClient(cfg.ClientCert, cfg.ClientKey, cfg.CACert, cfg.Timeout)
		if err != nil {
			return nil, err
		}
	}

	p := &ProxyProvider{
		client:     client,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		algorithm:  cfg.Algorithm,
		maxRetries: cfg.MaxRetries,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := p.probeHealth(ctx); err != nil {
		log.Printf("[signer.proxy] health probe failed: %v (kid will be learned on first sign)", err)
	}
	return p, nil
}

func (p *ProxyProvider) probeHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("proxy health returned %d", resp.StatusCode)
	}
	var h proxyHealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return err
	}
	if h.SignerKID != "" {
		p.setKID(h.SignerKID)
	}
	return nil
}

// SignDigest asks the proxy to sign a precomputed SHA-256 digest.
func (p *ProxyProvider) SignDigest(ctx context.Context, digest []byte, purpose Purpose) (Signature, error) {
	if len(digest) == 0 {
		return Signature{}, errors.New("proxy signer: empty digest")
	}
	return p.sign(ctx, proxySignRequest{
		DigestHex: hex.EncodeToString(digest),
		Algorithm: p.algorithm,
		Purpose:   string(purpose),
	})
}

// SignPayload asks the proxy to sign canonical payload bytes.
func (p *ProxyProvider) SignPayload(ctx context.Context, payload []byte, purpose Purpose) (Signature, error) {
	if len(payload) == 0 {
		return Signature{}, errors.New("proxy signer: empty payload")
	}
	return p.sign(ctx, proxySignRequest{
		CanonicalPayload: string(payload),
		Algorithm:        p.algorithm,
		Purpose:          string(purpose),
	})
}

func (p *ProxyProvider) sign(ctx context.Context, body proxySignRequest) (Signature, error) {
	var resp proxySignResponse
	if err := p.postWithRetry(ctx, "/sign", body, &resp); err != nil {
		return Signature{}, err
	}
	if resp.SignatureB64 == "" || resp.SignerKID == "" {
		return Signature{}, errors.New("proxy response missing signature_b64 or signer_kid")
	}
	sig, err := base64.StdEncoding.DecodeString(resp.SignatureB64)
	if err != nil {
		return Signature{}, fmt.Errorf("proxy signature is not base64: %w", err)
	}
	p.setKID(resp.SignerKID)
	alg := resp.Algorithm
	if alg == "" {
		alg = p.algorithm
	}
	return Signature{
		KID:       resp.SignerKID,
		Algorithm: alg,
		Sig:       sig,
		TS:        time.Now().UTC(),
	}, nil
}

// Verify asks the proxy to check sig against the canonical payload bytes.
func (p *ProxyProvider) Verify(ctx context.Context, sig Signature, payload []byte) (bool, error) {
	var resp proxyVerifyResponse
	err := p.postWithRetry(ctx, "/verify", proxyVerifyRequest{
		CanonicalPayload: string(payload),
		SignatureB64:     base64.StdEncoding.EncodeToString(sig.Sig),
		SignerKID:        sig.KID,
	}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Verified, nil
}

// PublicKey returns nil: the proxy does not expose raw key material.
func (p *ProxyProvider) PublicKey() []byte { return nil }

// KID returns the kid last reported by the proxy.
func (p *ProxyProvider) KID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.kid
}

// Algorithm returns the configured signing algorithm.
func (p *ProxyProvider) Algorithm() string { return p.algorithm }

func (p *ProxyProvider) setKID(kid string) {
	p.mu.Lock()
	p.kid = kid
	p.mu.Unlock()
}

// postWithRetry retries transient failures (net timeouts, 5xx) with jittered
// backoff capped below 250ms. Exhausted retries surface as ErrUnavailable.
func (p *ProxyProvider) postWithRetry(ctx context.Context, path string, body interface{}, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(100+rand.Intn(150)) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			}
		}
		err := p.postJSON(ctx, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !transientError(err) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (p *ProxyProvider) postJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &httpStatusError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("proxy returned http %d: %s", resp.StatusCode, string(b))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("proxy decode error: %w", err)
		}
	}
	return nil
}

func transientError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var httpErr *httpStatusError
	if errors.As(err, &httpErr) && httpErr.ShouldRetry() {
		return true
	}
	// Connection-level failures (refused, reset) arrive as *url.Error wrapping
	// *net.OpError.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("proxy http %d: %s", e.StatusCode, e.Body)
}

func (e *httpStatusError) ShouldRetry() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// buildProxyHTTPClient constructs an HTTP client with optional mTLS.
func buildProxyHTTPClient(certVal, keyVal, caVal string, timeout time.Duration) (*http.Client, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if certVal != "" && keyVal != "" {
		certPEM, err := readValueOrFile(certVal)
		if err != nil {
			return nil, fmt.Errorf("read client cert: %w", err)
		}
		keyPEM, err := readValueOrFile(keyVal)
		if err != nil {
			return nil, fmt.Errorf("read client key: %w", err)
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("load client certificate/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	} else {
		log.Printf("[signer.proxy] mTLS client cert/key not provided; proceeding without client auth")
	}

	if caVal != "" {
		caPEM, err := readValueOrFile(caVal)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		cp := x509.NewCertPool()
		if !cp.AppendCertsFromPEM(caPEM) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = cp
	}

	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
		Timeout:   timeout,
	}, nil
}

// readValueOrFile returns the raw bytes of the provided string. If the string
// points to an existing file path the file contents are returned; otherwise
// the string itself is treated as PEM content (with a best-effort base64
// decode for CI-provided secrets).
func readValueOrFile(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("value is empty")
	}
	if _, err := os.Stat(value); err == nil {
		return os.ReadFile(value)
	}
	if strings.Contains(value, "BEGIN") {
		return []byte(value), nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil && len(decoded) > 0 {
		return decoded, nil
	}
	return []byte(value), nil
}
