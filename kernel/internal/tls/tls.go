// Package tlsutil builds the server TLS configuration from the kernel config.
// When a client CA bundle is configured the server can authenticate callers by
// certificate; with REQUIRE_MTLS the handshake rejects bare connections and the
// peer CN becomes the caller's principal.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/VERAXIS/Core/kernel/internal/config"
)

// FromConfig returns the tls.Config for the kernel listener, or nil when TLS
// is not configured (plain HTTP, dev only).
func FromConfig(cfg config.Config) (*tls.Config, error) {
	if cfg.TLSCertPath == "" && cfg.TLSKeyPath == "" {
		if cfg.RequireMTLS {
			return nil, fmt.Errorf("REQUIRE_MTLS set but TLS_CERT_PATH/TLS_KEY_PATH missing")
		}
		return nil, nil
	}
	if cfg.TLSCertPath == "" || cfg.TLSKeyPath == "" {
		return nil, fmt.Errorf("TLS_CERT_PATH and TLS_KEY_PATH must both be set")
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.TLSClientCAPath != "" {
		pool, err := loadCAPool(cfg.TLSClientCAPath)
		if err != nil {
			return nil, err
		}
		tlsCfg.ClientCAs = pool
		if cfg.RequireMTLS {
			tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
		}
		return tlsCfg, nil
	}

	if cfg.RequireMTLS {
		return nil, fmt.Errorf("REQUIRE_MTLS set but TLS_CLIENT_CA_PATH missing")
	}
	return tlsCfg, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("client CA bundle %s contains no certificates", path)
	}
	return pool, nil
}
