package signer

import (
	"context"
	"fmt"
	"log"

	"github.com/VERAXIS/Core/kernel/internal/config"
	"github.com/VERAXIS/Core/kernel/internal/registry"
)

// NewFromConfig picks a signing provider from the daemon configuration.
// Preference order: signing proxy, cloud KMS, local dev key. REQUIRE_KMS
// refuses to start on the local path; config.Load already guarantees a proxy
// or KMS key is configured in that case, so reaching the fallback here is a
// hard error.
func NewFromConfig(ctx context.Context, cfg config.Config) (Provider, error) {
	if cfg.SigningProxyURL != "" {
		p, err := NewProxyProvider(ProxyConfig{
			BaseURL:    cfg.SigningProxyURL,
			Algorithm:  registry.AlgEd25519,
			Timeout:    cfg.SigningProxyTimeout,
			MaxRetries: cfg.SigningProxyMaxRetries,
			ClientCert: cfg.SigningProxyClientCert,
			ClientKey:  cfg.SigningProxyClientKey,
			CACert:     cfg.SigningProxyCA,
		})
		if err != nil {
			return nil, fmt.Errorf("signing proxy: %w", err)
		}
		log.Printf("[signer] using signing proxy at %s", cfg.SigningProxyURL)
		return p, nil
	}

	if cfg.KMSKeyID != "" {
		p, err := NewKMSProvider(ctx, KMSConfig{
			KeyID:            cfg.KMSKeyID,
			SigningAlgorithm: cfg.KMSSigningAlgorithm,
		})
		if err != nil {
			return nil, fmt.Errorf("kms provider: %w", err)
		}
		log.Printf("[signer] using KMS key %s (%s)", cfg.KMSKeyID, p.Algorithm())
		return p, nil
	}

	if cfg.RequireKMS {
		return nil, fmt.Errorf("REQUIRE_KMS is set but no proxy or KMS key is configured")
	}

	p, err := NewLocalProvider(cfg.LocalSignerSeed)
	if err != nil {
		return nil, fmt.Errorf("local provider: %w", err)
	}
	log.Printf("[signer] WARNING: using in-process dev signer %s; do not run this in production", p.KID())
	return p, nil
}
