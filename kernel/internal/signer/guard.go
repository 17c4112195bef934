package signer

import (
	"context"
	"errors"
	"fmt"

	"github.com/VERAXIS/Core/kernel/internal/registry"
)

// RegistryGuard wraps a Provider and refuses to sign while the provider's kid
// is retired in the registry. Retired keys still verify historical signatures,
// so Verify passes through untouched. A kid with no registry record is allowed
// to sign: registration happens at boot, and proxy-backed kids may be enrolled
// out of band.
type RegistryGuard struct {
	Provider
	reg registry.Store
}

// NewRegistryGuard wraps provider with a retirement check against reg.
func NewRegistryGuard(provider Provider, reg registry.Store) *RegistryGuard {
	return &RegistryGuard{Provider: provider, reg: reg}
}

func (g *RegistryGuard) checkActive(ctx context.Context) error {
	rec, err := g.reg.Get(ctx, g.Provider.KID())
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil
		}
		// Registry outage is transient; callers may retry under the same
		// idempotency key.
		return fmt.Errorf("%w: registry lookup for %s: %v", ErrUnavailable, g.Provider.KID(), err)
	}
	if rec.Retired() {
		return fmt.Errorf("signing key %s: %w", g.Provider.KID(), registry.ErrRetired)
	}
	return nil
}

// SignDigest refuses with registry.ErrRetired when the kid is retired.
func (g *RegistryGuard) SignDigest(ctx context.Context, digest []byte, purpose Purpose) (Signature, error) {
	if err := g.checkActive(ctx); err != nil {
		return Signature{}, err
	}
	return g.Provider.SignDigest(ctx, digest, purpose)
}

// SignPayload refuses with registry.ErrRetired when the kid is retired.
func (g *RegistryGuard) SignPayload(ctx context.Context, payload []byte, purpose Purpose) (Signature, error) {
	if err := g.checkActive(ctx); err != nil {
		return Signature{}, err
	}
	return g.Provider.SignPayload(ctx, payload, purpose)
}
