// Package auth extracts a caller principal from mTLS client certificates or
// HS256 bearer tokens and enforces role checks on the kernel API.
package auth

import (
	"context"
	"crypto/x509"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey string

const ctxKeyPrincipal ctxKey = "kernel.principal"

// Principal is the authenticated caller of a request.
type Principal struct {
	// ID is the stable caller identity: the cert CN, the token sub, or the
	// dev header value.
	ID string

	// PeerCN is set when the caller presented a client certificate.
	PeerCN string

	// Roles granted to the caller.
	Roles []string
}

// FromContext returns the Principal stored in the request context, or nil.
func FromContext(ctx context.Context) *Principal {
	v := ctx.Value(ctxKeyPrincipal)
	if v == nil {
		return nil
	}
	if p, ok := v.(*Principal); ok {
		return p
	}
	return nil
}

// Options configures the extraction middleware.
type Options struct {
	// RequireMTLS rejects requests without a client certificate.
	RequireMTLS bool

	// JWTSecret enables HS256 bearer validation when non-empty.
	JWTSecret string

	// AllowDevHeader accepts X-Local-Dev-Principal as the identity. Never
	// enabled in production (config validation forbids it).
	AllowDevHeader bool
}

// NewMiddleware returns middleware that authenticates the request and stores
// the Principal in the context. Requests with no usable identity are rejected
// with 401; downstream role checks produce 403.
func NewMiddleware(opts Options) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := &Principal{}

			if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
				p.PeerCN = certCommonName(r.TLS.PeerCertificates[0])
				p.ID = p.PeerCN
			} else if opts.RequireMTLS {
				http.Error(w, "client certificate required", http.StatusUnauthorized)
				return
			}

			if token := bearerToken(r); token != "" && opts.JWTSecret != "" {
				sub, roles, err := validateHS256(token, opts.JWTSecret)
				if err != nil {
					log.Printf("[auth] bearer rejected: %v", err)
					http.Error(w, "invalid token", http.StatusUnauthorized)
					return
				}
				p.ID = sub
				p.Roles = roles
			}

			if p.ID == "" && opts.AllowDevHeader {
				if dev := r.Header.Get("X-Local-Dev-Principal"); dev != "" {
					p.ID = dev
					p.Roles = []string{RoleAdmin}
				}
			}

			if p.ID == "" {
				http.Error(w, "unauthenticated", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyPrincipal, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if authz == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[7:])
}

type kernelClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

func validateHS256(token, secret string) (sub string, roles []string, err error) {
	claims := &kernelClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", nil, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", nil, fmt.Errorf("token has no subject")
	}
	return claims.Subject, claims.Roles, nil
}

func certCommonName(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	return cert.Subject.CommonName
}
