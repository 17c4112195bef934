// Package httpserver exposes the kernel API: manifest governance, the signer
// registry, and the audit chain, behind authentication, RBAC and per-principal
// rate limiting.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/VERAXIS/Core/kernel/internal/audit"
	"github.com/VERAXIS/Core/kernel/internal/auth"
	"github.com/VERAXIS/Core/kernel/internal/config"
	"github.com/VERAXIS/Core/kernel/internal/governance"
	"github.com/VERAXIS/Core/kernel/internal/manifest"
	"github.com/VERAXIS/Core/kernel/internal/registry"
	"github.com/VERAXIS/Core/kernel/internal/signer"
)

// Server holds the kernel API dependencies.
type Server struct {
	cfg        config.Config
	co         *governance.Coordinator
	manifests  manifest.Store
	reg        registry.Store
	chain      *audit.Chain
	auditStore audit.Store
	provider   signer.Provider
}

// New constructs a Server.
func New(cfg config.Config, co *governance.Coordinator, manifests manifest.Store,
	reg registry.Store, chain *audit.Chain, auditStore audit.Store, provider signer.Provider) *Server {
	return &Server{
		cfg:        cfg,
		co:         co,
		manifests:  manifests,
		reg:        reg,
		chain:      chain,
		auditStore: auditStore,
		provider:   provider,
	}
}

// Router builds the chi router with the full route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)

	authn := auth.NewMiddleware(auth.Options{
		RequireMTLS:    s.cfg.RequireMTLS,
		JWTSecret:      s.cfg.AuthJWTSecret,
		AllowDevHeader: s.cfg.AuthDevAllowLocal,
	})
	limiter := newRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authn)
		r.Use(limiter.middleware)

		r.With(auth.RequireAnyRole(auth.RoleAuditor, auth.RoleAdmin)).
			Get("/status", s.handleStatus)

		r.Route("/manifests", func(r chi.Router) {
			r.With(auth.RequireRole(auth.RoleOperator)).Post("/", s.handleSubmit)
			r.With(auth.RequireAnyRole(auth.RoleOperator, auth.RoleAuditor)).Get("/", s.handleListManifests)
			r.With(auth.RequireAnyRole(auth.RoleOperator, auth.RoleAuditor)).Get("/{id}", s.handleGetManifest)
			r.With(auth.RequireRole(auth.RoleOperator)).Post("/{id}/multisig", s.handleRequestMultisig)
			r.With(auth.RequireRole(auth.RoleApprover)).Post("/{id}/approvals", s.handleApprove)
			r.With(auth.RequireRole(auth.RoleOperator)).Post("/{id}/apply", s.handleApply)
			r.With(auth.RequireRole(auth.RoleOperator)).Post("/{id}/reject", s.handleReject)
		})

		r.Route("/signers", func(r chi.Router) {
			r.With(auth.RequireRole(auth.RoleAdmin)).Post("/", s.handleRegisterSigner)
			r.Get("/", s.handleListSigners)
			r.Get("/{kid}", s.handleGetSigner)
			r.With(auth.RequireRole(auth.RoleAdmin)).Post("/{kid}/retire", s.handleRetireSigner)
		})

		r.Route("/audit", func(r chi.Router) {
			r.With(auth.RequireRole(auth.RoleOperator)).Post("/events", s.handleAppendEvent)
			r.With(auth.RequireAnyRole(auth.RoleAuditor, auth.RoleAdmin)).Get("/events", s.handleRangeEvents)
			r.With(auth.RequireAnyRole(auth.RoleAuditor, auth.RoleAdmin)).Get("/events/{seq}", s.handleEventBySeq)
			r.Get("/head", s.handleHead)
			r.With(auth.RequireAnyRole(auth.RoleAuditor, auth.RoleAdmin)).Post("/verify", s.handleVerify)
			r.With(auth.RequireAnyRole(auth.RoleAuditor, auth.RoleAdmin)).Get("/status", s.handleAuditStatus)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.auditStore.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.chain.Metrics().Snapshot()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"environment": s.cfg.NodeEnv,
		"signerKid":   s.provider.KID(),
		"algorithm":   s.provider.Algorithm(),
		"chain":       snap,
	})
}
