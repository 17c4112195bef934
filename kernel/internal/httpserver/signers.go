package httpserver

import (
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/VERAXIS/Core/kernel/internal/registry"
)

type registerSignerRequest struct {
	KID          string `json:"kid"`
	Algorithm    string `json:"algorithm"`
	PublicKeyB64 string `json:"publicKeyB64"`
}

func (s *Server) handleRegisterSigner(w http.ResponseWriter, r *http.Request) {
	var req registerSignerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondKind(w, r, KindValidation, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	pub, err := base64.StdEncoding.DecodeString(req.PublicKeyB64)
	if err != nil {
		respondKind(w, r, KindValidation, http.StatusBadRequest, "publicKeyB64 is not base64")
		return
	}

	stored, err := s.co.RegisterSigner(r.Context(), principalID(r), registry.Signer{
		KID:       req.KID,
		Algorithm: req.Algorithm,
		PublicKey: pub,
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"signer": stored})
}

func (s *Server) handleListSigners(w http.ResponseWriter, r *http.Request) {
	signers, err := s.reg.List(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"signers": signers})
}

func (s *Server) handleGetSigner(w http.ResponseWriter, r *http.Request) {
	sg, err := s.reg.Get(r.Context(), chi.URLParam(r, "kid"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"signer": sg})
}

func (s *Server) handleRetireSigner(w http.ResponseWriter, r *http.Request) {
	sg, err := s.co.RetireSigner(r.Context(), principalID(r), chi.URLParam(r, "kid"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"signer": sg})
}
