package httpserver

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/VERAXIS/Core/kernel/internal/auth"
	"github.com/VERAXIS/Core/kernel/internal/governance"
	"github.com/VERAXIS/Core/kernel/internal/manifest"
)

func principalID(r *http.Request) string {
	if p := auth.FromContext(r.Context()); p != nil {
		return p.ID
	}
	return ""
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		respondKind(w, r, KindValidation, http.StatusBadRequest, "Idempotency-Key header required")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondKind(w, r, KindValidation, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	var body interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		respondKind(w, r, KindValidation, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := manifest.ValidateSubmission(body); err != nil {
		respondErr(w, r, err)
		return
	}
	var req governance.SubmitRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		respondKind(w, r, KindValidation, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	resp, replayed, err := s.co.Submit(r.Context(), principalID(r), key, req)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if replayed {
		respondJSON(w, http.StatusOK, resp)
		return
	}
	respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListManifests(w http.ResponseWriter, r *http.Request) {
	filter := manifest.ListFilter{}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = manifest.State(status)
	}
	out, err := s.manifests.List(r.Context(), filter)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"manifests": out})
}

func (s *Server) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	m, err := s.manifests.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	approvals, err := s.manifests.Approvals(r.Context(), m.ID)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"manifest":  m,
		"approvals": approvals,
	})
}

type multisigRequest struct {
	Threshold int      `json:"threshold"`
	Approvers []string `json:"approvers"`
}

func (s *Server) handleRequestMultisig(w http.ResponseWriter, r *http.Request) {
	var req multisigRequest
	if err := decodeJSON(r, &req); err != nil {
		respondKind(w, r, KindValidation, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	m, err := s.co.RequestMultisig(r.Context(), principalID(r), chi.URLParam(r, "id"), req.Threshold, req.Approvers)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"manifest": m})
}

type approveRequest struct {
	ApproverID   string `json:"approverId"`
	Decision     string `json:"decision"`
	SignatureB64 string `json:"signatureB64"`
	Notes        string `json:"notes,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondKind(w, r, KindValidation, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	m, err := s.co.Approve(r.Context(), principalID(r), chi.URLParam(r, "id"),
		req.ApproverID, req.Decision, req.SignatureB64, req.Notes)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"manifest": m})
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	m, err := s.co.Apply(r.Context(), principalID(r), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"manifest": m})
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decodeJSON(r, &req); err != nil {
		respondKind(w, r, KindValidation, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	m, err := s.co.Reject(r.Context(), principalID(r), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"manifest": m})
}
