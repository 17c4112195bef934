package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/VERAXIS/Core/kernel/internal/audit"
)

type appendEventRequest struct {
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var req appendEventRequest
	if err := decodeJSON(r, &req); err != nil {
		respondKind(w, r, KindValidation, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.EventType == "" {
		respondKind(w, r, KindValidation, http.StatusBadRequest, "eventType required")
		return
	}

	var payload interface{}
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			respondKind(w, r, KindValidation, http.StatusBadRequest, "payload is not JSON")
			return
		}
	} else {
		payload = map[string]interface{}{}
	}

	ev, err := s.chain.Append(r.Context(), req.EventType, payload)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"event": ev})
}

func parseSeq(v string) (int64, bool) {
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (s *Server) handleRangeEvents(w http.ResponseWriter, r *http.Request) {
	from, ok := parseSeq(r.URL.Query().Get("from"))
	if !ok {
		respondKind(w, r, KindValidation, http.StatusBadRequest, "from must be a non-negative integer")
		return
	}
	if from == 0 {
		from = 1
	}
	to, ok := parseSeq(r.URL.Query().Get("to"))
	if !ok {
		respondKind(w, r, KindValidation, http.StatusBadRequest, "to must be a non-negative integer")
		return
	}

	events, err := s.auditStore.Range(r.Context(), from, to)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleEventBySeq(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseInt(chi.URLParam(r, "seq"), 10, 64)
	if err != nil || seq < 1 {
		respondKind(w, r, KindValidation, http.StatusBadRequest, "seq must be a positive integer")
		return
	}
	ev, err := s.auditStore.EventBySeq(r.Context(), seq)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"event": ev})
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	seq, hash, err := s.auditStore.Head(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"seq":  seq,
		"hash": audit.HashHex(hash),
	})
}

type verifyRequest struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondKind(w, r, KindValidation, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.From <= 0 {
		req.From = 1
	}
	report, err := audit.Verify(r.Context(), s.auditStore, s.reg, req.From, req.To)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if !report.OK {
		s.chain.Metrics().VerifyFailed()
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleAuditStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.chain.Metrics().Snapshot())
}
