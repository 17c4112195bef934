package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/VERAXIS/Core/kernel/internal/audit"
	"github.com/VERAXIS/Core/kernel/internal/canonical"
	"github.com/VERAXIS/Core/kernel/internal/governance"
	"github.com/VERAXIS/Core/kernel/internal/idempotency"
	"github.com/VERAXIS/Core/kernel/internal/manifest"
	"github.com/VERAXIS/Core/kernel/internal/policy"
	"github.com/VERAXIS/Core/kernel/internal/registry"
	"github.com/VERAXIS/Core/kernel/internal/signer"
)

// Contract-level error kinds surfaced in the envelope.
const (
	KindValidation        = "Validation"
	KindUnauthenticated   = "Unauthenticated"
	KindForbidden         = "Forbidden"
	KindNotFound          = "NotFound"
	KindConflict          = "Conflict"
	KindChainBusy         = "ChainBusy"
	KindRateLimited       = "RateLimited"
	KindSignerUnavailable = "SignerUnavailable"
	KindPolicyDenied      = "PolicyDenied"
	KindChainIntegrity    = "ChainIntegrity"
	KindInternal          = "Internal"
)

type errorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// classify maps a domain error to (kind, status, actor-safe message).
func classify(err error) (string, int, string) {
	var (
		ve *manifest.ValidationError
		ee *canonical.EncodingError
		te *manifest.TransitionError
		de *policy.DeniedError
		ie *audit.IntegrityError
	)
	switch {
	case errors.As(err, &ve):
		return KindValidation, http.StatusBadRequest, ve.Error()
	case errors.As(err, &ee):
		return KindValidation, http.StatusBadRequest, ee.Error()
	case errors.Is(err, governance.ErrSignatureInvalid):
		return KindValidation, http.StatusBadRequest, "approval signature invalid"
	case errors.Is(err, registry.ErrInvalidAlgorithm):
		return KindValidation, http.StatusBadRequest, err.Error()
	case errors.Is(err, governance.ErrApproverNotListed):
		return KindForbidden, http.StatusForbidden, "approver is not in the approver set"
	case errors.As(err, &de):
		return KindPolicyDenied, http.StatusForbidden, de.Error()
	case errors.Is(err, manifest.ErrNotFound),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, audit.ErrNotFound):
		return KindNotFound, http.StatusNotFound, "not found"
	case errors.As(err, &te):
		return KindConflict, http.StatusConflict, te.Error()
	case errors.Is(err, idempotency.ErrConflict):
		return KindConflict, http.StatusConflict, "idempotency key is bound to another principal"
	case errors.Is(err, idempotency.ErrPending):
		return KindConflict, http.StatusConflict, "original request still in flight, retry later"
	case errors.Is(err, registry.ErrKeyMismatch),
		errors.Is(err, registry.ErrRetired),
		errors.Is(err, audit.ErrConflict):
		return KindConflict, http.StatusConflict, err.Error()
	case errors.Is(err, audit.ErrChainBusy):
		return KindChainBusy, http.StatusTooManyRequests, "audit chain is at capacity, retry later"
	case errors.Is(err, signer.ErrUnavailable):
		return KindSignerUnavailable, http.StatusServiceUnavailable, "signing backend unavailable, retry with the same idempotency key"
	case errors.As(err, &ie), errors.Is(err, audit.ErrChainHalted):
		return KindChainIntegrity, http.StatusInternalServerError, "audit chain integrity failure, appends halted"
	case errors.Is(err, policy.ErrUnavailable):
		return KindInternal, http.StatusServiceUnavailable, "policy gate unavailable"
	default:
		return KindInternal, http.StatusInternalServerError, "internal error"
	}
}

// respondErr writes the error envelope for a domain error.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	kind, status, msg := classify(err)
	if errors.Is(err, idempotency.ErrPending) {
		w.Header().Set("Retry-After", "1")
	}
	respondJSON(w, status, errorEnvelope{Error: errorBody{
		Kind:      kind,
		Message:   msg,
		RequestID: middleware.GetReqID(r.Context()),
	}})
}

// respondKind writes the envelope for a kind decided by the handler itself.
func respondKind(w http.ResponseWriter, r *http.Request, kind string, status int, msg string) {
	respondJSON(w, status, errorEnvelope{Error: errorBody{
		Kind:      kind,
		Message:   msg,
		RequestID: middleware.GetReqID(r.Context()),
	}})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
