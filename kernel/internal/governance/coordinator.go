// Package governance orchestrates the manifest lifecycle: submission and
// signing, multisig collection, policy-gated application, and the audit
// events recording every step.
package governance

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/VERAXIS/Core/kernel/internal/audit"
	"github.com/VERAXIS/Core/kernel/internal/canonical"
	"github.com/VERAXIS/Core/kernel/internal/idempotency"
	"github.com/VERAXIS/Core/kernel/internal/manifest"
	"github.com/VERAXIS/Core/kernel/internal/policy"
	"github.com/VERAXIS/Core/kernel/internal/registry"
	"github.com/VERAXIS/Core/kernel/internal/signer"
)

var (
	// ErrApproverNotListed is returned when the caller is not in the manifest's
	// approver set.
	ErrApproverNotListed = errors.New("governance: approver not in approver set")

	// ErrSignatureInvalid is returned when an approval signature does not
	// verify. The request is rejected with no state written.
	ErrSignatureInvalid = errors.New("governance: approval signature invalid")
)

// Config tunes coordinator behavior.
type Config struct {
	// DefaultThreshold applies to HIGH and CRITICAL impact submissions that do
	// not name their own threshold.
	DefaultThreshold int
}

// Coordinator wires the stores, the signing provider and the audit chain into
// the manifest lifecycle.
type Coordinator struct {
	manifests manifest.Store
	idem      idempotency.Store
	provider  signer.Provider
	registry  registry.Store
	chain     *audit.Chain
	gate      policy.Gate // nil means apply is unguarded
	cfg       Config
}

// New constructs a Coordinator.
func New(manifests manifest.Store, idem idempotency.Store, provider signer.Provider,
	reg registry.Store, chain *audit.Chain, gate policy.Gate, cfg Config) *Coordinator {
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = 2
	}
	return &Coordinator{
		manifests: manifests,
		idem:      idem,
		provider:  provider,
		registry:  reg,
		chain:     chain,
		gate:      gate,
		cfg:       cfg,
	}
}

// SubmitRequest is a manifest submission body.
type SubmitRequest struct {
	PackageRef    string          `json:"packageRef"`
	Impact        string          `json:"impact"`
	Preconditions json.RawMessage `json:"preconditions,omitempty"`
	Approvers     []string        `json:"approvers,omitempty"`
	Threshold     int             `json:"threshold,omitempty"`
}

// SubmitResponse is returned from Submit and replayed on idempotent retries.
type SubmitResponse struct {
	Manifest manifest.Manifest `json:"manifest"`
}

// Submit validates, persists, and signs a new manifest under an idempotency
// key. The bool result is true when the response is a replayed snapshot.
func (c *Coordinator) Submit(ctx context.Context, principal, key string, req SubmitRequest) (SubmitResponse, bool, error) {
	res, err := c.idem.Reserve(ctx, key, principal)
	if err != nil {
		return SubmitResponse{}, false, err
	}
	if !res.New {
		var replay SubmitResponse
		if err := json.Unmarshal(res.Response, &replay); err != nil {
			return SubmitResponse{}, false, fmt.Errorf("decode replay snapshot: %w", err)
		}
		return replay, true, nil
	}

	out, err := c.submit(ctx, principal, req)
	if err != nil {
		if errors.Is(err, signer.ErrUnavailable) || errors.Is(err, audit.ErrChainBusy) || errors.Is(err, registry.ErrRetired) {
			// Free the key so the client can retry the same submission once
			// the outage clears or a fresh signing key is in place.
			if relErr := c.idem.Release(ctx, key); relErr != nil {
				log.Printf("[governance] release idempotency key: %v", relErr)
			}
		}
		return SubmitResponse{}, false, err
	}

	snapshot, err := json.Marshal(out)
	if err != nil {
		return SubmitResponse{}, false, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := c.idem.Finalize(ctx, key, 201, snapshot); err != nil {
		log.Printf("[governance] finalize idempotency key: %v", err)
	}
	return out, false, nil
}

func (c *Coordinator) submit(ctx context.Context, principal string, req SubmitRequest) (SubmitResponse, error) {
	if err := c.providerActive(ctx); err != nil {
		return SubmitResponse{}, err
	}
	if err := manifest.ValidatePackageRef(req.PackageRef); err != nil {
		return SubmitResponse{}, err
	}
	if !manifest.ValidImpact(req.Impact) {
		return SubmitResponse{}, &manifest.ValidationError{Field: "impact", Msg: "unknown impact level"}
	}
	if req.Threshold < 0 {
		return SubmitResponse{}, &manifest.ValidationError{Field: "threshold", Msg: "must be >= 0"}
	}

	threshold := req.Threshold
	if threshold == 0 && manifest.HighImpact(req.Impact) {
		threshold = c.cfg.DefaultThreshold
	}

	m, err := c.manifests.Create(ctx, manifest.Manifest{
		ID:            uuid.NewString(),
		PackageRef:    req.PackageRef,
		Impact:        req.Impact,
		Preconditions: req.Preconditions,
		Status:        manifest.StateDraft,
		Threshold:     threshold,
		Approvers:     req.Approvers,
	})
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("persist draft: %w", err)
	}

	if err := c.emit(ctx, "manifest.submitted", map[string]interface{}{
		"manifestId": m.ID,
		"packageRef": m.PackageRef,
		"impact":     m.Impact,
		"threshold":  m.Threshold,
		"principal":  principal,
	}); err != nil {
		return SubmitResponse{}, fmt.Errorf("audit manifest.submitted: %w", err)
	}

	sig, err := c.signManifest(ctx, m)
	if err != nil {
		return SubmitResponse{}, err
	}
	sigID := uuid.NewString()

	signed, err := c.manifests.UpdateStatus(ctx, m.ID, manifest.StateDraft, manifest.StateSigned, func(mf *manifest.Manifest) error {
		mf.SignatureID = &sigID
		mf.SignatureB64 = base64.StdEncoding.EncodeToString(sig.Sig)
		mf.SignerKID = sig.KID
		return nil
	})
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("transition to signed: %w", err)
	}

	if err := c.emit(ctx, "manifest.signed", map[string]interface{}{
		"manifestId":  signed.ID,
		"signerKid":   signed.SignerKID,
		"signatureId": sigID,
		"principal":   principal,
	}); err != nil {
		return SubmitResponse{}, fmt.Errorf("audit manifest.signed: %w", err)
	}
	return SubmitResponse{Manifest: signed}, nil
}

// providerActive refuses new signatures from a retired provider key before
// any state is written or any remote signer is called.
func (c *Coordinator) providerActive(ctx context.Context) error {
	rec, err := c.registry.Get(ctx, c.provider.KID())
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("signing key lookup: %w", err)
	}
	if rec.Retired() {
		return fmt.Errorf("signing key %s: %w", c.provider.KID(), registry.ErrRetired)
	}
	return nil
}

// signManifest signs the canonical manifest core with purpose=manifest.
func (c *Coordinator) signManifest(ctx context.Context, m manifest.Manifest) (signer.Signature, error) {
	core, err := manifestCore(m)
	if err != nil {
		return signer.Signature{}, err
	}
	sig, err := c.provider.SignPayload(ctx, core, signer.PurposeManifest)
	if err != nil {
		return signer.Signature{}, fmt.Errorf("sign manifest: %w", err)
	}
	return sig, nil
}

// manifestCore is the canonical byte string signatures bind to: the identity
// and content of the manifest, not its mutable lifecycle fields.
func manifestCore(m manifest.Manifest) ([]byte, error) {
	core := map[string]interface{}{
		"manifest_id": m.ID,
		"package_ref": m.PackageRef,
		"impact":      m.Impact,
	}
	if len(m.Preconditions) > 0 {
		var pre interface{}
		if err := json.Unmarshal(m.Preconditions, &pre); err != nil {
			return nil, fmt.Errorf("decode preconditions: %w", err)
		}
		core["preconditions"] = pre
	}
	return canonical.MarshalCanonical(core)
}

// ManifestHash returns the hex SHA-256 of the canonical manifest core. It is
// what approvers sign over.
func ManifestHash(m manifest.Manifest) (string, error) {
	core, err := manifestCore(m)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(core)
	return hex.EncodeToString(sum[:]), nil
}

// RequestMultisig moves a signed manifest into approval collection.
func (c *Coordinator) RequestMultisig(ctx context.Context, principal, id string, threshold int, approvers []string) (manifest.Manifest, error) {
	if threshold < 1 {
		return manifest.Manifest{}, &manifest.ValidationError{Field: "threshold", Msg: "must be >= 1"}
	}
	if len(approvers) < threshold {
		return manifest.Manifest{}, &manifest.ValidationError{Field: "approvers", Msg: "fewer approvers than threshold"}
	}

	m, err := c.manifests.UpdateStatus(ctx, id, manifest.StateSigned, manifest.StateAwaitingMultisig, func(mf *manifest.Manifest) error {
		mf.Threshold = threshold
		mf.Approvers = approvers
		return nil
	})
	if err != nil {
		return manifest.Manifest{}, err
	}

	c.emitLogged(ctx, "manifest.multisig_requested", map[string]interface{}{
		"manifestId": m.ID,
		"threshold":  threshold,
		"approvers":  approvers,
		"principal":  principal,
	})
	return m, nil
}

// ApprovalPayload is the canonical structure an approver signs.
func ApprovalPayload(manifestID, manifestHash, approverID, decision, notes string) map[string]interface{} {
	payload := map[string]interface{}{
		"manifest_id":   manifestID,
		"manifest_hash": manifestHash,
		"approver_id":   approverID,
		"decision":      decision,
	}
	if notes != "" {
		payload["notes"] = notes
	}
	return payload
}

// Approve records one approver's decision. The signature must verify over the
// canonical approval payload against the approver's registered key before
// anything is written.
func (c *Coordinator) Approve(ctx context.Context, principal, id, approverID, decision, signatureB64, notes string) (manifest.Manifest, error) {
	if decision != manifest.DecisionApproved && decision != manifest.DecisionRejected {
		return manifest.Manifest{}, &manifest.ValidationError{Field: "decision", Msg: "must be approved or rejected"}
	}

	m, err := c.manifests.Get(ctx, id)
	if err != nil {
		return manifest.Manifest{}, err
	}
	if m.Status != manifest.StateAwaitingMultisig && m.Status != manifest.StateMultisigPartial {
		return manifest.Manifest{}, &manifest.TransitionError{ID: id, From: m.Status, To: manifest.StateMultisigPartial}
	}
	if !contains(m.Approvers, approverID) {
		return manifest.Manifest{}, ErrApproverNotListed
	}

	if err := c.verifyApproval(ctx, m, approverID, decision, signatureB64, notes); err != nil {
		return manifest.Manifest{}, err
	}

	if decision == manifest.DecisionRejected {
		return c.rejectOnApproval(ctx, principal, m, approverID, signatureB64, notes)
	}

	approval, created, err := c.manifests.RecordApproval(ctx, manifest.Approval{
		ID:           uuid.NewString(),
		ManifestID:   m.ID,
		ApproverID:   approverID,
		Decision:     decision,
		SignatureB64: signatureB64,
		Notes:        notes,
	})
	if err != nil {
		return manifest.Manifest{}, err
	}
	count, err := c.manifests.CountApprovals(ctx, m.ID)
	if err != nil {
		return manifest.Manifest{}, err
	}
	next := manifest.NextApprovalState(count, m.Threshold)

	if !created {
		// Same approver again: nothing new recorded, but the stored count may
		// already satisfy the threshold when an earlier request recorded the
		// approval and lost the state transition. Re-derive the state so a
		// retry converges instead of leaving the manifest stuck.
		if next == m.Status {
			return m, nil
		}
		updated, err := c.manifests.UpdateStatus(ctx, m.ID, m.Status, next, nil)
		if err != nil {
			return manifest.Manifest{}, err
		}
		if next == manifest.StateMultisigComplete {
			c.emitLogged(ctx, "manifest.multisig_complete", map[string]interface{}{
				"manifestId": m.ID,
				"count":      count,
				"threshold":  m.Threshold,
			})
		}
		return updated, nil
	}

	updated, err := c.manifests.UpdateStatus(ctx, m.ID, m.Status, next, nil)
	if err != nil {
		return manifest.Manifest{}, err
	}

	c.emitLogged(ctx, "manifest.approval.recorded", map[string]interface{}{
		"manifestId": m.ID,
		"approvalId": approval.ID,
		"approverId": approverID,
		"decision":   decision,
		"count":      count,
		"threshold":  m.Threshold,
		"principal":  principal,
	})
	if next == manifest.StateMultisigComplete {
		c.emitLogged(ctx, "manifest.multisig_complete", map[string]interface{}{
			"manifestId": m.ID,
			"count":      count,
			"threshold":  m.Threshold,
		})
	}
	return updated, nil
}

func (c *Coordinator) rejectOnApproval(ctx context.Context, principal string, m manifest.Manifest, approverID, signatureB64, notes string) (manifest.Manifest, error) {
	approval, _, err := c.manifests.RecordApproval(ctx, manifest.Approval{
		ID:           uuid.NewString(),
		ManifestID:   m.ID,
		ApproverID:   approverID,
		Decision:     manifest.DecisionRejected,
		SignatureB64: signatureB64,
		Notes:        notes,
	})
	if err != nil {
		return manifest.Manifest{}, err
	}

	updated, err := c.manifests.UpdateStatus(ctx, m.ID, m.Status, manifest.StateRejected, nil)
	if err != nil {
		return manifest.Manifest{}, err
	}

	c.emitLogged(ctx, "manifest.approval.recorded", map[string]interface{}{
		"manifestId": m.ID,
		"approvalId": approval.ID,
		"approverId": approverID,
		"decision":   manifest.DecisionRejected,
		"principal":  principal,
	})
	c.emitLogged(ctx, "manifest.rejected", map[string]interface{}{
		"manifestId": m.ID,
		"reason":     "rejected by approver " + approverID,
		"principal":  principal,
	})
	return updated, nil
}

// verifyApproval checks the approval signature against the approver's
// registered key. A failure writes nothing.
func (c *Coordinator) verifyApproval(ctx context.Context, m manifest.Manifest, approverID, decision, signatureB64, notes string) error {
	hash, err := ManifestHash(m)
	if err != nil {
		return err
	}
	payload, err := canonical.MarshalCanonical(ApprovalPayload(m.ID, hash, approverID, decision, notes))
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return &manifest.ValidationError{Field: "signatureB64", Msg: "not base64"}
	}

	rec, err := c.registry.Get(ctx, approverID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return fmt.Errorf("%w: approver key %s not registered", ErrSignatureInvalid, approverID)
		}
		return err
	}
	if rec.RetiredAt != nil {
		return fmt.Errorf("%w: approver key %s is retired", ErrSignatureInvalid, approverID)
	}
	ok, err := signer.VerifyPayload(rec.Algorithm, rec.PublicKey, payload, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !ok {
		return fmt.Errorf("%w: signature does not match", ErrSignatureInvalid)
	}
	return nil
}

// Apply transitions a manifest to applied, consulting the policy gate first
// when one is configured. Applying an already applied manifest is a no-op.
func (c *Coordinator) Apply(ctx context.Context, principal, id string) (manifest.Manifest, error) {
	m, err := c.manifests.Get(ctx, id)
	if err != nil {
		return manifest.Manifest{}, err
	}
	if m.Status == manifest.StateApplied {
		return m, nil
	}

	from := m.Status
	switch {
	case from == manifest.StateSigned && m.Threshold == 0:
	case from == manifest.StateMultisigComplete:
	default:
		return manifest.Manifest{}, &manifest.TransitionError{ID: id, From: from, To: manifest.StateApplied}
	}
	if m.SignatureID == nil {
		return manifest.Manifest{}, &manifest.TransitionError{ID: id, From: from, To: manifest.StateApplied}
	}

	if err := c.consultGate(ctx, principal, m); err != nil {
		return manifest.Manifest{}, err
	}

	applied, err := c.manifests.UpdateStatus(ctx, id, from, manifest.StateApplied, func(mf *manifest.Manifest) error {
		now := nowUTC()
		mf.AppliedAt = &now
		return nil
	})
	if err != nil {
		return manifest.Manifest{}, err
	}

	c.emitLogged(ctx, "manifest.applied", map[string]interface{}{
		"manifestId": applied.ID,
		"packageRef": applied.PackageRef,
		"principal":  principal,
	})
	return applied, nil
}

// consultGate runs the policy gate. An unavailable gate fails closed for
// CRITICAL impact and open otherwise; a deny is audited and returned.
func (c *Coordinator) consultGate(ctx context.Context, principal string, m manifest.Manifest) error {
	if c.gate == nil {
		return nil
	}
	dec, err := c.gate.Decide(ctx, policy.Input{
		Action:   "manifest.apply",
		Actor:    principal,
		Resource: "manifest/" + m.ID,
		Context: map[string]interface{}{
			"impact":     m.Impact,
			"packageRef": m.PackageRef,
		},
	})
	if err != nil {
		if errors.Is(err, policy.ErrUnavailable) && m.Impact != manifest.ImpactCritical {
			log.Printf("[governance] policy gate unavailable, failing open for %s impact: %v", m.Impact, err)
			return nil
		}
		return err
	}
	if dec.Allow {
		return nil
	}

	c.emitLogged(ctx, "manifest.blocked", map[string]interface{}{
		"manifestId": m.ID,
		"policyId":   dec.PolicyID,
		"reason":     dec.Reason,
		"principal":  principal,
	})
	return &policy.DeniedError{Decision: dec}
}

// Reject moves any non-terminal manifest to rejected.
func (c *Coordinator) Reject(ctx context.Context, principal, id, reason string) (manifest.Manifest, error) {
	m, err := c.manifests.Get(ctx, id)
	if err != nil {
		return manifest.Manifest{}, err
	}
	rejected, err := c.manifests.UpdateStatus(ctx, id, m.Status, manifest.StateRejected, nil)
	if err != nil {
		return manifest.Manifest{}, err
	}

	c.emitLogged(ctx, "manifest.rejected", map[string]interface{}{
		"manifestId": rejected.ID,
		"reason":     reason,
		"principal":  principal,
	})
	return rejected, nil
}

// RegisterSigner onboards a verification key and audits it.
func (c *Coordinator) RegisterSigner(ctx context.Context, principal string, s registry.Signer) (registry.Signer, error) {
	stored, err := c.registry.Register(ctx, s)
	if err != nil {
		return registry.Signer{}, err
	}
	c.emitLogged(ctx, "signer.registered", map[string]interface{}{
		"kid":       stored.KID,
		"algorithm": stored.Algorithm,
		"principal": principal,
	})
	return stored, nil
}

// RetireSigner retires a key and audits it.
func (c *Coordinator) RetireSigner(ctx context.Context, principal, kid string) (registry.Signer, error) {
	stored, err := c.registry.Retire(ctx, kid)
	if err != nil {
		return registry.Signer{}, err
	}
	c.emitLogged(ctx, "signer.retired", map[string]interface{}{
		"kid":       stored.KID,
		"principal": principal,
	})
	return stored, nil
}

// emit appends an audit event, tagging it with the request id when one is in
// flight. Submission events are mandatory and callers propagate the error;
// events recording an already-committed state change go through emitLogged.
func (c *Coordinator) emit(ctx context.Context, eventType string, payload map[string]interface{}) error {
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		payload["requestId"] = reqID
	}
	_, err := c.chain.Append(ctx, eventType, payload)
	return err
}

// emitLogged is the best-effort form: the state change already committed, so
// a failing append is an operational incident, not a caller error.
func (c *Coordinator) emitLogged(ctx context.Context, eventType string, payload map[string]interface{}) {
	if err := c.emit(ctx, eventType, payload); err != nil {
		log.Printf("[governance] audit append %s: %v", eventType, err)
	}
}

func nowUTC() time.Time { return time.Now().UTC() }

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
