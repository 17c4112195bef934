package governance_test

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/VERAXIS/Core/kernel/internal/audit"
	"github.com/VERAXIS/Core/kernel/internal/canonical"
	"github.com/VERAXIS/Core/kernel/internal/governance"
	"github.com/VERAXIS/Core/kernel/internal/idempotency"
	"github.com/VERAXIS/Core/kernel/internal/manifest"
	"github.com/VERAXIS/Core/kernel/internal/policy"
	"github.com/VERAXIS/Core/kernel/internal/registry"
	"github.com/VERAXIS/Core/kernel/internal/signer"
)

type env struct {
	co         *governance.Coordinator
	manifests  *manifest.MemoryStore
	auditStore *audit.MemoryStore
	reg        *registry.MemoryStore
	provider   signer.Provider
}

func newEnv(t *testing.T, gate policy.Gate, provider signer.Provider) *env {
	t.Helper()
	reg := registry.NewMemoryStore()
	if provider == nil {
		local, err := signer.NewLocalProvider("")
		if err != nil {
			t.Fatalf("NewLocalProvider: %v", err)
		}
		provider = local
	}
	if provider.PublicKey() != nil {
		if _, err := reg.Register(context.Background(), registry.Signer{
			KID:       provider.KID(),
			Algorithm: provider.Algorithm(),
			PublicKey: provider.PublicKey(),
		}); err != nil {
			t.Fatalf("register provider: %v", err)
		}
	}

	auditStore := audit.NewMemoryStore()
	chain := audit.NewChain(auditStore, provider, audit.ChainConfig{QueueDepth: 32})
	chain.Start()
	t.Cleanup(chain.Stop)

	manifests := manifest.NewMemoryStore()
	idem := idempotency.NewMemoryStore(time.Hour)
	co := governance.New(manifests, idem, provider, reg, chain, gate, governance.Config{DefaultThreshold: 2})
	return &env{co: co, manifests: manifests, auditStore: auditStore, reg: reg, provider: provider}
}

func (e *env) eventTypes(t *testing.T) []string {
	t.Helper()
	head, _, err := e.auditStore.Head(context.Background())
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head == 0 {
		return nil
	}
	events, err := e.auditStore.Range(context.Background(), 1, head)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.EventType
	}
	return out
}

// newApprover registers a fresh ed25519 key and returns its provider. The
// provider's kid doubles as the approver id.
func newApprover(t *testing.T, e *env) *signer.LocalProvider {
	t.Helper()
	p, err := signer.NewLocalProvider("")
	if err != nil {
		t.Fatalf("NewLocalProvider: %v", err)
	}
	if _, err := e.reg.Register(context.Background(), registry.Signer{
		KID:       p.KID(),
		Algorithm: p.Algorithm(),
		PublicKey: p.PublicKey(),
	}); err != nil {
		t.Fatalf("register approver: %v", err)
	}
	return p
}

func approvalSignature(t *testing.T, m manifest.Manifest, approver *signer.LocalProvider, decision, notes string) string {
	t.Helper()
	hash, err := governance.ManifestHash(m)
	if err != nil {
		t.Fatalf("ManifestHash: %v", err)
	}
	payload, err := canonical.MarshalCanonical(governance.ApprovalPayload(m.ID, hash, approver.KID(), decision, notes))
	if err != nil {
		t.Fatalf("MarshalCanonical: %v", err)
	}
	sig, err := approver.SignPayload(context.Background(), payload, signer.PurposeApproval)
	if err != nil {
		t.Fatalf("SignPayload: %v", err)
	}
	return base64.StdEncoding.EncodeToString(sig.Sig)
}

func submit(t *testing.T, e *env, key string, req governance.SubmitRequest) manifest.Manifest {
	t.Helper()
	resp, replayed, err := e.co.Submit(context.Background(), "operator-1", key, req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if replayed {
		t.Fatalf("first submit must not be a replay")
	}
	return resp.Manifest
}

func TestHappyPathThresholdZero(t *testing.T) {
	e := newEnv(t, nil, nil)
	ctx := context.Background()

	m := submit(t, e, "k-001", governance.SubmitRequest{
		PackageRef:    "cdn-edge@1.4.0",
		Impact:        manifest.ImpactLow,
		Preconditions: []byte(`{}`),
	})
	if m.Status != manifest.StateSigned {
		t.Fatalf("status after submit = %s, want signed", m.Status)
	}
	if m.SignatureID == nil || m.SignatureB64 == "" || m.SignerKID == "" {
		t.Fatalf("signed manifest missing signature fields: %+v", m)
	}
	if m.Threshold != 0 {
		t.Fatalf("LOW impact threshold = %d, want 0", m.Threshold)
	}

	applied, err := e.co.Apply(ctx, "operator-1", m.ID)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if applied.Status != manifest.StateApplied || applied.AppliedAt == nil {
		t.Fatalf("apply result = %+v", applied)
	}

	types := e.eventTypes(t)
	want := []string{"manifest.submitted", "manifest.signed", "manifest.applied"}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}

	report, err := audit.Verify(ctx, e.auditStore, e.reg, 1, 0)
	if err != nil || !report.OK {
		t.Fatalf("chain must verify after the flow: %+v, %v", report, err)
	}
}

func TestIdempotentRetryReplaysSnapshot(t *testing.T) {
	e := newEnv(t, nil, nil)
	ctx := context.Background()

	req := governance.SubmitRequest{PackageRef: "cdn-edge@1.4.0", Impact: manifest.ImpactLow}
	first := submit(t, e, "k-001", req)
	chainBefore := len(e.eventTypes(t))

	resp, replayed, err := e.co.Submit(ctx, "operator-1", "k-001", req)
	if err != nil {
		t.Fatalf("retry Submit: %v", err)
	}
	if !replayed {
		t.Fatalf("retry must be a replay")
	}
	if resp.Manifest.ID != first.ID || resp.Manifest.Status != first.Status {
		t.Fatalf("replayed response differs: %+v vs %+v", resp.Manifest, first)
	}
	if got := len(e.eventTypes(t)); got != chainBefore {
		t.Fatalf("replay must not grow the chain: %d -> %d", chainBefore, got)
	}

	// Same key, different principal.
	if _, _, err := e.co.Submit(ctx, "operator-2", "k-001", req); !errors.Is(err, idempotency.ErrConflict) {
		t.Fatalf("cross-principal key reuse must be ErrConflict, got %v", err)
	}
}

func TestMultisigFlow(t *testing.T) {
	e := newEnv(t, nil, nil)
	ctx := context.Background()
	alice := newApprover(t, e)
	bob := newApprover(t, e)
	carol := newApprover(t, e)
	approvers := []string{alice.KID(), bob.KID(), carol.KID()}

	m := submit(t, e, "k-002", governance.SubmitRequest{
		PackageRef: "cdn-edge@2.0.0",
		Impact:     manifest.ImpactHigh,
	})
	if m.Threshold != 2 {
		t.Fatalf("HIGH impact must default to threshold 2, got %d", m.Threshold)
	}

	m, err := e.co.RequestMultisig(ctx, "operator-1", m.ID, 2, approvers)
	if err != nil {
		t.Fatalf("RequestMultisig: %v", err)
	}
	if m.Status != manifest.StateAwaitingMultisig {
		t.Fatalf("status = %s", m.Status)
	}

	// Apply before approvals must be rejected.
	var te *manifest.TransitionError
	if _, err := e.co.Apply(ctx, "operator-1", m.ID); !errors.As(err, &te) {
		t.Fatalf("premature apply must be TransitionError, got %v", err)
	}

	m, err = e.co.Approve(ctx, alice.KID(), m.ID, alice.KID(), manifest.DecisionApproved,
		approvalSignature(t, m, alice, manifest.DecisionApproved, ""), "")
	if err != nil {
		t.Fatalf("alice approve: %v", err)
	}
	if m.Status != manifest.StateMultisigPartial {
		t.Fatalf("after 1/2 approvals status = %s", m.Status)
	}

	m, err = e.co.Approve(ctx, bob.KID(), m.ID, bob.KID(), manifest.DecisionApproved,
		approvalSignature(t, m, bob, manifest.DecisionApproved, "lgtm"), "lgtm")
	if err != nil {
		t.Fatalf("bob approve: %v", err)
	}
	if m.Status != manifest.StateMultisigComplete {
		t.Fatalf("after 2/2 approvals status = %s", m.Status)
	}

	applied, err := e.co.Apply(ctx, "operator-1", m.ID)
	if err != nil || applied.Status != manifest.StateApplied {
		t.Fatalf("apply after multisig: %+v, %v", applied, err)
	}

	types := e.eventTypes(t)
	want := []string{
		"manifest.submitted", "manifest.signed", "manifest.multisig_requested",
		"manifest.approval.recorded", "manifest.approval.recorded",
		"manifest.multisig_complete", "manifest.applied",
	}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
}

func TestDuplicateApprovalIsNoOp(t *testing.T) {
	e := newEnv(t, nil, nil)
	ctx := context.Background()
	alice := newApprover(t, e)
	bob := newApprover(t, e)

	m := submit(t, e, "k-003", governance.SubmitRequest{PackageRef: "svc@1.0.0", Impact: manifest.ImpactMedium})
	m, err := e.co.RequestMultisig(ctx, "operator-1", m.ID, 2, []string{alice.KID(), bob.KID()})
	if err != nil {
		t.Fatalf("RequestMultisig: %v", err)
	}

	sig := approvalSignature(t, m, alice, manifest.DecisionApproved, "")
	m, err = e.co.Approve(ctx, alice.KID(), m.ID, alice.KID(), manifest.DecisionApproved, sig, "")
	if err != nil {
		t.Fatalf("first approve: %v", err)
	}
	eventsBefore := len(e.eventTypes(t))

	again, err := e.co.Approve(ctx, alice.KID(), m.ID, alice.KID(), manifest.DecisionApproved, sig, "")
	if err != nil {
		t.Fatalf("duplicate approve must succeed as no-op: %v", err)
	}
	if again.Status != manifest.StateMultisigPartial {
		t.Fatalf("duplicate approval must not advance state: %s", again.Status)
	}
	n, err := e.manifests.CountApprovals(ctx, m.ID)
	if err != nil || n != 1 {
		t.Fatalf("count = %d, %v; want 1", n, err)
	}
	if got := len(e.eventTypes(t)); got != eventsBefore {
		t.Fatalf("duplicate approval must not emit events: %d -> %d", eventsBefore, got)
	}
}

func TestApproverRejectionTerminates(t *testing.T) {
	e := newEnv(t, nil, nil)
	ctx := context.Background()
	alice := newApprover(t, e)
	carol := newApprover(t, e)

	m := submit(t, e, "k-004", governance.SubmitRequest{PackageRef: "svc@1.0.0", Impact: manifest.ImpactHigh})
	m, err := e.co.RequestMultisig(ctx, "operator-1", m.ID, 2, []string{alice.KID(), carol.KID()})
	if err != nil {
		t.Fatalf("RequestMultisig: %v", err)
	}

	m, err = e.co.Approve(ctx, carol.KID(), m.ID, carol.KID(), manifest.DecisionRejected,
		approvalSignature(t, m, carol, manifest.DecisionRejected, "risk too high"), "risk too high")
	if err != nil {
		t.Fatalf("reject approve: %v", err)
	}
	if m.Status != manifest.StateRejected {
		t.Fatalf("status after rejection = %s", m.Status)
	}

	var te *manifest.TransitionError
	if _, err := e.co.Apply(ctx, "operator-1", m.ID); !errors.As(err, &te) {
		t.Fatalf("apply after rejection must be TransitionError, got %v", err)
	}

	types := e.eventTypes(t)
	if types[len(types)-1] != "manifest.rejected" {
		t.Fatalf("last event = %v", types)
	}
}

func TestApprovalSignatureChecks(t *testing.T) {
	e := newEnv(t, nil, nil)
	ctx := context.Background()
	alice := newApprover(t, e)
	mallory, err := signer.NewLocalProvider("")
	if err != nil {
		t.Fatalf("NewLocalProvider: %v", err)
	}

	m := submit(t, e, "k-005", governance.SubmitRequest{PackageRef: "svc@1.0.0", Impact: manifest.ImpactHigh})
	m, err = e.co.RequestMultisig(ctx, "operator-1", m.ID, 1, []string{alice.KID()})
	if err != nil {
		t.Fatalf("RequestMultisig: %v", err)
	}

	// Not in the approver set.
	if _, err := e.co.Approve(ctx, "x", m.ID, mallory.KID(), manifest.DecisionApproved, "Zm9v", ""); !errors.Is(err, governance.ErrApproverNotListed) {
		t.Fatalf("unlisted approver must fail, got %v", err)
	}

	// Signature from the wrong key.
	forged := approvalSignature(t, m, mallory, manifest.DecisionApproved, "")
	if _, err := e.co.Approve(ctx, alice.KID(), m.ID, alice.KID(), manifest.DecisionApproved, forged, ""); !errors.Is(err, governance.ErrSignatureInvalid) {
		t.Fatalf("forged signature must fail, got %v", err)
	}

	// Nothing was written.
	n, err := e.manifests.CountApprovals(ctx, m.ID)
	if err != nil || n != 0 {
		t.Fatalf("failed verifications must write nothing: count=%d, %v", n, err)
	}
}

func TestPolicyGateDeniesApply(t *testing.T) {
	deny := policy.Static{Result: policy.Decision{Allow: false, PolicyID: "freeze-7", Reason: "change freeze"}}
	e := newEnv(t, deny, nil)
	ctx := context.Background()

	m := submit(t, e, "k-006", governance.SubmitRequest{PackageRef: "svc@1.0.0", Impact: manifest.ImpactLow})

	var de *policy.DeniedError
	if _, err := e.co.Apply(ctx, "operator-1", m.ID); !errors.As(err, &de) {
		t.Fatalf("denied apply must be DeniedError, got %v", err)
	}
	if de.Decision.PolicyID != "freeze-7" {
		t.Fatalf("decision = %+v", de.Decision)
	}

	// No state change, but the block is audited.
	got, err := e.manifests.Get(ctx, m.ID)
	if err != nil || got.Status != manifest.StateSigned {
		t.Fatalf("denied apply must not advance state: %+v, %v", got, err)
	}
	types := e.eventTypes(t)
	if types[len(types)-1] != "manifest.blocked" {
		t.Fatalf("last event = %v", types)
	}
}

// flakyProvider fails its first SignPayload calls with a transient error.
type flakyProvider struct {
	*signer.LocalProvider
	failures int
}

func (f *flakyProvider) SignPayload(ctx context.Context, payload []byte, purpose signer.Purpose) (signer.Signature, error) {
	if purpose == signer.PurposeManifest && f.failures > 0 {
		f.failures--
		return signer.Signature{}, signer.ErrUnavailable
	}
	return f.LocalProvider.SignPayload(ctx, payload, purpose)
}

func TestSigningOutageIsRetryableUnderSameKey(t *testing.T) {
	local, err := signer.NewLocalProvider("")
	if err != nil {
		t.Fatalf("NewLocalProvider: %v", err)
	}
	e := newEnv(t, nil, &flakyProvider{LocalProvider: local, failures: 1})
	ctx := context.Background()

	req := governance.SubmitRequest{PackageRef: "svc@1.0.0", Impact: manifest.ImpactLow}
	_, _, err = e.co.Submit(ctx, "operator-1", "k-007", req)
	if !errors.Is(err, signer.ErrUnavailable) {
		t.Fatalf("signing outage must surface ErrUnavailable, got %v", err)
	}

	// The key was released: the retry runs the flow instead of replaying.
	resp, replayed, err := e.co.Submit(ctx, "operator-1", "k-007", req)
	if err != nil {
		t.Fatalf("retry Submit: %v", err)
	}
	if replayed {
		t.Fatalf("retry after transient failure must execute, not replay")
	}
	if resp.Manifest.Status != manifest.StateSigned {
		t.Fatalf("retry result = %+v", resp.Manifest)
	}

	// And from here the snapshot replays.
	again, replayed, err := e.co.Submit(ctx, "operator-1", "k-007", req)
	if err != nil || !replayed {
		t.Fatalf("third submit must replay: %v", err)
	}
	if again.Manifest.ID != resp.Manifest.ID {
		t.Fatalf("replay returned a different manifest")
	}
}

func TestRejectOperation(t *testing.T) {
	e := newEnv(t, nil, nil)
	ctx := context.Background()

	m := submit(t, e, "k-008", governance.SubmitRequest{PackageRef: "svc@1.0.0", Impact: manifest.ImpactLow})
	rejected, err := e.co.Reject(ctx, "admin-1", m.ID, "superseded")
	if err != nil || rejected.Status != manifest.StateRejected {
		t.Fatalf("Reject: %+v, %v", rejected, err)
	}

	// Terminal states cannot be rejected again.
	var te *manifest.TransitionError
	if _, err := e.co.Reject(ctx, "admin-1", m.ID, "again"); !errors.As(err, &te) {
		t.Fatalf("rejecting a terminal manifest must fail, got %v", err)
	}
}

func TestSignerLifecycleEvents(t *testing.T) {
	e := newEnv(t, nil, nil)
	ctx := context.Background()

	key, err := signer.NewLocalProvider("")
	if err != nil {
		t.Fatalf("NewLocalProvider: %v", err)
	}
	stored, err := e.co.RegisterSigner(ctx, "admin-1", registry.Signer{
		KID:       key.KID(),
		Algorithm: key.Algorithm(),
		PublicKey: key.PublicKey(),
	})
	if err != nil {
		t.Fatalf("RegisterSigner: %v", err)
	}
	retired, err := e.co.RetireSigner(ctx, "admin-1", stored.KID)
	if err != nil || retired.RetiredAt == nil {
		t.Fatalf("RetireSigner: %+v, %v", retired, err)
	}

	types := e.eventTypes(t)
	if types[len(types)-2] != "signer.registered" || types[len(types)-1] != "signer.retired" {
		t.Fatalf("events = %v", types)
	}
}

func TestSubmitRefusedAfterProviderKeyRetired(t *testing.T) {
	e := newEnv(t, nil, nil)
	ctx := context.Background()

	if _, err := e.co.RetireSigner(ctx, "admin-1", e.provider.KID()); err != nil {
		t.Fatalf("RetireSigner: %v", err)
	}

	req := governance.SubmitRequest{PackageRef: "svc@1.0.0", Impact: manifest.ImpactLow}
	if _, _, err := e.co.Submit(ctx, "operator-1", "k-retired", req); !errors.Is(err, registry.ErrRetired) {
		t.Fatalf("Submit with retired signing key: err = %v, want ErrRetired", err)
	}

	// Nothing was written: no draft manifest, no lifecycle events beyond the
	// retirement itself.
	list, err := e.manifests.List(ctx, manifest.ListFilter{})
	if err != nil || len(list) != 0 {
		t.Fatalf("manifests after refused submit: %v, %v", list, err)
	}
	types := e.eventTypes(t)
	if len(types) != 1 || types[0] != "signer.retired" {
		t.Fatalf("events = %v", types)
	}

	// The key was released, so the retry reports the same refusal instead of
	// a pending reservation.
	if _, _, err := e.co.Submit(ctx, "operator-1", "k-retired", req); !errors.Is(err, registry.ErrRetired) {
		t.Fatalf("retry under the same key: err = %v, want ErrRetired", err)
	}
}

// brokenAppendStore fails every chain commit, halting the chain on the first
// append.
type brokenAppendStore struct {
	*audit.MemoryStore
}

func (s *brokenAppendStore) AppendEvent(ctx context.Context, ev audit.Event) error {
	return errors.New("disk full")
}

func TestSubmitFailsWhenChainCannotCommit(t *testing.T) {
	ctx := context.Background()
	provider, err := signer.NewLocalProvider("")
	if err != nil {
		t.Fatalf("NewLocalProvider: %v", err)
	}
	reg := registry.NewMemoryStore()
	if _, err := reg.Register(ctx, registry.Signer{
		KID:       provider.KID(),
		Algorithm: provider.Algorithm(),
		PublicKey: provider.PublicKey(),
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	store := &brokenAppendStore{MemoryStore: audit.NewMemoryStore()}
	chain := audit.NewChain(store, provider, audit.ChainConfig{QueueDepth: 32})
	chain.Start()
	t.Cleanup(chain.Stop)

	manifests := manifest.NewMemoryStore()
	co := governance.New(manifests, idempotency.NewMemoryStore(time.Hour), provider, reg, chain, nil,
		governance.Config{DefaultThreshold: 2})

	req := governance.SubmitRequest{PackageRef: "svc@1.0.0", Impact: manifest.ImpactLow}
	if _, _, err := co.Submit(ctx, "operator-1", "k-halt", req); err == nil {
		t.Fatal("Submit must fail when the submitted event cannot be committed")
	}

	head, _, err := store.MemoryStore.Head(ctx)
	if err != nil || head != 0 {
		t.Fatalf("chain head = %d, %v; want empty chain", head, err)
	}

	// The chain is halted; a retry must not report success either.
	if _, _, err := co.Submit(ctx, "operator-1", "k-halt", req); err == nil {
		t.Fatal("retry on a halted chain must fail")
	}
}

func TestDuplicateApprovalHealsLostTransition(t *testing.T) {
	e := newEnv(t, nil, nil)
	ctx := context.Background()
	alice := newApprover(t, e)
	bob := newApprover(t, e)

	m := submit(t, e, "k-heal", governance.SubmitRequest{PackageRef: "svc@3.0.0", Impact: manifest.ImpactHigh})
	m, err := e.co.RequestMultisig(ctx, "operator-1", m.ID, 2, []string{alice.KID(), bob.KID()})
	if err != nil {
		t.Fatalf("RequestMultisig: %v", err)
	}

	m, err = e.co.Approve(ctx, alice.KID(), m.ID, alice.KID(), manifest.DecisionApproved,
		approvalSignature(t, m, alice, manifest.DecisionApproved, ""), "")
	if err != nil || m.Status != manifest.StateMultisigPartial {
		t.Fatalf("alice approve: %+v, %v", m, err)
	}

	// Bob's approval was recorded by an earlier request that crashed before
	// the state transition landed.
	bobSig := approvalSignature(t, m, bob, manifest.DecisionApproved, "")
	if _, created, err := e.manifests.RecordApproval(ctx, manifest.Approval{
		ID:           "approval-bob-1",
		ManifestID:   m.ID,
		ApproverID:   bob.KID(),
		Decision:     manifest.DecisionApproved,
		SignatureB64: bobSig,
	}); err != nil || !created {
		t.Fatalf("record bob approval: created=%v, %v", created, err)
	}

	// Bob's retry must converge on the stored count instead of returning the
	// stale partial state.
	healed, err := e.co.Approve(ctx, bob.KID(), m.ID, bob.KID(), manifest.DecisionApproved, bobSig, "")
	if err != nil {
		t.Fatalf("bob retry: %v", err)
	}
	if healed.Status != manifest.StateMultisigComplete {
		t.Fatalf("status after retry = %s, want multisig_complete", healed.Status)
	}

	applied, err := e.co.Apply(ctx, "operator-1", m.ID)
	if err != nil || applied.Status != manifest.StateApplied {
		t.Fatalf("apply after heal: %+v, %v", applied, err)
	}

	types := e.eventTypes(t)
	if types[len(types)-2] != "manifest.multisig_complete" || types[len(types)-1] != "manifest.applied" {
		t.Fatalf("events = %v", types)
	}
}
