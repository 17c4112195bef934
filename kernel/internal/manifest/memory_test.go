package manifest

import (
	"context"
	"errors"
	"testing"
)

func seedManifest(t *testing.T, s Store, id string, status State, threshold int, approvers ...string) Manifest {
	t.Helper()
	m, err := s.Create(context.Background(), Manifest{
		ID:         id,
		PackageRef: "cdn-edge@1.4.0",
		Impact:     ImpactHigh,
		Status:     status,
		Threshold:  threshold,
		Approvers:  approvers,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return m
}

func TestUpdateStatusCompareAndSwap(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedManifest(t, s, "m1", StateDraft, 0)

	m, err := s.UpdateStatus(ctx, "m1", StateDraft, StateSigned, func(m *Manifest) error {
		sig := "sig-1"
		m.SignatureID = &sig
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if m.Status != StateSigned || m.SignatureID == nil || *m.SignatureID != "sig-1" {
		t.Fatalf("transition result = %+v", m)
	}

	// Stale from-state loses the swap.
	var te *TransitionError
	if _, err := s.UpdateStatus(ctx, "m1", StateDraft, StateSigned, nil); !errors.As(err, &te) {
		t.Fatalf("stale CAS must be TransitionError, got %v", err)
	}

	// Disallowed edge.
	if _, err := s.UpdateStatus(ctx, "m1", StateSigned, StateMultisigComplete, nil); !errors.As(err, &te) {
		t.Fatalf("disallowed edge must be TransitionError, got %v", err)
	}

	if _, err := s.UpdateStatus(ctx, "missing", StateDraft, StateSigned, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing manifest must be ErrNotFound, got %v", err)
	}
}

func TestRecordApprovalDedupes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedManifest(t, s, "m1", StateAwaitingMultisig, 2, "alice", "bob")

	first, created, err := s.RecordApproval(ctx, Approval{
		ID: "a1", ManifestID: "m1", ApproverID: "alice", Decision: DecisionApproved, SignatureB64: "x",
	})
	if err != nil || !created {
		t.Fatalf("first approval: created=%v err=%v", created, err)
	}

	// Same approver again: no-op returning the original row.
	dup, created, err := s.RecordApproval(ctx, Approval{
		ID: "a2", ManifestID: "m1", ApproverID: "alice", Decision: DecisionApproved, SignatureB64: "y",
	})
	if err != nil || created {
		t.Fatalf("duplicate approval: created=%v err=%v", created, err)
	}
	if dup.ID != first.ID || dup.SignatureB64 != "x" {
		t.Fatalf("duplicate must return the existing row: %+v", dup)
	}

	n, err := s.CountApprovals(ctx, "m1")
	if err != nil || n != 1 {
		t.Fatalf("CountApprovals = %d, %v; want 1", n, err)
	}
}

func TestCountApprovalsIgnoresRejections(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedManifest(t, s, "m1", StateAwaitingMultisig, 2, "alice", "bob", "carol")

	for _, a := range []Approval{
		{ID: "a1", ManifestID: "m1", ApproverID: "alice", Decision: DecisionApproved, SignatureB64: "x"},
		{ID: "a2", ManifestID: "m1", ApproverID: "bob", Decision: DecisionRejected, SignatureB64: "x"},
		{ID: "a3", ManifestID: "m1", ApproverID: "carol", Decision: DecisionApproved, SignatureB64: "x"},
	} {
		if _, _, err := s.RecordApproval(ctx, a); err != nil {
			t.Fatalf("RecordApproval %s: %v", a.ApproverID, err)
		}
	}

	n, err := s.CountApprovals(ctx, "m1")
	if err != nil || n != 2 {
		t.Fatalf("CountApprovals = %d, %v; want 2 (rejection not counted)", n, err)
	}
}

func TestThresholdEdges(t *testing.T) {
	// count==threshold completes, count<threshold stays partial, including the
	// threshold-1 case where the first approval completes immediately.
	s := NewMemoryStore()
	ctx := context.Background()
	seedManifest(t, s, "m1", StateAwaitingMultisig, 1, "alice")

	if _, _, err := s.RecordApproval(ctx, Approval{
		ID: "a1", ManifestID: "m1", ApproverID: "alice", Decision: DecisionApproved, SignatureB64: "x",
	}); err != nil {
		t.Fatalf("RecordApproval: %v", err)
	}
	n, _ := s.CountApprovals(ctx, "m1")
	if NextApprovalState(n, 1) != StateMultisigComplete {
		t.Fatalf("threshold 1 must complete on the first approval")
	}
	if _, err := s.UpdateStatus(ctx, "m1", StateAwaitingMultisig, StateMultisigComplete, nil); err != nil {
		t.Fatalf("awaiting -> complete: %v", err)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedManifest(t, s, "m1", StateSigned, 0)
	seedManifest(t, s, "m2", StateApplied, 0)
	seedManifest(t, s, "m3", StateSigned, 0)

	signed, err := s.List(ctx, ListFilter{Status: StateSigned})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(signed) != 2 {
		t.Fatalf("signed manifests = %d, want 2", len(signed))
	}
	all, err := s.List(ctx, ListFilter{})
	if err != nil || len(all) != 3 {
		t.Fatalf("all manifests = %d, %v; want 3", len(all), err)
	}
	limited, err := s.List(ctx, ListFilter{Limit: 1})
	if err != nil || len(limited) != 1 {
		t.Fatalf("limited = %d, %v; want 1", len(limited), err)
	}
}
