package manifest

import "context"

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status State
	Limit  int
}

// Store persists manifests and their approvals.
type Store interface {
	// Create persists a new manifest.
	Create(ctx context.Context, m Manifest) (Manifest, error)

	// Get fetches a manifest by id.
	Get(ctx context.Context, id string) (Manifest, error)

	// List returns manifests newest first, optionally filtered.
	List(ctx context.Context, filter ListFilter) ([]Manifest, error)

	// UpdateStatus moves the manifest from -> to under a compare-and-swap on
	// the current state, applying mut to the record inside the same
	// transaction. A state other than from, or a disallowed edge, fails with
	// TransitionError.
	UpdateStatus(ctx context.Context, id string, from, to State, mut func(*Manifest) error) (Manifest, error)

	// RecordApproval stores an approval. A repeat by the same approver is a
	// no-op returning the existing row and false.
	RecordApproval(ctx context.Context, a Approval) (Approval, bool, error)

	// CountApprovals counts distinct approvers with decision=approved.
	CountApprovals(ctx context.Context, manifestID string) (int, error)

	// Approvals lists the recorded approvals for a manifest.
	Approvals(ctx context.Context, manifestID string) ([]Approval, error)
}
