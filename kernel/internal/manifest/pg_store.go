package manifest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PGStore is a Postgres-backed manifest store. Transitions and approvals run
// in SERIALIZABLE transactions so concurrent approvals cannot both observe a
// stale count; a serialization failure is retried once.
type PGStore struct {
	db *sql.DB
}

// NewPGStore returns a PGStore and ensures the manifest tables exist.
func NewPGStore(db *sql.DB) (*PGStore, error) {
	s := &PGStore{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PGStore) ensureSchema() error {
	const q = `
CREATE TABLE IF NOT EXISTS manifests (
  id text PRIMARY KEY,
  package_ref text NOT NULL,
  impact text NOT NULL,
  preconditions jsonb,
  status text NOT NULL,
  signature_id text,
  signature_b64 text NOT NULL DEFAULT '',
  signer_kid text NOT NULL DEFAULT '',
  threshold int NOT NULL DEFAULT 0,
  approvers text[] NOT NULL DEFAULT '{}',
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now(),
  applied_at timestamptz
);
CREATE INDEX IF NOT EXISTS idx_manifests_status ON manifests (status, created_at DESC);
CREATE TABLE IF NOT EXISTS approvals (
  id text PRIMARY KEY,
  manifest_id text NOT NULL REFERENCES manifests(id),
  approver_id text NOT NULL,
  decision text NOT NULL,
  signature_b64 text NOT NULL,
  notes text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT now(),
  UNIQUE (manifest_id, approver_id)
);
`
	_, err := s.db.Exec(q)
	return err
}

const serializationFailure = "40001"

// inSerializableTx runs fn in a SERIALIZABLE transaction, retrying once when
// Postgres aborts it with a serialization failure.
func (s *PGStore) inSerializableTx(ctx context.Context, fn func(*sql.Tx) error) error {
	for attempt := 0; ; attempt++ {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		err = fn(tx)
		if err == nil {
			if err = tx.Commit(); err == nil {
				return nil
			}
		} else {
			_ = tx.Rollback()
		}
		var pqErr *pq.Error
		if attempt == 0 && errors.As(err, &pqErr) && string(pqErr.Code) == serializationFailure {
			continue
		}
		return err
	}
}

const manifestColumns = `id, package_ref, impact, preconditions, status, signature_id, signature_b64,
signer_kid, threshold, approvers, created_at, updated_at, applied_at`

// Create persists a new manifest.
func (s *PGStore) Create(ctx context.Context, m Manifest) (Manifest, error) {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = m.CreatedAt
	const q = `
INSERT INTO manifests (id, package_ref, impact, preconditions, status, signature_id, signature_b64,
  signer_kid, threshold, approvers, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
`
	_, err := s.db.ExecContext(ctx, q, m.ID, m.PackageRef, m.Impact, []byte(m.Preconditions),
		m.Status, m.SignatureID, m.SignatureB64, m.SignerKID, m.Threshold, pq.Array(m.Approvers), m.CreatedAt)
	if err != nil {
		return Manifest{}, fmt.Errorf("insert manifest: %w", err)
	}
	return m, nil
}

// Get fetches a manifest by id.
func (s *PGStore) Get(ctx context.Context, id string) (Manifest, error) {
	q := `SELECT ` + manifestColumns + ` FROM manifests WHERE id=$1`
	return scanManifest(s.db.QueryRowContext(ctx, q, id))
}

// List returns manifests newest first, optionally filtered by status.
func (s *PGStore) List(ctx context.Context, filter ListFilter) ([]Manifest, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if filter.Status != "" {
		q := `SELECT ` + manifestColumns + ` FROM manifests WHERE status=$1 ORDER BY created_at DESC LIMIT $2`
		rows, err = s.db.QueryContext(ctx, q, string(filter.Status), limit)
	} else {
		q := `SELECT ` + manifestColumns + ` FROM manifests ORDER BY created_at DESC LIMIT $1`
		rows, err = s.db.QueryContext(ctx, q, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query manifests: %w", err)
	}
	defer rows.Close()

	out := make([]Manifest, 0)
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// UpdateStatus performs the compare-and-swap transition inside a SERIALIZABLE
// transaction.
func (s *PGStore) UpdateStatus(ctx context.Context, id string, from, to State, mut func(*Manifest) error) (Manifest, error) {
	var out Manifest
	err := s.inSerializableTx(ctx, func(tx *sql.Tx) error {
		q := `SELECT ` + manifestColumns + ` FROM manifests WHERE id=$1`
		m, err := scanManifest(tx.QueryRowContext(ctx, q, id))
		if err != nil {
			return err
		}
		if m.Status != from || !CanTransition(from, to) {
			return &TransitionError{ID: id, From: m.Status, To: to}
		}
		m.Status = to
		if mut != nil {
			if err := mut(&m); err != nil {
				return err
			}
		}
		m.UpdatedAt = time.Now().UTC()
		const upd = `
UPDATE manifests SET status=$2, signature_id=$3, signature_b64=$4, signer_kid=$5, threshold=$6,
  approvers=$7, updated_at=$8, applied_at=$9
WHERE id=$1 AND status=$10
`
		res, err := tx.ExecContext(ctx, upd, m.ID, string(m.Status), m.SignatureID, m.SignatureB64,
			m.SignerKID, m.Threshold, pq.Array(m.Approvers), m.UpdatedAt, m.AppliedAt, string(from))
		if err != nil {
			return fmt.Errorf("update manifest: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return &TransitionError{ID: id, From: from, To: to}
		}
		out = m
		return nil
	})
	if err != nil {
		return Manifest{}, err
	}
	return out, nil
}

// RecordApproval inserts an approval, deduping on (manifest_id, approver_id).
func (s *PGStore) RecordApproval(ctx context.Context, a Approval) (Approval, bool, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	var (
		out     Approval
		created bool
	)
	err := s.inSerializableTx(ctx, func(tx *sql.Tx) error {
		const ins = `
INSERT INTO approvals (id, manifest_id, approver_id, decision, signature_b64, notes, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (manifest_id, approver_id) DO NOTHING
`
		res, err := tx.ExecContext(ctx, ins, a.ID, a.ManifestID, a.ApproverID, a.Decision,
			a.SignatureB64, a.Notes, a.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert approval: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			out, created = a, true
			return nil
		}
		const sel = `
SELECT id, manifest_id, approver_id, decision, signature_b64, notes, created_at
FROM approvals WHERE manifest_id=$1 AND approver_id=$2
`
		row := tx.QueryRowContext(ctx, sel, a.ManifestID, a.ApproverID)
		var existing Approval
		if err := row.Scan(&existing.ID, &existing.ManifestID, &existing.ApproverID,
			&existing.Decision, &existing.SignatureB64, &existing.Notes, &existing.CreatedAt); err != nil {
			return fmt.Errorf("read existing approval: %w", err)
		}
		out, created = existing, false
		return nil
	})
	if err != nil {
		return Approval{}, false, err
	}
	return out, created, nil
}

// CountApprovals counts distinct approvers with decision=approved.
func (s *PGStore) CountApprovals(ctx context.Context, manifestID string) (int, error) {
	const q = `SELECT count(DISTINCT approver_id) FROM approvals WHERE manifest_id=$1 AND decision=$2`
	var n int
	if err := s.db.QueryRowContext(ctx, q, manifestID, DecisionApproved).Scan(&n); err != nil {
		return 0, fmt.Errorf("count approvals: %w", err)
	}
	return n, nil
}

// Approvals lists the recorded approvals for a manifest, oldest first.
func (s *PGStore) Approvals(ctx context.Context, manifestID string) ([]Approval, error) {
	const q = `
SELECT id, manifest_id, approver_id, decision, signature_b64, notes, created_at
FROM approvals WHERE manifest_id=$1 ORDER BY created_at ASC
`
	rows, err := s.db.QueryContext(ctx, q, manifestID)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	out := make([]Approval, 0)
	for rows.Next() {
		var a Approval
		if err := rows.Scan(&a.ID, &a.ManifestID, &a.ApproverID, &a.Decision,
			&a.SignatureB64, &a.Notes, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanManifest(row rowScanner) (Manifest, error) {
	var (
		m             Manifest
		preconditions []byte
		sigID         sql.NullString
		appliedAt     sql.NullTime
		approvers     pq.StringArray
	)
	err := row.Scan(&m.ID, &m.PackageRef, &m.Impact, &preconditions, &m.Status, &sigID,
		&m.SignatureB64, &m.SignerKID, &m.Threshold, &approvers, &m.CreatedAt, &m.UpdatedAt, &appliedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Manifest{}, ErrNotFound
		}
		return Manifest{}, fmt.Errorf("scan manifest: %w", err)
	}
	m.Preconditions = preconditions
	m.Approvers = approvers
	if sigID.Valid {
		v := sigID.String
		m.SignatureID = &v
	}
	if appliedAt.Valid {
		t := appliedAt.Time
		m.AppliedAt = &t
	}
	return m, nil
}
