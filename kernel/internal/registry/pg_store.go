package registry

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PGStore is a Postgres-backed signer registry.
type PGStore struct {
	db *sql.DB
}

// NewPGStore returns a PGStore and ensures the signers table exists.
func NewPGStore(db *sql.DB) (*PGStore, error) {
	s := &PGStore{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PGStore) ensureSchema() error {
	const q = `
CREATE TABLE IF NOT EXISTS signers (
  kid text PRIMARY KEY,
  algorithm text NOT NULL,
  public_key bytea NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now(),
  retired_at timestamptz
);
CREATE INDEX IF NOT EXISTS idx_signers_created_at ON signers (created_at DESC);
`
	_, err := s.db.Exec(q)
	return err
}

// Register inserts the signer if its kid is new, otherwise verifies the stored
// public key matches and returns the stored record.
func (s *PGStore) Register(ctx context.Context, sg Signer) (Signer, error) {
	if err := validate(sg); err != nil {
		return Signer{}, err
	}
	const ins = `
INSERT INTO signers (kid, algorithm, public_key, created_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (kid) DO NOTHING
`
	if _, err := s.db.ExecContext(ctx, ins, sg.KID, sg.Algorithm, sg.PublicKey); err != nil {
		return Signer{}, fmt.Errorf("insert signer: %w", err)
	}
	stored, err := s.Get(ctx, sg.KID)
	if err != nil {
		return Signer{}, err
	}
	if !bytes.Equal(stored.PublicKey, sg.PublicKey) {
		return Signer{}, ErrKeyMismatch
	}
	return stored, nil
}

// Get fetches a signer by kid.
func (s *PGStore) Get(ctx context.Context, kid string) (Signer, error) {
	const q = `SELECT kid, algorithm, public_key, created_at, retired_at FROM signers WHERE kid=$1`
	return scanSigner(s.db.QueryRowContext(ctx, q, kid))
}

// List returns all registered signers ordered by created_at desc.
func (s *PGStore) List(ctx context.Context) ([]Signer, error) {
	const q = `SELECT kid, algorithm, public_key, created_at, retired_at FROM signers ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query signers: %w", err)
	}
	defer rows.Close()

	out := make([]Signer, 0)
	for rows.Next() {
		var (
			sg        Signer
			retiredAt sql.NullTime
		)
		if err := rows.Scan(&sg.KID, &sg.Algorithm, &sg.PublicKey, &sg.CreatedAt, &retiredAt); err != nil {
			return nil, fmt.Errorf("scan signer row: %w", err)
		}
		if retiredAt.Valid {
			t := retiredAt.Time
			sg.RetiredAt = &t
		}
		out = append(out, sg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// Retire sets retired_at once. Rows are never deleted: retired signers keep
// verifying historical signatures.
func (s *PGStore) Retire(ctx context.Context, kid string) (Signer, error) {
	const q = `UPDATE signers SET retired_at = now() WHERE kid=$1 AND retired_at IS NULL`
	if _, err := s.db.ExecContext(ctx, q, kid); err != nil {
		return Signer{}, fmt.Errorf("retire signer: %w", err)
	}
	return s.Get(ctx, kid)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSigner(row rowScanner) (Signer, error) {
	var (
		sg        Signer
		createdAt time.Time
		retiredAt sql.NullTime
	)
	if err := row.Scan(&sg.KID, &sg.Algorithm, &sg.PublicKey, &createdAt, &retiredAt); err != nil {
		if err == sql.ErrNoRows {
			return Signer{}, ErrNotFound
		}
		return Signer{}, fmt.Errorf("query signer: %w", err)
	}
	sg.CreatedAt = createdAt
	if retiredAt.Valid {
		t := retiredAt.Time
		sg.RetiredAt = &t
	}
	return sg, nil
}
