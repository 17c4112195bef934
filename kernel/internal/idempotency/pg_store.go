package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PGStore is a Postgres-backed idempotency store. A row with a NULL response
// is a pending reservation; Finalize fills in the snapshot.
type PGStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPGStore returns a PGStore with the given TTL (DefaultTTL when 0) and
// ensures the idempotency table exists.
func NewPGStore(db *sql.DB, ttl time.Duration) (*PGStore, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &PGStore{db: db, ttl: ttl}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PGStore) ensureSchema() error {
	const q = `
CREATE TABLE IF NOT EXISTS idempotency (
  key text PRIMARY KEY,
  principal_id text NOT NULL,
  status int,
  response jsonb,
  created_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_idempotency_created_at ON idempotency (created_at);
`
	_, err := s.db.Exec(q)
	return err
}

// Reserve claims key for principal. The insert races are settled by the
// primary key: whoever inserts wins, everyone else reads the winner's row
// back and compares principals.
func (s *PGStore) Reserve(ctx context.Context, key, principal string) (Reservation, error) {
	// Expired rows are dead weight from a previous window; clear the slot
	// before trying to claim it.
	const del = `DELETE FROM idempotency WHERE key=$1 AND created_at < now() - $2::interval`
	if _, err := s.db.ExecContext(ctx, del, key, intervalSeconds(s.ttl)); err != nil {
		return Reservation{}, fmt.Errorf("expire reservation: %w", err)
	}

	const ins = `
INSERT INTO idempotency (key, principal_id, created_at)
VALUES ($1, $2, now())
ON CONFLICT (key) DO NOTHING
`
	res, err := s.db.ExecContext(ctx, ins, key, principal)
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve key: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return Reservation{New: true}, nil
	}

	const sel = `SELECT principal_id, status, response FROM idempotency WHERE key=$1`
	var (
		owner    string
		status   sql.NullInt64
		response []byte
	)
	if err := s.db.QueryRowContext(ctx, sel, key).Scan(&owner, &status, &response); err != nil {
		return Reservation{}, fmt.Errorf("read reservation: %w", err)
	}
	if owner != principal {
		return Reservation{}, ErrConflict
	}
	if !status.Valid {
		return Reservation{Pending: true}, ErrPending
	}
	return Reservation{Status: int(status.Int64), Response: response}, nil
}

// Finalize stores the response snapshot for key.
func (s *PGStore) Finalize(ctx context.Context, key string, status int, response []byte) error {
	const q = `UPDATE idempotency SET status=$2, response=$3 WHERE key=$1`
	if _, err := s.db.ExecContext(ctx, q, key, status, response); err != nil {
		return fmt.Errorf("finalize key: %w", err)
	}
	return nil
}

// Release drops a still-pending reservation.
func (s *PGStore) Release(ctx context.Context, key string) error {
	const q = `DELETE FROM idempotency WHERE key=$1 AND status IS NULL`
	if _, err := s.db.ExecContext(ctx, q, key); err != nil {
		return fmt.Errorf("release key: %w", err)
	}
	return nil
}

// PurgeExpired removes reservations older than the TTL.
func (s *PGStore) PurgeExpired(ctx context.Context) (int, error) {
	const q = `DELETE FROM idempotency WHERE created_at < now() - $1::interval`
	res, err := s.db.ExecContext(ctx, q, intervalSeconds(s.ttl))
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

func intervalSeconds(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int(d.Seconds()))
}
