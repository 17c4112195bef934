package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PGStore persists the chain in Postgres. Linearity is enforced by the
// schema: unique prev_hash (NULLs excluded via a partial unique index for the
// single genesis row) makes a conflicting writer fail its INSERT instead of
// branching the chain.
type PGStore struct {
	db *sql.DB
}

// NewPGStore returns a PGStore and ensures the audit_events table exists.
func NewPGStore(db *sql.DB) (*PGStore, error) {
	s := &PGStore{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PGStore) ensureSchema() error {
	const q = `
CREATE TABLE IF NOT EXISTS audit_events (
  seq bigint PRIMARY KEY,
  event_type text NOT NULL,
  payload jsonb NOT NULL,
  prev_hash bytea UNIQUE,
  hash bytea NOT NULL UNIQUE,
  signature bytea NOT NULL,
  signer_kid text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now(),
  streamed_at timestamptz,
  archive_key text
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_events_single_genesis
  ON audit_events ((prev_hash IS NULL)) WHERE prev_hash IS NULL;
CREATE INDEX IF NOT EXISTS idx_audit_events_unstreamed
  ON audit_events (seq) WHERE streamed_at IS NULL;
`
	_, err := s.db.Exec(q)
	return err
}

// Ping verifies connectivity to Postgres.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Head returns the tail of the chain.
func (s *PGStore) Head(ctx context.Context) (int64, []byte, error) {
	const q = `SELECT seq, hash FROM audit_events ORDER BY seq DESC LIMIT 1`
	var (
		seq  int64
		hash []byte
	)
	if err := s.db.QueryRowContext(ctx, q).Scan(&seq, &hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, nil
		}
		return 0, nil, fmt.Errorf("query chain head: %w", err)
	}
	return seq, hash, nil
}

// AppendEvent inserts the event row. A unique violation on seq or prev_hash
// means another writer extended the chain first; that surfaces as ErrConflict
// so the appender re-reads the head and retries or fails the request.
func (s *PGStore) AppendEvent(ctx context.Context, ev Event) error {
	const q = `
INSERT INTO audit_events (seq, event_type, payload, prev_hash, hash, signature, signer_kid, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
	var prev interface{}
	if !ev.Genesis() {
		prev = ev.PrevHash
	}
	_, err := s.db.ExecContext(ctx, q,
		ev.Seq, ev.EventType, []byte(ev.Payload), prev, ev.Hash, ev.Signature, ev.SignerKID, ev.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// EventBySeq fetches a single event.
func (s *PGStore) EventBySeq(ctx context.Context, seq int64) (Event, error) {
	const q = `
SELECT seq, event_type, payload, prev_hash, hash, signature, signer_kid, created_at
FROM audit_events WHERE seq = $1`
	ev, err := scanEvent(s.db.QueryRowContext(ctx, q, seq))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Event{}, ErrNotFound
		}
		return Event{}, err
	}
	return ev, nil
}

// Range returns events with from <= seq <= to in order; to == 0 means head.
func (s *PGStore) Range(ctx context.Context, from, to int64) ([]Event, error) {
	if from < 1 {
		from = 1
	}
	var (
		rows *sql.Rows
		err  error
	)
	if to > 0 {
		const q = `
SELECT seq, event_type, payload, prev_hash, hash, signature, signer_kid, created_at
FROM audit_events WHERE seq BETWEEN $1 AND $2 ORDER BY seq ASC`
		rows, err = s.db.QueryContext(ctx, q, from, to)
	} else {
		const q = `
SELECT seq, event_type, payload, prev_hash, hash, signature, signer_kid, created_at
FROM audit_events WHERE seq >= $1 ORDER BY seq ASC`
		rows, err = s.db.QueryContext(ctx, q, from)
	}
	if err != nil {
		return nil, fmt.Errorf("query audit range: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// UnstreamedBatch returns committed-but-unstreamed events, oldest first.
func (s *PGStore) UnstreamedBatch(ctx context.Context, limit int) ([]Event, error) {
	const q = `
SELECT seq, event_type, payload, prev_hash, hash, signature, signer_kid, created_at
FROM audit_events WHERE streamed_at IS NULL ORDER BY seq ASC LIMIT $1`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query unstreamed events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// MarkStreamed stamps the streaming result on the row. The event itself is
// never touched.
func (s *PGStore) MarkStreamed(ctx context.Context, seq int64, archiveKey string) error {
	const q = `UPDATE audit_events SET streamed_at = now(), archive_key = NULLIF($2, '') WHERE seq = $1`
	res, err := s.db.ExecContext(ctx, q, seq, archiveKey)
	if err != nil {
		return fmt.Errorf("mark streamed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type eventScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row eventScanner) (Event, error) {
	var (
		ev        Event
		payload   []byte
		prevHash  []byte
		createdAt time.Time
	)
	if err := row.Scan(&ev.Seq, &ev.EventType, &payload, &prevHash, &ev.Hash, &ev.Signature, &ev.SignerKID, &createdAt); err != nil {
		return Event{}, err
	}
	ev.Payload = payload
	ev.PrevHash = prevHash
	ev.CreatedAt = createdAt
	return ev, nil
}

func collectEvents(rows *sql.Rows) ([]Event, error) {
	out := make([]Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}
