// Package idempotency provides replay protection for mutating API calls.
// Callers reserve an Idempotency-Key before doing work and finalize it with
// the response snapshot afterwards; a retry under the same key replays the
// snapshot instead of re-executing.
package idempotency

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConflict is returned when a key is already reserved by a different
	// principal.
	ErrConflict = errors.New("idempotency: key bound to another principal")

	// ErrPending is returned when the original request under a key is still in
	// flight. Callers should retry later.
	ErrPending = errors.New("idempotency: original request still in flight")
)

// Reservation is the outcome of a Reserve call.
type Reservation struct {
	// New is true when this call created the reservation: the caller owns the
	// key and must Finalize it.
	New bool

	// Pending is true when the key is reserved but not yet finalized.
	Pending bool

	// Status and Response are the finalized snapshot for replays.
	Status   int
	Response []byte
}

// Store records one reservation per idempotency key.
type Store interface {
	// Reserve claims key for principal. First caller wins (New=true); a retry
	// by the same principal gets the finalized snapshot, or ErrPending while
	// the original request is in flight. A different principal gets
	// ErrConflict.
	Reserve(ctx context.Context, key, principal string) (Reservation, error)

	// Finalize stores the response snapshot for a reserved key.
	Finalize(ctx context.Context, key string, status int, response []byte) error

	// Release drops a still-pending reservation so the caller can retry the
	// same key after a transient failure. Finalized keys are left alone.
	Release(ctx context.Context, key string) error

	// PurgeExpired drops reservations older than the TTL and reports how many
	// were removed.
	PurgeExpired(ctx context.Context) (int, error)
}

// DefaultTTL applies when a store is constructed with a zero TTL.
const DefaultTTL = 24 * time.Hour
