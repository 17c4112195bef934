package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Store persists the chain. Implementations must reject an AppendEvent whose
// prev_hash does not match the stored tail with ErrConflict, and must never
// mutate or delete committed rows.
type Store interface {
	// Head returns the tail of the chain: (0, nil, nil) when empty.
	Head(ctx context.Context) (int64, []byte, error)

	// AppendEvent inserts a fully-populated event. ErrConflict when ev does
	// not extend the current tail.
	AppendEvent(ctx context.Context, ev Event) error

	// EventBySeq fetches a single event; ErrNotFound when absent.
	EventBySeq(ctx context.Context, seq int64) (Event, error)

	// Range returns events with from <= seq <= to in seq order. A to of 0
	// means the current head.
	Range(ctx context.Context, from, to int64) ([]Event, error)

	// UnstreamedBatch returns up to limit committed events not yet handed to
	// the streaming pipeline, oldest first.
	UnstreamedBatch(ctx context.Context, limit int) ([]Event, error)

	// MarkStreamed records that the event was published and archived.
	// archiveKey may be empty when no archiver is configured.
	MarkStreamed(ctx context.Context, seq int64, archiveKey string) error

	// Ping reports store health.
	Ping(ctx context.Context) error
}

// HashBytes computes the SHA-256 digest bytes for input data.
func HashBytes(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

// HashHex returns the hex-encoded SHA-256 of the input bytes.
func HashHex(b []byte) string {
	return hex.EncodeToString(HashBytes(b))
}

// chainDigest computes the hash of the next link: SHA-256 over the canonical
// payload bytes followed by the previous hash bytes (absent for genesis).
func chainDigest(canonicalPayload, prevHash []byte) []byte {
	concat := make([]byte, 0, len(canonicalPayload)+len(prevHash))
	concat = append(concat, canonicalPayload...)
	concat = append(concat, prevHash...)
	return HashBytes(concat)
}
