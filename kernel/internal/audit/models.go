// package audit implements the append-only, hash-chained, signed event log at
// the center of the kernel. Every governance action commits here before it is
// acknowledged.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event is one link of the chain. Hash = SHA-256(canonical(payload) ||
// prevHash); the signature is over Hash. The genesis event has an empty
// PrevHash; every other event's PrevHash equals its predecessor's Hash.
type Event struct {
	Seq       int64           `json:"seq"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"` // canonical bytes as committed
	PrevHash  []byte          `json:"prevHash,omitempty"`
	Hash      []byte          `json:"hash"`
	Signature []byte          `json:"signature"`
	SignerKID string          `json:"signerKid"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Genesis reports whether the event starts the chain.
func (e Event) Genesis() bool { return len(e.PrevHash) == 0 }

var (
	// ErrNotFound means no event exists at the requested seq.
	ErrNotFound = errors.New("audit event not found")

	// ErrConflict means an append raced another writer: the stored tail no
	// longer matches the prev_hash the event was built against. The chain
	// never branches; exactly one of the racing writers wins.
	ErrConflict = errors.New("audit chain tail conflict")

	// ErrChainBusy means the append queue is full. Callers should back off and
	// retry; the chain sheds load instead of queueing unboundedly.
	ErrChainBusy = errors.New("audit chain busy")

	// ErrChainHalted wraps an IntegrityError for appends attempted after the
	// chain stopped itself.
	ErrChainHalted = errors.New("audit chain halted")
)

// IntegrityError reports a hash or signature failure on the append path. The
// chain halts on the first one: appending past a broken link would sign a lie.
type IntegrityError struct {
	Seq    int64
	Reason string
	Err    error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audit chain integrity failure at seq %d (%s): %v", e.Seq, e.Reason, e.Err)
	}
	return fmt.Sprintf("audit chain integrity failure at seq %d (%s)", e.Seq, e.Reason)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// Verification failure reasons reported by Verify.
const (
	ReasonHashMismatch     = "hash_mismatch"
	ReasonPrevLinkBroken   = "prev_link_broken"
	ReasonSignatureInvalid = "signature_invalid"
	ReasonSignerUnknown    = "signer_unknown"
	ReasonDuplicateGenesis = "duplicate_genesis"
)
