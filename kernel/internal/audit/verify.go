package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/VERAXIS/Core/kernel/internal/canonical"
	"github.com/VERAXIS/Core/kernel/internal/registry"
	"github.com/VERAXIS/Core/kernel/internal/signer"
)

// Report is the outcome of a chain verification run. A failed run points at
// the first bad event.
type Report struct {
	OK        bool   `json:"ok"`
	Checked   int64  `json:"checked"`
	FailedSeq int64  `json:"failedSeq,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

func failureAt(checked, seq int64, reason, detail string) Report {
	return Report{Checked: checked, FailedSeq: seq, Reason: reason, Detail: detail}
}

// refresher is implemented by registry.Cached; a stale cache entry should not
// condemn a valid signature.
type refresher interface {
	Refresh(ctx context.Context, kid string) (registry.Signer, error)
}

// Verify walks events from..to (to == 0 meaning head) and re-derives every
// link: payload hash, prev pointer, genesis uniqueness, and the signature over
// the stored hash using the signer's registered public key. The first
// violation stops the walk.
func Verify(ctx context.Context, store Store, reg registry.Store, from, to int64) (Report, error) {
	if from < 1 {
		from = 1
	}
	events, err := store.Range(ctx, from, to)
	if err != nil {
		return Report{}, fmt.Errorf("read chain range: %w", err)
	}

	var (
		checked  int64
		prevHash []byte
	)
	if from > 1 {
		prev, err := store.EventBySeq(ctx, from-1)
		if err != nil {
			return Report{}, fmt.Errorf("read predecessor of seq %d: %w", from, err)
		}
		prevHash = prev.Hash
	}

	for i, ev := range events {
		// The payload round-tripped through storage that may not preserve key
		// order; re-canonicalize before hashing.
		canon, err := canonical.TransformJSON(ev.Payload)
		if err != nil {
			return failureAt(checked, ev.Seq, ReasonHashMismatch, fmt.Sprintf("payload not canonicalizable: %v", err)), nil
		}

		if ev.Genesis() {
			if ev.Seq != 1 {
				return failureAt(checked, ev.Seq, ReasonDuplicateGenesis, "empty prev_hash past seq 1"), nil
			}
		} else if ev.Seq == 1 {
			return failureAt(checked, ev.Seq, ReasonPrevLinkBroken, "genesis carries a prev_hash"), nil
		}
		if i > 0 || from > 1 {
			if !bytes.Equal(ev.PrevHash, prevHash) {
				return failureAt(checked, ev.Seq, ReasonPrevLinkBroken, "prev_hash does not match predecessor hash"), nil
			}
		}

		if want := chainDigest(canon, ev.PrevHash); !bytes.Equal(ev.Hash, want) {
			return failureAt(checked, ev.Seq, ReasonHashMismatch, "stored hash does not match recomputed digest"), nil
		}

		ok, err := verifyEventSignature(ctx, reg, ev)
		if err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				return failureAt(checked, ev.Seq, ReasonSignerUnknown, fmt.Sprintf("signer %q not registered", ev.SignerKID)), nil
			}
			return Report{}, fmt.Errorf("verify signature of seq %d: %w", ev.Seq, err)
		}
		if !ok {
			return failureAt(checked, ev.Seq, ReasonSignatureInvalid, fmt.Sprintf("signature by %q does not verify", ev.SignerKID)), nil
		}

		prevHash = ev.Hash
		checked++
	}

	return Report{OK: true, Checked: checked}, nil
}

func verifyEventSignature(ctx context.Context, reg registry.Store, ev Event) (bool, error) {
	sg, err := reg.Get(ctx, ev.SignerKID)
	if err != nil {
		return false, err
	}
	ok, err := signer.VerifyDigest(sg.Algorithm, sg.PublicKey, ev.Hash, ev.Signature)
	if err != nil || ok {
		return ok, err
	}
	// Registry reads are eventually consistent; re-fetch once before calling
	// the signature bad.
	if r, can := reg.(refresher); can {
		if fresh, err := r.Refresh(ctx, ev.SignerKID); err == nil && !bytes.Equal(fresh.PublicKey, sg.PublicKey) {
			return signer.VerifyDigest(fresh.Algorithm, fresh.PublicKey, ev.Hash, ev.Signature)
		}
	}
	return false, nil
}
