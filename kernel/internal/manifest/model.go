// Package manifest holds the governed manifest record, its state machine, and
// the stores that persist it.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State is a manifest lifecycle state.
type State string

const (
	StateDraft            State = "draft"
	StateSigned           State = "signed"
	StateAwaitingMultisig State = "awaiting_multisig"
	StateMultisigPartial  State = "multisig_partial"
	StateMultisigComplete State = "multisig_complete"
	StateApplied          State = "applied"
	StateRejected         State = "rejected"
)

// Approval decisions.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Impact levels, ordered.
const (
	ImpactLow      = "LOW"
	ImpactMedium   = "MEDIUM"
	ImpactHigh     = "HIGH"
	ImpactCritical = "CRITICAL"
)

// Manifest is a governed change request moving through the state machine.
type Manifest struct {
	ID            string          `json:"id"`
	PackageRef    string          `json:"packageRef"`
	Impact        string          `json:"impact"`
	Preconditions json.RawMessage `json:"preconditions,omitempty"`
	Status        State           `json:"status"`
	SignatureID   *string         `json:"signatureId,omitempty"`
	SignatureB64  string          `json:"signatureB64,omitempty"`
	SignerKID     string          `json:"signerKid,omitempty"`
	Threshold     int             `json:"threshold"`
	Approvers     []string        `json:"approvers,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	AppliedAt     *time.Time      `json:"appliedAt,omitempty"`
}

// Approval is one approver's recorded decision on a manifest.
type Approval struct {
	ID           string    `json:"id"`
	ManifestID   string    `json:"manifestId"`
	ApproverID   string    `json:"approverId"`
	Decision     string    `json:"decision"`
	SignatureB64 string    `json:"signatureB64"`
	Notes        string    `json:"notes,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ErrNotFound is returned when no manifest (or approval) exists for an id.
var ErrNotFound = errors.New("manifest: not found")

// TransitionError reports a state change the machine does not allow.
type TransitionError struct {
	ID   string
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("manifest %s: transition %s -> %s not allowed", e.ID, e.From, e.To)
}

// Terminal reports whether s admits no further transitions.
func Terminal(s State) bool {
	return s == StateApplied || s == StateRejected
}

var transitions = map[State][]State{
	StateDraft:            {StateSigned},
	StateSigned:           {StateAwaitingMultisig, StateApplied},
	StateAwaitingMultisig: {StateMultisigPartial, StateMultisigComplete},
	StateMultisigPartial:  {StateMultisigPartial, StateMultisigComplete},
	StateMultisigComplete: {StateApplied},
}

// CanTransition reports whether the edge from -> to exists. Every non-terminal
// state can move to rejected.
func CanTransition(from, to State) bool {
	if to == StateRejected {
		return !Terminal(from)
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextApprovalState returns the state a manifest lands in after an approved
// decision, given the distinct-approved count and the threshold.
func NextApprovalState(count, threshold int) State {
	if count >= threshold {
		return StateMultisigComplete
	}
	return StateMultisigPartial
}
