// Package policy gates manifest application on an external or local decision
// point. The coordinator consults the gate before apply; a deny blocks the
// transition and is audited.
package policy

import (
	"context"
	"errors"
	"fmt"
)

// Input describes the action under evaluation.
type Input struct {
	Action   string                 `json:"action"`
	Actor    string                 `json:"actor"`
	Resource string                 `json:"resource"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

// Decision is the gate's verdict.
type Decision struct {
	Allow    bool   `json:"allow"`
	PolicyID string `json:"policyId,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Gate decides whether an action may proceed.
type Gate interface {
	Decide(ctx context.Context, in Input) (Decision, error)
}

// ErrUnavailable marks a gate that could not produce a decision. Callers
// choose fail-open or fail-closed based on the blast radius of the action.
var ErrUnavailable = errors.New("policy: gate unavailable")

// DeniedError carries a deny decision as an error.
type DeniedError struct {
	Decision Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("policy denied by %s: %s", e.Decision.PolicyID, e.Decision.Reason)
}

// Static always returns the same decision. For tests and dev.
type Static struct {
	Result Decision
}

// Decide returns the fixed decision.
func (s Static) Decide(ctx context.Context, in Input) (Decision, error) {
	return s.Result, nil
}
