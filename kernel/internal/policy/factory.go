package policy

import "log"

// NewFromConfig picks the gate variant: an external HTTP decision point when
// gateURL is set, a local CEL expression otherwise. Both empty means no gate
// (nil), and apply proceeds unguarded.
func NewFromConfig(gateURL, celExpr string) (Gate, error) {
	switch {
	case gateURL != "":
		log.Printf("[policy] using HTTP gate at %s", gateURL)
		return NewHTTPGate(gateURL, nil), nil
	case celExpr != "":
		log.Printf("[policy] using local CEL gate")
		return NewCELGate(celExpr)
	default:
		return nil, nil
	}
}
