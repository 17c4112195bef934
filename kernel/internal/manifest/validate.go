package manifest

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationError reports a submission that fails shape or content checks.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "manifest validation: " + e.Msg
	}
	return fmt.Sprintf("manifest validation: %s: %s", e.Field, e.Msg)
}

const submissionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["packageRef", "impact"],
  "properties": {
    "packageRef":    {"type": "string", "minLength": 3},
    "impact":        {"enum": ["LOW", "MEDIUM", "HIGH", "CRITICAL"]},
    "preconditions": {"type": "object"},
    "approvers":     {"type": "array", "items": {"type": "string", "minLength": 1}},
    "threshold":     {"type": "integer", "minimum": 0}
  },
  "additionalProperties": false
}`

var compiledSchema = jsonschema.MustCompileString("manifest-submission.json", submissionSchema)

// ValidateSubmission checks a decoded submission body against the schema.
// The body must already be decoded with UseNumber-free json into plain Go
// values (map[string]interface{} etc.).
func ValidateSubmission(body interface{}) error {
	if err := compiledSchema.Validate(body); err != nil {
		return &ValidationError{Msg: err.Error()}
	}
	return nil
}

// ValidatePackageRef checks the name@version form and that version parses as
// semver.
func ValidatePackageRef(ref string) error {
	name, version, ok := strings.Cut(ref, "@")
	if !ok || name == "" || version == "" {
		return &ValidationError{Field: "packageRef", Msg: "must be name@version"}
	}
	if _, err := semver.NewVersion(version); err != nil {
		return &ValidationError{Field: "packageRef", Msg: fmt.Sprintf("version %q is not semver: %v", version, err)}
	}
	return nil
}

// ValidImpact reports whether impact is one of the known levels.
func ValidImpact(impact string) bool {
	switch impact {
	case ImpactLow, ImpactMedium, ImpactHigh, ImpactCritical:
		return true
	}
	return false
}

// HighImpact reports whether the impact level mandates multisig by default.
func HighImpact(impact string) bool {
	return impact == ImpactHigh || impact == ImpactCritical
}
