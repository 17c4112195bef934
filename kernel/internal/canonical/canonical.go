package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/gowebpki/jcs"
)

// EncodingError reports a value that has no canonical form: NaN or infinite
// numbers, non-string object keys, cyclic structures, or types encoding/json
// cannot represent.
type EncodingError struct {
	Reason string
	Err    error
}

func (e *EncodingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("canonical: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("canonical: %s", e.Reason)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// maxDepth bounds recursion so cyclic maps and slices fail instead of
// exhausting the stack.
const maxDepth = 1000

// MarshalCanonical returns deterministic JSON bytes for an arbitrary JSON-like value.
// Rules:
// - Objects: keys sorted lexicographically at every depth.
// - Arrays: order preserved.
// - Numbers: shortest-form IEEE-754 decimal (RFC 8785).
// - Strings: UTF-8 with only the escaping JSON requires.
// Every hash and signature in the kernel is computed over these bytes, so the
// output must be identical across processes and releases.
func MarshalCanonical(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v, 0); err != nil {
		return nil, err
	}
	out, err := jcs.Transform(buf.Bytes())
	if err != nil {
		return nil, &EncodingError{Reason: "normalize", Err: err}
	}
	return out, nil
}

// TransformJSON canonicalizes a value that is already JSON text, e.g. a payload
// read back from a jsonb column whose key order and number formatting the
// database does not preserve.
func TransformJSON(raw []byte) ([]byte, error) {
	if !json.Valid(raw) {
		return nil, &EncodingError{Reason: "invalid JSON input"}
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, &EncodingError{Reason: "normalize", Err: err}
	}
	return out, nil
}

// Digest returns the SHA-256 of the canonical bytes of v.
func Digest(v interface{}) ([]byte, error) {
	b, err := MarshalCanonical(v)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}

// DigestJSON returns the SHA-256 of the canonical form of raw JSON text.
func DigestJSON(raw []byte) ([]byte, error) {
	b, err := TransformJSON(raw)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}

func encode(buf *bytes.Buffer, v interface{}, depth int) error {
	if depth > maxDepth {
		return &EncodingError{Reason: "value nests deeper than the canonical form allows (cyclic?)"}
	}
	switch vv := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if vv {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		// Preserve the textual representation; the final normalization pass
		// rewrites it in shortest form.
		if _, err := vv.Float64(); err != nil {
			return &EncodingError{Reason: fmt.Sprintf("invalid number %q", vv.String()), Err: err}
		}
		buf.WriteString(vv.String())
	case float64:
		if math.IsNaN(vv) || math.IsInf(vv, 0) {
			return &EncodingError{Reason: "NaN and infinities have no JSON form"}
		}
		b, err := json.Marshal(vv)
		if err != nil {
			return &EncodingError{Reason: "marshal number", Err: err}
		}
		buf.Write(b)
	case string:
		b, err := json.Marshal(vv)
		if err != nil {
			return &EncodingError{Reason: "marshal string", Err: err}
		}
		buf.Write(b)
	case json.RawMessage:
		if !json.Valid(vv) {
			return &EncodingError{Reason: "invalid raw JSON"}
		}
		buf.Write(vv)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem, depth+1); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		// Sort keys for deterministic ordering
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return &EncodingError{Reason: "marshal key", Err: err}
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, vv[k], depth+1); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		// Fallback: marshal then re-decode into interface{} with UseNumber and
		// encode recursively. encoding/json rejects cycles, NaN and non-string
		// keyed maps here.
		b, err := json.Marshal(vv)
		if err != nil {
			return &EncodingError{Reason: "unsupported value", Err: err}
		}
		var tmp interface{}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&tmp); err != nil {
			return &EncodingError{Reason: "decode fallback", Err: err}
		}
		return encode(buf, tmp, depth)
	}
	return nil
}
