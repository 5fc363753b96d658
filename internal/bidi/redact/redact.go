// Package redact implements the recursive, structural redaction of
// sensitive fields in BiDi log payloads: a fixed "[REDACTED]" literal,
// case-insensitive key matching, walking arbitrary map[string]any/[]any
// structures rather than scrubbing formatted strings after the fact.
package redact

import "regexp"

// sensitiveKey matches field names that should always be replaced
// wholesale: any name containing one of these words, case-insensitively
// (so "sessionToken" matches as well as "token").
var sensitiveKey = regexp.MustCompile(`(?i)(cookie|password|token|secret|session|auth|authorization|set-cookie)`)

// Redacted is the literal substituted for any sensitive leaf value.
const Redacted = "[REDACTED]"

// Redact walks v depth-first and returns a copy with sensitive leaves
// replaced. Redaction is copy-on-write: subtrees with no replacements
// return the original reference unchanged, and arrays recurse
// element-wise rather than being replaced wholesale, so a slice of
// cookies/headers survives with only the individual sensitive entries
// scrubbed.
func Redact(v any) any {
	out, _ := redactValue(v, "", false)
	return out
}

// redactValue returns the (possibly rewritten) value and whether anything
// changed in its subtree. siblingNameIsSensitive is true when the current
// value is the "value" field of an object whose sibling "name" field
// matched sensitiveKey, for BiDi RemoteValue-shaped cookies.
func redactValue(v any, key string, siblingNameIsSensitive bool) (any, bool) {
	switch val := v.(type) {
	case map[string]any:
		return redactObject(val)
	case []any:
		return redactArray(val)
	default:
		if siblingNameIsSensitive {
			return Redacted, true
		}
		return v, false
	}
}

func redactObject(obj map[string]any) (any, bool) {
	nameIsSensitive := false
	if name, ok := obj["name"].(string); ok && sensitiveKey.MatchString(name) {
		nameIsSensitive = true
	}

	var out map[string]any
	changed := false

	for k, v := range obj {
		if sensitiveKey.MatchString(k) {
			if !changed {
				out = cloneShallow(obj)
				changed = true
			}
			out[k] = Redacted
			continue
		}
		if k == "value" && nameIsSensitive {
			newV, ok := redactValueField(v)
			if ok {
				if !changed {
					out = cloneShallow(obj)
					changed = true
				}
				out[k] = newV
			}
			continue
		}
		newV, sub := redactValue(v, k, false)
		if sub {
			if !changed {
				out = cloneShallow(obj)
				changed = true
			}
			out[k] = newV
		}
	}

	if !changed {
		return obj, false
	}
	return out, true
}

// redactValueField handles the sensitive-sibling case: if the "value"
// field is itself a BiDi RemoteValue object shaped {value: X,..}, only the
// inner "value" is replaced; otherwise the whole field is replaced.
func redactValueField(v any) (any, bool) {
	if inner, ok := v.(map[string]any); ok {
		if _, hasInner := inner["value"]; hasInner {
			clone := cloneShallow(inner)
			clone["value"] = Redacted
			return clone, true
		}
	}
	return Redacted, true
}

func redactArray(arr []any) (any, bool) {
	var out []any
	changed := false
	for i, v := range arr {
		newV, sub := redactValue(v, "", false)
		if sub {
			if !changed {
				out = make([]any, len(arr))
				copy(out, arr)
				changed = true
			}
			out[i] = newV
		}
	}
	if !changed {
		return arr, false
	}
	return out, true
}

func cloneShallow(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
