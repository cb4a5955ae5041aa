// Package format converts between the public OpenAI and Anthropic wire
// dialects and the upstream v1internal request shape.
package format

import "strings"

// strippedSchemaKeys are JSON Schema fields the upstream validator rejects
// with "Extra inputs are not permitted". cache_control is not a schema field
// but rides along on blocks sent by some CLI clients and is rejected the
// same way.
var strippedSchemaKeys = map[string]bool{
	"$schema":              true,
	"additionalProperties": true,
	"minLength":            true,
	"exclusiveMinimum":     true,
	"format":               true,
	"default":              true,
	"cache_control":        true,
}

// CleanSchema scrubs a JSON Schema (or any schema-bearing object such as
// functionCall args) for upstream compatibility. It removes rejected fields
// at every nesting level, collapses union types like ["string","null"] to
// the first non-null entry, and lowercases type names. The input is
// modified in place and returned. Cleaning is idempotent.
func CleanSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}

	for key, value := range schema {
		if strippedSchemaKeys[key] {
			delete(schema, key)
			continue
		}
		if key == "type" {
			schema[key] = normalizeSchemaType(value)
			continue
		}
		schema[key] = cleanSchemaValue(value)
	}

	return schema
}

func cleanSchemaValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CleanSchema(val)
	case []any:
		for i, item := range val {
			val[i] = cleanSchemaValue(item)
		}
		return val
	default:
		return v
	}
}

// normalizeSchemaType lowercases a type name and collapses union arrays to
// their first non-null entry.
func normalizeSchemaType(v any) any {
	switch t := v.(type) {
	case string:
		return strings.ToLower(t)
	case []any:
		for _, item := range t {
			s, ok := item.(string)
			if !ok || strings.EqualFold(s, "null") {
				continue
			}
			return strings.ToLower(s)
		}
		return "string"
	default:
		return v
	}
}
