package provider

// droppedSchemaKeys are JSON Schema constructs the Gemini function-calling
// surface rejects. They are stripped recursively before the declaration is
// sent.
var droppedSchemaKeys = map[string]bool{
	"additionalProperties": true,
	"$schema":              true,
	"allOf":                true,
	"anyOf":                true,
	"oneOf":                true,
	"exclusiveMinimum":     true,
	"exclusiveMaximum":     true,
	"patternProperties":    true,
	"dependencies":         true,
}

// sanitizeSchema rewrites a JSON Schema value into the subset Gemini
// accepts. Unsupported keywords are removed and union type arrays are
// collapsed to a single type.
func sanitizeSchema(v any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, val := range node {
			if droppedSchemaKeys[k] {
				continue
			}
			out[k] = sanitizeSchema(val)
		}
		if types, ok := out["type"].([]any); ok {
			out["type"] = collapseTypes(types)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, val := range node {
			out[i] = sanitizeSchema(val)
		}
		return out
	default:
		return v
	}
}

// collapseTypes picks one type from a union, preferring string, then a
// numeric type, then the first entry. Unions usually come from optionality
// markers like ["string","null"].
func collapseTypes(types []any) any {
	var first, numeric string
	for _, t := range types {
		s, ok := t.(string)
		if !ok {
			continue
		}
		if s == "string" {
			return "string"
		}
		if numeric == "" && (s == "number" || s == "integer") {
			numeric = s
		}
		if first == "" && s != "null" {
			first = s
		}
	}
	if numeric != "" {
		return numeric
	}
	if first != "" {
		return first
	}
	return "string"
}
