package aggregator

import "github.com/mark3labs/mcp-go/mcp"

// simplifySchema reduces a downstream's JSON Schema to the compact subset
// described in §4.3: top-level type/properties/required only, each property
// reduced to {type, description?}. This is deliberately lossy — the point is
// validator compatibility across wildly different downstream schema
// dialects, not schema fidelity.
func (a *Aggregator) simplifySchema(in mcp.ToolInputSchema) mcp.ToolInputSchema {
	out := mcp.ToolInputSchema{
		Type:       in.Type,
		Properties: make(map[string]any, len(in.Properties)),
		Required:   in.Required,
	}
	if out.Type == "" {
		out.Type = "object"
	}
	if out.Required == nil {
		out.Required = []string{}
	}

	for name, raw := range in.Properties {
		out.Properties[name] = a.simplifyProperty(raw)
	}
	return out
}

func (a *Aggregator) simplifyProperty(raw any) map[string]any {
	prop, ok := raw.(map[string]any)
	if !ok {
		a.schemaFallbacks.Add(1)
		return map[string]any{"type": "string"}
	}

	if anyOf, ok := prop["anyOf"].([]any); ok {
		if t, ok := collapseAnyOf(anyOf); ok {
			return withDescription(map[string]any{"type": t}, prop)
		}
	}

	if t, ok := prop["type"].(string); ok && isSimpleType(t) {
		return withDescription(map[string]any{"type": t}, prop)
	}

	a.schemaFallbacks.Add(1)
	return withDescription(map[string]any{"type": "string"}, prop)
}

func withDescription(out map[string]any, prop map[string]any) map[string]any {
	if desc, ok := prop["description"].(string); ok && desc != "" {
		out["description"] = desc
	}
	return out
}

// collapseAnyOf handles the common "optional field" pattern of
// {"anyOf": [{"type": T}, {"type": "null"}]}, collapsing it to T when
// exactly one non-null branch carries a simple type.
func collapseAnyOf(branches []any) (string, bool) {
	var found string
	matches := 0
	for _, b := range branches {
		branch, ok := b.(map[string]any)
		if !ok {
			continue
		}
		t, ok := branch["type"].(string)
		if !ok || t == "null" {
			continue
		}
		if isSimpleType(t) {
			found = t
			matches++
		}
	}
	return found, matches == 1
}

func isSimpleType(t string) bool {
	switch t {
	case "string", "number", "integer", "boolean", "array", "object":
		return true
	default:
		return false
	}
}
