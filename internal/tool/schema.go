package tool

import (
	"encoding/json"
	"fmt"
)

// jsonSchema is the minimal subset of JSON Schema that tool parameter
// validation supports: object type, required fields, and per-property
// primitive type checks. Tools in this codebase describe flat parameter
// objects, so deeper composition (allOf/oneOf/$ref) is intentionally not
// implemented.
type jsonSchema struct {
	Type       string                `json:"type"`
	Properties map[string]jsonSchema `json:"properties"`
	Required   []string              `json:"required"`
	Items      *jsonSchema           `json:"items"`
}

// ValidateAgainstSchema checks params against schema's required fields and
// per-property primitive types. An empty or absent schema always passes.
func ValidateAgainstSchema(schema json.RawMessage, params json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	var s jsonSchema
	if err := json.Unmarshal(schema, &s); err != nil {
		return nil // malformed schema on our own side shouldn't block tool use
	}
	if s.Type == "" && len(s.Properties) == 0 {
		return nil
	}

	var obj map[string]json.RawMessage
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if err := json.Unmarshal(params, &obj); err != nil {
		return fmt.Errorf("arguments are not a JSON object: %w", err)
	}

	for _, req := range s.Required {
		if _, ok := obj[req]; !ok {
			return fmt.Errorf("missing required field %q", req)
		}
	}

	for name, propSchema := range s.Properties {
		raw, present := obj[name]
		if !present {
			continue
		}
		if err := validateValueType(name, propSchema.Type, raw); err != nil {
			return err
		}
	}
	return nil
}

func validateValueType(name, typ string, raw json.RawMessage) error {
	if typ == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("field %q: invalid JSON", name)
	}
	ok := false
	switch typ {
	case "string":
		_, ok = v.(string)
	case "number":
		_, ok = v.(float64)
	case "integer":
		f, isNum := v.(float64)
		ok = isNum && f == float64(int64(f))
	case "boolean":
		_, ok = v.(bool)
	case "object":
		_, ok = v.(map[string]any)
	case "array":
		_, ok = v.([]any)
	default:
		ok = true // unknown declared type: don't block
	}
	if !ok {
		return fmt.Errorf("field %q: expected type %s", name, typ)
	}
	return nil
}
