package subagent

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// FieldSpec describes one field of a specialist's output contract. Kinds:
// "string" | "number" | "bool" | "array" | "object".
type FieldSpec struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Required bool   `yaml:"required"`
}

// extractJSONObject pulls the outermost JSON object out of raw model text.
// Models wrap JSON in markdown fences or lead with prose often enough that a
// strict json.Unmarshal on the whole response is a reliability bug.
func extractJSONObject(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx >= 0 {
			text = text[idx+1:]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	candidate := text[start : end+1]
	if !gjson.Valid(candidate) {
		return "", false
	}
	return candidate, true
}

// validatePayload checks raw model text against the field specs and returns
// the extracted JSON object. Optional fields are only type-checked when
// present; a missing required field or a type mismatch fails validation.
func validatePayload(text string, fields []FieldSpec) (string, error) {
	payload, ok := extractJSONObject(text)
	if !ok {
		return "", fmt.Errorf("no JSON object in model output")
	}
	root := gjson.Parse(payload)
	if !root.IsObject() {
		return "", fmt.Errorf("model output is not a JSON object")
	}
	for _, spec := range fields {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			continue
		}
		value := root.Get(name)
		if !value.Exists() || value.Type == gjson.Null {
			if spec.Required {
				return "", fmt.Errorf("missing required field %q", name)
			}
			continue
		}
		if err := checkFieldKind(value, spec.Kind); err != nil {
			return "", fmt.Errorf("field %q: %w", name, err)
		}
	}
	return payload, nil
}

func checkFieldKind(value gjson.Result, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "any":
		return nil
	case "string":
		if value.Type != gjson.String {
			return fmt.Errorf("expected string, got %s", value.Type)
		}
	case "number":
		if value.Type != gjson.Number {
			return fmt.Errorf("expected number, got %s", value.Type)
		}
	case "bool":
		if value.Type != gjson.True && value.Type != gjson.False {
			return fmt.Errorf("expected bool, got %s", value.Type)
		}
	case "array":
		if !value.IsArray() {
			return fmt.Errorf("expected array")
		}
	case "object":
		if !value.IsObject() {
			return fmt.Errorf("expected object")
		}
	default:
		return fmt.Errorf("unknown field kind %q", kind)
	}
	return nil
}

// extractConfidence reads the model's self-reported confidence from the
// payload. Returns (0.5, true) when absent or out of range: an absent
// confidence must never be silently trusted as high.
func extractConfidence(payload string) (confidence float64, defaulted bool) {
	value := gjson.Get(payload, "confidence")
	if !value.Exists() || value.Type != gjson.Number {
		return 0.5, true
	}
	f := value.Float()
	if f < 0 || f > 1 {
		return 0.5, true
	}
	return f, false
}
