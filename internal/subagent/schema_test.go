package subagent

import (
	"strings"
	"testing"
)

func TestExtractJSONObject(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"bare object", `{"a":1}`, `{"a":1}`, true},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, true},
		{"prose prefix", `Here you go: {"a":1}`, `{"a":1}`, true},
		{"no object", "sorry, I cannot help", "", false},
		{"broken json", `{"a":`, "", false},
		{"empty", "", "", false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := extractJSONObject(tc.in)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("extractJSONObject(%q)=%q,%v want %q,%v", tc.in, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestValidatePayload_FieldKinds(t *testing.T) {
	t.Parallel()

	fields := []FieldSpec{
		{Name: "ready", Kind: "bool", Required: true},
		{Name: "suggestions", Kind: "array"},
		{Name: "design", Kind: "object"},
		{Name: "confidence", Kind: "number"},
	}

	if _, err := validatePayload(`{"ready": true, "suggestions": ["x"], "confidence": 0.4}`, fields); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if _, err := validatePayload(`{"suggestions": []}`, fields); err == nil {
		t.Fatalf("missing required field accepted")
	}
	if _, err := validatePayload(`{"ready": true, "design": "flat"}`, fields); err == nil {
		t.Fatalf("wrong kind accepted")
	}
	// null counts as absent, not as a type violation, for optional fields.
	if _, err := validatePayload(`{"ready": false, "design": null}`, fields); err != nil {
		t.Fatalf("null optional field rejected: %v", err)
	}
}

func TestLoadDefinitions_AllSpecialistsPresent(t *testing.T) {
	t.Parallel()

	defs, err := loadDefinitions()
	if err != nil {
		t.Fatalf("loadDefinitions: %v", err)
	}
	for _, typ := range []Type{TypeStory, TypeDesign, TypeQuality} {
		def, ok := defs[typ]
		if !ok {
			t.Fatalf("missing definition for %s", typ)
		}
		if def.Timeout() <= 0 {
			t.Fatalf("%s timeout not positive", typ)
		}
		if !strings.Contains(def.SystemPrompt(), "JSON") {
			t.Fatalf("%s prompt does not pin JSON output", typ)
		}
	}
	// The quality persona must frame itself as advisory.
	if !strings.Contains(defs[TypeQuality].Persona, "advisory") {
		t.Fatalf("quality persona must state it is advisory")
	}
}
