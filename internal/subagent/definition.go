package subagent

import (
	"embed"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defs/*.yaml
var definitionFS embed.FS

// Definition is one specialist's persona and output contract, loaded from an
// embedded YAML definition file. Definitions are data, not code: tightening a
// persona or adding an optional output field is a definition edit.
type Definition struct {
	Type Type `yaml:"-"`

	Name        string      `yaml:"name"`
	Persona     string      `yaml:"persona"`
	OutputGuide string      `yaml:"output_guide"`
	Fields      []FieldSpec `yaml:"fields"`
	TimeoutSec  int         `yaml:"timeout_sec"`
	Temperature *float64    `yaml:"temperature"`
}

func (d *Definition) validate() error {
	if d == nil {
		return fmt.Errorf("nil definition")
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("missing name")
	}
	if strings.TrimSpace(d.Persona) == "" {
		return fmt.Errorf("missing persona")
	}
	if len(d.Fields) == 0 {
		return fmt.Errorf("missing output fields")
	}
	return nil
}

// Timeout returns the per-call timeout for this specialist.
func (d *Definition) Timeout() time.Duration {
	if d == nil || d.TimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(d.TimeoutSec) * time.Second
}

// SystemPrompt composes the persona with the output contract.
func (d *Definition) SystemPrompt() string {
	persona := strings.TrimSpace(d.Persona)
	guide := strings.TrimSpace(d.OutputGuide)
	if guide == "" {
		return persona
	}
	return persona + "\n\n" + guide
}

func loadDefinition(typ Type) (*Definition, error) {
	if !IsValidType(typ) {
		return nil, fmt.Errorf("unknown subagent type %q", typ)
	}
	b, err := definitionFS.ReadFile("defs/" + string(typ) + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("read definition for %s: %w", typ, err)
	}
	var def Definition
	if err := yaml.Unmarshal(b, &def); err != nil {
		return nil, fmt.Errorf("parse definition for %s: %w", typ, err)
	}
	def.Type = typ
	if err := def.validate(); err != nil {
		return nil, fmt.Errorf("invalid definition for %s: %w", typ, err)
	}
	return &def, nil
}

// loadDefinitions loads all specialist definitions at startup so a broken
// definition file fails fast instead of at first delegation.
func loadDefinitions() (map[Type]*Definition, error) {
	out := make(map[Type]*Definition, 3)
	for _, typ := range []Type{TypeStory, TypeDesign, TypeQuality} {
		def, err := loadDefinition(typ)
		if err != nil {
			return nil, err
		}
		out[typ] = def
	}
	return out, nil
}
