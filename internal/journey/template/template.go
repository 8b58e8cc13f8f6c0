// Package template stores and serves versioned prompt templates with declared
// variable schemas. Templates are immutable per (id, version): publishing a
// change means publishing a new version.
package template

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/zeebo/blake3"
)

// VariableDecl declares one template variable. Declarations are ordered;
// order is preserved through storage.
type VariableDecl struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type" yaml:"type"` // string, number, boolean, object, array
	Required bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default  any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// Template is a versioned prompt template. System and user prompts are
// parameterized with {{var}} placeholders.
type Template struct {
	ID           string         `json:"id" yaml:"id"`
	Name         string         `json:"name" yaml:"name"`
	Version      int            `json:"version" yaml:"version"`
	SystemPrompt string         `json:"system_prompt" yaml:"system_prompt"`
	UserPrompt   string         `json:"user_prompt" yaml:"user_prompt"`
	Variables    []VariableDecl `json:"variables,omitempty" yaml:"variables,omitempty"`
	ModelClass   string         `json:"model_class,omitempty" yaml:"model_class,omitempty"`
	Temperature  float64        `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens    int            `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Tags         []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	CreatedAt    time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" yaml:"updated_at"`
}

var variableTypes = map[string]string{
	"string":  "string",
	"number":  "number",
	"boolean": "boolean",
	"object":  "object",
	"array":   "array",
}

// Validate checks the template spec and compiles its variable schema so a bad
// declaration fails at registration, not at step execution.
func (t Template) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("template id is required")
	}
	if t.Version < 1 {
		return fmt.Errorf("template %s: version must be >= 1", t.ID)
	}
	if strings.TrimSpace(t.SystemPrompt) == "" && strings.TrimSpace(t.UserPrompt) == "" {
		return fmt.Errorf("template %s: at least one of system_prompt/user_prompt is required", t.ID)
	}
	if t.Temperature < 0 || t.Temperature > 2 {
		return fmt.Errorf("template %s: temperature %v out of range [0,2]", t.ID, t.Temperature)
	}
	if t.MaxTokens < 0 {
		return fmt.Errorf("template %s: max_tokens must be >= 0", t.ID)
	}
	seen := map[string]bool{}
	for _, v := range t.Variables {
		if strings.TrimSpace(v.Name) == "" {
			return fmt.Errorf("template %s: variable with empty name", t.ID)
		}
		if seen[v.Name] {
			return fmt.Errorf("template %s: duplicate variable %q", t.ID, v.Name)
		}
		seen[v.Name] = true
		if v.Type != "" {
			if _, ok := variableTypes[v.Type]; !ok {
				return fmt.Errorf("template %s: variable %q has unknown type %q", t.ID, v.Name, v.Type)
			}
		}
	}
	if _, err := t.CompileSchema(); err != nil {
		return fmt.Errorf("template %s: variable schema: %w", t.ID, err)
	}
	return nil
}

// CompileSchema builds a JSON schema from the variable declarations. The
// schema validates the built context object before prompt injection.
func (t Template) CompileSchema() (*jsonschema.Schema, error) {
	props := map[string]any{}
	var required []string
	for _, v := range t.Variables {
		p := map[string]any{}
		if typ, ok := variableTypes[v.Type]; ok && v.Type != "" {
			p["type"] = typ
		}
		props[v.Name] = p
		if v.Required {
			required = append(required, v.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("template.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("template.json")
}

// ValidateInput checks a built context against the declared variables after
// applying declared defaults for absent keys. The returned map is a copy;
// the input is never mutated.
func (t Template) ValidateInput(input map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = v
	}
	for _, v := range t.Variables {
		if _, ok := out[v.Name]; !ok && v.Default != nil {
			out[v.Name] = v.Default
		}
	}
	schema, err := t.CompileSchema()
	if err != nil {
		return nil, err
	}
	// jsonschema validates decoded JSON values; round-trip to normalize
	// Go-native types (int vs float64) before validation.
	b, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	var normalized any
	if err := json.Unmarshal(b, &normalized); err != nil {
		return nil, err
	}
	if err := schema.Validate(normalized); err != nil {
		return nil, fmt.Errorf("context does not satisfy template %s v%d: %w", t.ID, t.Version, err)
	}
	return out, nil
}

// ContentHash returns a stable blake3 hash of the prompt bodies, used to tag
// audit events with the exact template text that produced a model call.
func (t Template) ContentHash() string {
	h := blake3.New()
	_, _ = h.Write([]byte(t.SystemPrompt))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(t.UserPrompt))
	return hex.EncodeToString(h.Sum(nil))
}
