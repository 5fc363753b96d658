package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/rik9564/browsecraft/internal/bdd/hooks"
	"github.com/rik9564/browsecraft/internal/bdd/steps"
	"github.com/rik9564/browsecraft/internal/bdd/tags"
)

// Definitions is the user-extensible registration surface a config file
// can carry: custom Cucumber-expression parameter types and hook option
// presets. The handler/hook functions themselves always come from code;
// this file only supplies the declarative halves of a registration.
type Definitions struct {
	ParameterTypes []ParameterTypeDef `yaml:"parameter_types" json:"parameter_types"`
	Hooks          []HookOptionsDef   `yaml:"hooks" json:"hooks"`
}

// ParameterTypeDef declares a reusable `{name}` capture rule.
type ParameterTypeDef struct {
	Name      string `yaml:"name" json:"name"`
	Regexp    string `yaml:"regexp" json:"regexp"`
	Transform string `yaml:"transform" json:"transform"`
}

// HookOptionsDef declares the options half of a hook registration: the
// scope it binds to, an optional tag-expression filter, and priority/
// timeout overrides. Priority is a pointer so a declared 0 survives as
// an explicit value; omitted fields fall back to the registry defaults.
type HookOptionsDef struct {
	Scope     string `yaml:"scope" json:"scope"`
	Tags      string `yaml:"tags" json:"tags"`
	Priority  *int   `yaml:"priority" json:"priority"`
	TimeoutMs int    `yaml:"timeout_ms" json:"timeout_ms"`
}

// definitionsSchema rejects malformed declarations before they reach the
// registries. Validation happens on the raw decoded document, so a
// misspelled key fails loudly instead of silently becoming a zero value.
const definitionsSchema = `{
	"type": "object",
	"properties": {
		"parameter_types": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "regexp"],
				"properties": {
					"name": {"type": "string", "pattern": "^[a-zA-Z_][a-zA-Z0-9_]*$"},
					"regexp": {"type": "string", "minLength": 1},
					"transform": {"enum": ["string", "int", "float", "word"]}
				},
				"additionalProperties": false
			}
		},
		"hooks": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["scope"],
				"properties": {
					"scope": {"enum": [
						"beforeAll", "afterAll",
						"beforeFeature", "afterFeature",
						"beforeScenario", "afterScenario",
						"beforeStep", "afterStep"
					]},
					"tags": {"type": "string"},
					"priority": {"type": "integer"},
					"timeout_ms": {"type": "integer", "minimum": 1}
				},
				"additionalProperties": false
			}
		}
	},
	"additionalProperties": false
}`

// ParseDefinitions decodes a YAML (or JSON) definitions document,
// validates it against the schema, and returns the typed declarations.
// An empty document yields empty Definitions.
func ParseDefinitions(data []byte) (Definitions, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Definitions{}, fmt.Errorf("config: definitions: parse: %w", err)
	}
	if doc == nil {
		return Definitions{}, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return Definitions{}, fmt.Errorf("config: definitions: %w", err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return Definitions{}, fmt.Errorf("config: definitions: %w", err)
	}

	var schemaDoc any
	if err := json.Unmarshal([]byte(definitionsSchema), &schemaDoc); err != nil {
		return Definitions{}, fmt.Errorf("config: definitions: unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("definitions.json", schemaDoc); err != nil {
		return Definitions{}, fmt.Errorf("config: definitions: add schema resource: %w", err)
	}
	schema, err := c.Compile("definitions.json")
	if err != nil {
		return Definitions{}, fmt.Errorf("config: definitions: compile schema: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return Definitions{}, fmt.Errorf("config: definitions: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return Definitions{}, fmt.Errorf("config: definitions: parse: %w", err)
	}
	return defs, nil
}

// ParameterType converts the definition into a registry parameter type,
// verifying the capture regexp compiles on its own.
func (d ParameterTypeDef) ParameterType() (steps.ParameterType, error) {
	if _, err := regexp.Compile(d.Regexp); err != nil {
		return steps.ParameterType{}, fmt.Errorf("config: parameter type %q: %w", d.Name, err)
	}
	transform, err := transformByName(d.Transform)
	if err != nil {
		return steps.ParameterType{}, fmt.Errorf("config: parameter type %q: %w", d.Name, err)
	}
	return steps.ParameterType{Name: d.Name, Regex: d.Regexp, Transform: transform}, nil
}

func transformByName(name string) (func(string) (any, error), error) {
	switch name {
	case "", "string", "word":
		return func(s string) (any, error) { return s, nil }, nil
	case "int":
		return func(s string) (any, error) { return strconv.ParseInt(s, 10, 64) }, nil
	case "float":
		return func(s string) (any, error) { return strconv.ParseFloat(s, 64) }, nil
	default:
		return nil, fmt.Errorf("unknown transform %q", name)
	}
}

// HookOptions resolves the declaration into the scope and options the
// hook registry expects, parsing the tag filter if one was given.
func (d HookOptionsDef) HookOptions() (hooks.Scope, hooks.Options, error) {
	opts := hooks.Options{Priority: d.Priority, TimeoutMs: d.TimeoutMs}
	if d.Tags != "" {
		expr, err := tags.Parse(d.Tags)
		if err != nil {
			return "", hooks.Options{}, fmt.Errorf("config: hook %s: %w", d.Scope, err)
		}
		opts.TagFilter = expr
	}
	return hooks.Scope(d.Scope), opts, nil
}

// ApplyParameterTypes registers every declared parameter type on reg.
func (d Definitions) ApplyParameterTypes(reg *steps.StepRegistry) error {
	for _, pt := range d.ParameterTypes {
		resolved, err := pt.ParameterType()
		if err != nil {
			return err
		}
		reg.DefineParameterType(resolved)
	}
	return nil
}
