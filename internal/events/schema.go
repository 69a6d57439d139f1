package events

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"siteline/internal/errs"
)

// Schema lists the property names an event must carry.
type Schema struct {
	Required []string `yaml:"required"`
}

// knownSchemas are the recommended properties of the built-in vocabulary.
// Missing ones only produce warnings.
var knownSchemas = map[string]Schema{
	"purchase":          {Required: []string{"order_id"}},
	"refund":            {Required: []string{"order_id"}},
	"add_to_cart":       {Required: []string{"product_id"}},
	"remove_from_cart":  {Required: []string{"product_id"}},
	"begin_checkout":    {Required: []string{"value"}},
	"form_submit":       {Required: []string{"form_id"}},
	"booking_confirmed": {Required: []string{"booking_id"}},
	"sign_up":           {Required: []string{"method"}},
}

// SchemaRegistry validates event properties against configured schemas.
type SchemaRegistry struct {
	configured map[string]Schema
}

type schemaFile struct {
	Events map[string]Schema `yaml:"events"`
}

// NewSchemaRegistry builds a registry from configured schemas keyed by event name.
func NewSchemaRegistry(configured map[string]Schema) *SchemaRegistry {
	if configured == nil {
		configured = map[string]Schema{}
	}
	return &SchemaRegistry{configured: configured}
}

// LoadSchemas reads a YAML schema file:
//
//	events:
//	  purchase:
//	    required: [order_id, value]
//
// An empty path yields a registry with no configured schemas.
func LoadSchemas(path string) (*SchemaRegistry, error) {
	if path == "" {
		return NewSchemaRegistry(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read event schemas: %w", err)
	}
	return ParseSchemas(data)
}

// ParseSchemas decodes the YAML schema document.
func ParseSchemas(data []byte) (*SchemaRegistry, error) {
	var file schemaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse event schemas: %w", err)
	}
	return NewSchemaRegistry(file.Events), nil
}

// Validate checks props for name. Missing properties of a configured schema are
// a ValidationFailed error; missing recommended properties of a known event
// type are returned as warnings.
func (r *SchemaRegistry) Validate(name string, props map[string]any) (warnings []string, err error) {
	if schema, ok := r.configured[name]; ok {
		if missing := missingProps(schema, props); len(missing) > 0 {
			return nil, errs.ErrValidationFailed.New(fmt.Sprintf("event %q is missing required properties: %s", name, strings.Join(missing, ", ")))
		}
		return nil, nil
	}
	if schema, ok := knownSchemas[name]; ok {
		for _, prop := range missingProps(schema, props) {
			warnings = append(warnings, fmt.Sprintf("event %q has no %q property", name, prop))
		}
	}
	return warnings, nil
}

func missingProps(schema Schema, props map[string]any) []string {
	var missing []string
	for _, prop := range schema.Required {
		if v, ok := props[prop]; !ok || v == nil || v == "" {
			missing = append(missing, prop)
		}
	}
	sort.Strings(missing)
	return missing
}
