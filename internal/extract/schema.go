package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Property types understood by the strategies.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
)

// DefaultSchemaTitle is used when a schema is built without a title.
const DefaultSchemaTitle = "Generated Schema"

// Property describes one output field.
type Property struct {
	Title       string `mapstructure:"title" json:"title,omitempty"`
	Type        string `mapstructure:"type" json:"type"`
	Description string `mapstructure:"description" json:"description,omitempty"`
	// Selector and Attr are used by the css strategy only.
	Selector string `mapstructure:"selector" json:"selector,omitempty"`
	Attr     string `mapstructure:"attr" json:"attr,omitempty"`
}

// Schema is a JSON-schema style description of one extracted object.
type Schema struct {
	Title      string              `mapstructure:"title" json:"title"`
	Type       string              `mapstructure:"type" json:"type"`
	Properties map[string]Property `mapstructure:"properties" json:"properties"`
	Required   []string            `mapstructure:"required" json:"required,omitempty"`
	// BaseSelector makes the css strategy emit one object per match.
	BaseSelector string `mapstructure:"base_selector" json:"base_selector,omitempty"`
}

// Field is the user-facing description of one property, before normalization.
type Field struct {
	Name        string `mapstructure:"name"`
	Type        string `mapstructure:"type"`
	Description string `mapstructure:"description"`
	Selector    string `mapstructure:"selector"`
	Attr        string `mapstructure:"attr"`
}

// BuildSchema assembles a schema from fields. Field names are normalized and
// every field is required.
func BuildSchema(title string, fields []Field) (Schema, error) {
	if title == "" {
		title = DefaultSchemaTitle
	}
	schema := Schema{
		Title:      title,
		Type:       "object",
		Properties: make(map[string]Property, len(fields)),
	}
	for _, f := range fields {
		key := NormalizeFieldName(f.Name)
		if key == "" {
			return Schema{}, errors.New("field name must not be empty")
		}
		if _, dup := schema.Properties[key]; dup {
			return Schema{}, fmt.Errorf("duplicate field %q", key)
		}
		typ := f.Type
		if typ == "" {
			typ = TypeString
		}
		schema.Properties[key] = Property{
			Title:       f.Name,
			Type:        typ,
			Description: f.Description,
			Selector:    f.Selector,
			Attr:        f.Attr,
		}
		schema.Required = append(schema.Required, key)
	}
	if err := schema.Validate(); err != nil {
		return Schema{}, err
	}
	return schema, nil
}

// ParseSchema decodes a JSON schema document.
func ParseSchema(raw string) (Schema, error) {
	var schema Schema
	if err := json.Unmarshal([]byte(raw), &schema); err != nil {
		return Schema{}, fmt.Errorf("decode schema: %w", err)
	}
	if schema.Type == "" {
		schema.Type = "object"
	}
	return schema, nil
}

// NormalizeFieldName lowercases a name and replaces spaces with dashes.
func NormalizeFieldName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "-")
}

// WorkflowName turns a display name into the path segment clients connect to.
func WorkflowName(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), " ", "_")
}

// Validate checks the schema is usable by the llm strategy.
func (s Schema) Validate() error {
	if len(s.Properties) == 0 {
		return errors.New("schema must define at least one property")
	}
	if s.Type != "" && s.Type != "object" {
		return fmt.Errorf("schema type must be object, got %q", s.Type)
	}
	for key, p := range s.Properties {
		switch p.Type {
		case "", TypeString, TypeNumber, TypeInteger, TypeBoolean:
		default:
			return fmt.Errorf("property %q: unsupported type %q", key, p.Type)
		}
	}
	for _, key := range s.Required {
		if _, ok := s.Properties[key]; !ok {
			return fmt.Errorf("required field %q is not a property", key)
		}
	}
	return nil
}

// ValidateSelectors checks the schema is usable by the css strategy.
func (s Schema) ValidateSelectors() error {
	if err := s.Validate(); err != nil {
		return err
	}
	for _, key := range s.Keys() {
		if strings.TrimSpace(s.Properties[key].Selector) == "" {
			return fmt.Errorf("property %q: selector required for css extraction", key)
		}
	}
	return nil
}

// Keys returns the property names in sorted order.
func (s Schema) Keys() []string {
	keys := make([]string, 0, len(s.Properties))
	for k := range s.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsRequired reports whether key is listed as required.
func (s Schema) IsRequired(key string) bool {
	for _, r := range s.Required {
		if r == key {
			return true
		}
	}
	return false
}

// PromptJSON renders the schema for a model prompt, without css details.
func (s Schema) PromptJSON() (string, error) {
	view := Schema{
		Title:      s.Title,
		Type:       s.Type,
		Properties: make(map[string]Property, len(s.Properties)),
		Required:   s.Required,
	}
	if view.Type == "" {
		view.Type = "object"
	}
	for k, p := range s.Properties {
		p.Selector = ""
		p.Attr = ""
		view.Properties[k] = p
	}
	out, err := json.Marshal(view)
	if err != nil {
		return "", fmt.Errorf("encode schema: %w", err)
	}
	return string(out), nil
}
