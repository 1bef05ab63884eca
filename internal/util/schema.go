package util

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/google/jsonschema-go/jsonschema"
)

// ValidationError reports tool arguments that do not satisfy the tool's
// parameter schema.
type ValidationError struct {
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return "invalid arguments: " + e.Message
}

// EmptyObjectSchema returns the schema of a tool without parameters.
func EmptyObjectSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

// CreateSchema infers the parameter schema of a struct. Descriptions come from
// `jsonschema:"..."` field tags; fields without omitempty are required and
// unknown properties are rejected. Non-struct values yield an empty object
// schema.
func CreateSchema(v any) (map[string]any, error) {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return EmptyObjectSchema(), nil
	}

	s, err := jsonschema.ForType(t, &jsonschema.ForOptions{})
	if err != nil {
		return nil, fmt.Errorf("infer schema of %s: %w", t, err)
	}
	return SchemaMap(s)
}

// SchemaMap converts any JSON-marshalable schema representation into the
// generic map form handed to models.
func SchemaMap(schema any) (map[string]any, error) {
	if schema == nil {
		return EmptyObjectSchema(), nil
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Validator checks arguments against a compiled parameter schema.
type Validator struct {
	resolved *jsonschema.Resolved
}

// CompileSchema resolves schema once for repeated validation. An empty schema
// accepts everything.
func CompileSchema(schema map[string]any) (*Validator, error) {
	if len(schema) == 0 {
		return &Validator{}, nil
	}

	b, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse parameter schema: %w", err)
	}

	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve parameter schema: %w", err)
	}
	return &Validator{resolved: resolved}, nil
}

// Validate returns a *ValidationError when params violate the schema. Values
// are normalized through JSON first, so Go ints and decoded float64 numbers
// are treated alike.
func (v *Validator) Validate(params map[string]any) error {
	if v == nil || v.resolved == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}

	b, err := json.Marshal(params)
	if err != nil {
		return &ValidationError{Message: err.Error()}
	}
	var instance any
	if err := json.Unmarshal(b, &instance); err != nil {
		return &ValidationError{Message: err.Error()}
	}

	if err := v.resolved.Validate(instance); err != nil {
		return &ValidationError{Message: err.Error()}
	}
	return nil
}

// ValidateParameters compiles schema and validates params in one go.
func ValidateParameters(params map[string]any, schema map[string]any) error {
	v, err := CompileSchema(schema)
	if err != nil {
		return err
	}
	return v.Validate(params)
}
