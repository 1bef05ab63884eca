package agent

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/hupe1980/agentpipe/core"
)

// Shape declares the form a step's output must take.
type Shape string

const (
	ShapeText       Shape = "text"
	ShapeJSON       Shape = "json"
	ShapeJSONObject Shape = "json_object"
	ShapeJSONArray  Shape = "json_array"
	ShapeBlob       Shape = "blob"
)

// Valid reports whether s is a known shape. The empty shape means text.
func (s Shape) Valid() bool {
	switch s {
	case "", ShapeText, ShapeJSON, ShapeJSONObject, ShapeJSONArray, ShapeBlob:
		return true
	}
	return false
}

// ParseShape parses a configured shape name.
func ParseShape(s string) (Shape, error) {
	sh := Shape(strings.ToLower(strings.TrimSpace(s)))
	if !sh.Valid() {
		return "", fmt.Errorf("unknown output shape %q", s)
	}
	if sh == "" {
		sh = ShapeText
	}
	return sh, nil
}

// shapeValue validates a step's final answer against shape and converts it to
// a core.Value. Nothing is coerced: a mismatch is an ErrOutputShapeMismatch.
func shapeValue(shape Shape, text string, blobs []core.BlobRef) (core.Value, error) {
	switch shape {
	case "", ShapeText:
		if strings.TrimSpace(text) == "" {
			return core.Value{}, core.NewError(core.ErrOutputShapeMismatch, "expected text, got an empty answer")
		}
		return core.TextValue(text), nil
	case ShapeBlob:
		if len(blobs) == 0 {
			return core.Value{}, core.NewError(core.ErrOutputShapeMismatch, "expected a blob, no tool produced one")
		}
		return core.BlobValue(blobs[len(blobs)-1]), nil
	}

	raw := strings.TrimSpace(text)
	if !gjson.Valid(raw) {
		return core.Value{}, core.NewError(core.ErrOutputShapeMismatch, "expected %s, answer is not valid JSON", shape)
	}

	parsed := gjson.Parse(raw)
	switch {
	case shape == ShapeJSONObject && !parsed.IsObject():
		return core.Value{}, core.NewError(core.ErrOutputShapeMismatch, "expected a JSON object, got %s", parsed.Type)
	case shape == ShapeJSONArray && !parsed.IsArray():
		return core.Value{}, core.NewError(core.ErrOutputShapeMismatch, "expected a JSON array, got %s", parsed.Type)
	}

	return core.JSONValue([]byte(raw))
}
