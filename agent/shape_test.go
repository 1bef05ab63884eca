package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentpipe/core"
)

func TestParseShape(t *testing.T) {
	s, err := ParseShape("")
	require.NoError(t, err)
	assert.Equal(t, ShapeText, s)

	s, err = ParseShape(" JSON_Object ")
	require.NoError(t, err)
	assert.Equal(t, ShapeJSONObject, s)

	_, err = ParseShape("xml")
	assert.Error(t, err)
}

func TestShapeValue(t *testing.T) {
	pdf := core.BlobRef{ArtifactID: "cv-1", MIMEType: "application/pdf"}

	tests := []struct {
		name  string
		shape Shape
		text  string
		blobs []core.BlobRef
		kind  core.ValueKind
		err   bool
	}{
		{name: "text", shape: ShapeText, text: "hello", kind: core.ValueText},
		{name: "empty text", shape: ShapeText, text: "  ", err: true},
		{name: "json scalar", shape: ShapeJSON, text: "42", kind: core.ValueJSON},
		{name: "json invalid", shape: ShapeJSON, text: "{nope", err: true},
		{name: "object", shape: ShapeJSONObject, text: ` {"name":"Ada"} `, kind: core.ValueJSON},
		{name: "object given array", shape: ShapeJSONObject, text: `[1]`, err: true},
		{name: "array", shape: ShapeJSONArray, text: `[{"title":"SRE"}]`, kind: core.ValueJSON},
		{name: "array given object", shape: ShapeJSONArray, text: `{}`, err: true},
		{name: "fenced json is not coerced", shape: ShapeJSON, text: "```json\n{}\n```", err: true},
		{name: "blob", shape: ShapeBlob, blobs: []core.BlobRef{pdf}, kind: core.ValueBlob},
		{name: "blob missing", shape: ShapeBlob, text: "done", err: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := shapeValue(tt.shape, tt.text, tt.blobs)
			if tt.err {
				require.Error(t, err)
				assert.Equal(t, core.ErrOutputShapeMismatch, core.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, v.Kind)
		})
	}
}
