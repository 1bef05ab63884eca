package core

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// ValueKind discriminates the payload held by a Value.
type ValueKind string

const (
	// ValueText is free-form text.
	ValueText ValueKind = "text"
	// ValueJSON is a syntactically valid JSON document.
	ValueJSON ValueKind = "json"
	// ValueBlob references binary content stored outside the context store.
	ValueBlob ValueKind = "blob"
)

// BlobRef points at binary content (e.g. a generated PDF) by artifact id or URI.
type BlobRef struct {
	ArtifactID string `json:"artifact_id,omitempty"`
	URI        string `json:"uri,omitempty"`
	MIMEType   string `json:"mime_type,omitempty"`
	Name       string `json:"name,omitempty"`
}

// String returns the URI when present, otherwise an artifact:// reference.
func (b BlobRef) String() string {
	if b.URI != "" {
		return b.URI
	}
	return "artifact://" + b.ArtifactID
}

// Value is a structured value exchanged between pipeline steps. Exactly one
// payload field is meaningful, selected by Kind.
type Value struct {
	Kind ValueKind       `json:"kind"`
	Text string          `json:"text,omitempty"`
	JSON json.RawMessage `json:"json,omitempty"`
	Blob *BlobRef        `json:"blob,omitempty"`
}

// TextValue builds a text value.
func TextValue(s string) Value { return Value{Kind: ValueText, Text: s} }

// JSONValue builds a JSON value after validating the document.
func JSONValue(raw []byte) (Value, error) {
	raw = bytes.TrimSpace(raw)
	if !gjson.ValidBytes(raw) || len(raw) == 0 {
		return Value{}, fmt.Errorf("invalid JSON document")
	}
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	return Value{Kind: ValueJSON, JSON: cp}, nil
}

// JSONOf marshals v and wraps the result as a JSON value.
func JSONOf(v any) (Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Value{}, err
	}
	return JSONValue(raw)
}

// BlobValue builds a blob value.
func BlobValue(ref BlobRef) Value { return Value{Kind: ValueBlob, Blob: &ref} }

// IsZero reports whether v holds nothing.
func (v Value) IsZero() bool { return v.Kind == "" }

// String renders the value for prompt templates and transcripts.
func (v Value) String() string {
	switch v.Kind {
	case ValueText:
		return v.Text
	case ValueJSON:
		return string(v.JSON)
	case ValueBlob:
		if v.Blob == nil {
			return ""
		}
		return v.Blob.String()
	default:
		return ""
	}
}

// Clone returns a copy that shares no mutable memory with v.
func (v Value) Clone() Value {
	c := v
	if v.JSON != nil {
		c.JSON = append(json.RawMessage(nil), v.JSON...)
	}
	if v.Blob != nil {
		b := *v.Blob
		c.Blob = &b
	}
	return c
}
