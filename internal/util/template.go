package util

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

var templateFuncs = template.FuncMap{
	"default": func(def, val any) any {
		if val == nil || val == "" {
			return def
		}
		return val
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
	"join": func(sep string, items []any) string {
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, sep)
	},
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}

// Template is a parsed prompt template. Text without template markers is
// kept verbatim and never parsed.
type Template struct {
	text string
	tmpl *template.Template
}

// ParseTemplate parses text once for repeated rendering. Executing a template
// that references a key absent from data fails instead of rendering empty.
func ParseTemplate(text string) (*Template, error) {
	if !strings.Contains(text, "{{") {
		return &Template{text: text}, nil
	}
	tmpl, err := template.New("prompt").Option("missingkey=error").Funcs(templateFuncs).Parse(text)
	if err != nil {
		return nil, err
	}
	return &Template{text: text, tmpl: tmpl}, nil
}

// Text returns the source text.
func (t *Template) Text() string { return t.text }

// Render executes the template over data.
func (t *Template) Render(data map[string]any) (string, error) {
	if t.tmpl == nil {
		return t.text, nil
	}
	var sb strings.Builder
	if err := t.tmpl.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// RenderTemplate parses and renders text in one go.
func RenderTemplate(text string, data map[string]any) (string, error) {
	t, err := ParseTemplate(text)
	if err != nil {
		return "", err
	}
	return t.Render(data)
}
