// Package builtin holds in-process tools shipped with agentpipe.
package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/hupe1980/agentpipe/tool"
)

// MaxResumeBytes bounds the size of a resume file read by ResumeParser.
const MaxResumeBytes = 1 << 20

type resumeArgs struct {
	ResumePath string `json:"resume_path" jsonschema:"Path to the resume file (txt or md)"`
}

// ResumeParser returns a tool reading a plain text resume. Relative paths are
// resolved against root; paths escaping root are rejected. An empty root
// allows any path.
func ResumeParser(root string) *tool.FunctionTool {
	return tool.NewFunctionToolFromStruct(
		"resume_parser",
		"Read the candidate's resume and return its text for extraction.",
		resumeArgs{},
		func(_ context.Context, args map[string]any) (any, error) {
			p, _ := args["resume_path"].(string)
			return readResume(root, p)
		},
	)
}

func readResume(root, p string) (map[string]any, error) {
	path, err := resolve(root, p)
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".txt", ".md", ".markdown", "":
	default:
		return nil, fmt.Errorf("unsupported resume format %q: provide a txt or md file", ext)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", p, err)
	}
	if info.Size() > MaxResumeBytes {
		return nil, fmt.Errorf("resume %s is larger than %d bytes", p, MaxResumeBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", p, err)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("resume %s is not valid UTF-8 text", p)
	}

	return map[string]any{
		"path":   path,
		"format": strings.TrimPrefix(ext, "."),
		"text":   string(data),
	}, nil
}

func resolve(root, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("resume_path is empty")
	}
	if root == "" {
		return filepath.Clean(p), nil
	}

	path := p
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)

	rel, err := filepath.Rel(filepath.Clean(root), path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("resume_path %q is outside %s", p, root)
	}
	return path, nil
}
