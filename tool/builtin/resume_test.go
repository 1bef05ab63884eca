package builtin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentpipe/tool"
)

func TestResumeParser(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "cv.md"), []byte("# Raoul\nData scientist"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "cv.pdf"), []byte("%PDF"), 0o600))

	srv := tool.NewFunctionServer(nil)
	srv.Register("resume-parser", ResumeParser(root))

	conn, err := srv.Connect(context.Background(), tool.Ref{Name: "resume-parser", Transport: tool.TransportInProcess})
	require.NoError(t, err)
	defer conn.Close()

	defs, err := conn.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "resume_parser", defs[0].Name)

	call := func(path string) *tool.Result {
		res, err := conn.Call(context.Background(), tool.Request{Tool: "resume_parser", Arguments: map[string]any{"resume_path": path}})
		require.NoError(t, err)
		return res
	}

	res := call("cv.md")
	require.False(t, res.IsError, res.Text)
	structured := res.Structured.(map[string]any)
	assert.Equal(t, "md", structured["format"])
	assert.Equal(t, "# Raoul\nData scientist", structured["text"])

	assert.True(t, call("cv.pdf").IsError)
	assert.True(t, call("missing.txt").IsError)
	assert.True(t, call("../etc/passwd").IsError)
	assert.True(t, call("").IsError)

	res, err = conn.Call(context.Background(), tool.Request{Tool: "resume_parser"})
	require.NoError(t, err)
	assert.Contains(t, res.Text, "parameter validation failed")
}

func TestResolve(t *testing.T) {
	p, err := resolve("", "a/../b.txt")
	require.NoError(t, err)
	assert.Equal(t, "b.txt", p)

	p, err = resolve("/srv/cv", "/srv/cv/me.txt")
	require.NoError(t, err)
	assert.Equal(t, "/srv/cv/me.txt", p)

	_, err = resolve("/srv/cv", "/srv/other.txt")
	assert.Error(t, err)
}
