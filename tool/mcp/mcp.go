// Package mcp connects tool.Refs to Model Context Protocol servers, either as
// local subprocesses speaking over stdio or as remote streamable HTTP
// endpoints.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tidwall/gjson"

	"github.com/hupe1980/agentpipe/internal/util"
	"github.com/hupe1980/agentpipe/logging"
	"github.com/hupe1980/agentpipe/tool"
)

// Options configure a Connector.
type Options struct {
	// Implementation is announced to servers during initialization.
	Implementation *sdkmcp.Implementation
	// TransportFactory overrides transport construction (tests, custom dialers).
	TransportFactory func(ref tool.Ref) (sdkmcp.Transport, error)
	// HTTPClient is used for remote-stream refs.
	HTTPClient *http.Client
	Logger     logging.Logger
}

// Connector implements tool.Connector on top of the MCP go-sdk client.
type Connector struct {
	opts   Options
	client *sdkmcp.Client
}

// NewConnector creates a Connector.
func NewConnector(optFns ...func(o *Options)) *Connector {
	opts := Options{
		Implementation: &sdkmcp.Implementation{Name: "agentpipe", Version: "v0.1.0"},
		HTTPClient:     http.DefaultClient,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Connector{
		opts:   opts,
		client: sdkmcp.NewClient(opts.Implementation, nil),
	}
}

// Connect implements tool.Connector.
func (c *Connector) Connect(ctx context.Context, ref tool.Ref) (tool.Conn, error) {
	t, err := c.transport(ref)
	if err != nil {
		return nil, err
	}

	session, err := c.client.Connect(ctx, t, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp connect %s: %w", ref.Key(), err)
	}

	c.opts.Logger.Info("mcp.session.open", "endpoint", ref.Key(), "transport", string(ref.Transport))

	return &conn{endpoint: ref.Key(), session: session}, nil
}

func (c *Connector) transport(ref tool.Ref) (sdkmcp.Transport, error) {
	if c.opts.TransportFactory != nil {
		return c.opts.TransportFactory(ref)
	}

	switch ref.Transport {
	case tool.TransportLocalProcess:
		cmd := exec.Command(ref.Command, ref.Args...)
		cmd.Dir = ref.WorkDir
		if len(ref.Env) > 0 {
			cmd.Env = mergeEnv(os.Environ(), ref.Env)
		}
		return &sdkmcp.CommandTransport{Command: cmd}, nil
	case tool.TransportRemoteStream:
		return &sdkmcp.StreamableClientTransport{Endpoint: ref.Endpoint, HTTPClient: c.opts.HTTPClient}, nil
	default:
		return nil, fmt.Errorf("mcp: unsupported transport %q", ref.Transport)
	}
}

// mergeEnv overlays overrides on base, keeping base order and appending new keys sorted.
func mergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(overrides))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if v, ok := overrides[k]; ok {
			out = append(out, k+"="+v)
			seen[k] = true
			continue
		}
		out = append(out, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

type conn struct {
	endpoint string
	session  *sdkmcp.ClientSession
}

func (c *conn) Call(ctx context.Context, req tool.Request) (*tool.Result, error) {
	args := req.Arguments
	if args == nil {
		args = map[string]any{}
	}

	res, err := c.session.CallTool(ctx, &sdkmcp.CallToolParams{Name: req.Tool, Arguments: args})
	if err != nil {
		return nil, transportError(err)
	}

	return convertResult(res), nil
}

func (c *conn) ListTools(ctx context.Context) ([]tool.Definition, error) {
	var defs []tool.Definition
	params := &sdkmcp.ListToolsParams{}
	for {
		res, err := c.session.ListTools(ctx, params)
		if err != nil {
			return nil, transportError(err)
		}
		for _, t := range res.Tools {
			schema, err := util.SchemaMap(t.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("tool %s: input schema: %w", t.Name, err)
			}
			defs = append(defs, tool.Definition{Name: t.Name, Description: t.Description, Parameters: schema})
		}
		if res.NextCursor == "" {
			return defs, nil
		}
		params = &sdkmcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

func (c *conn) Close() error { return c.session.Close() }

// transportError marks terminal transport loss so the invoker can reconnect.
func transportError(err error) error {
	if errors.Is(err, sdkmcp.ErrConnectionClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%w: %v", tool.ErrDisconnected, err)
	}
	return err
}

func convertResult(res *sdkmcp.CallToolResult) *tool.Result {
	out := &tool.Result{IsError: res.IsError, Structured: res.StructuredContent}

	var texts []string
	for _, c := range res.Content {
		switch v := c.(type) {
		case *sdkmcp.TextContent:
			texts = append(texts, v.Text)
		case *sdkmcp.ImageContent:
			out.Blobs = append(out.Blobs, tool.Blob{MIMEType: v.MIMEType, Data: v.Data})
		case *sdkmcp.ResourceLink:
			out.Blobs = append(out.Blobs, tool.Blob{Name: v.Name, MIMEType: v.MIMEType, URI: v.URI})
		case *sdkmcp.EmbeddedResource:
			if v.Resource == nil {
				continue
			}
			if v.Resource.Blob != nil {
				out.Blobs = append(out.Blobs, tool.Blob{MIMEType: v.Resource.MIMEType, URI: v.Resource.URI, Data: v.Resource.Blob})
			} else {
				texts = append(texts, v.Resource.Text)
			}
		}
	}
	out.Text = strings.Join(texts, "\n")

	if out.Text == "" && res.StructuredContent != nil {
		if b, err := json.Marshal(res.StructuredContent); err == nil {
			out.Text = string(b)
		}
	}

	if res.IsError {
		out.Status = errorStatus(out)
	}

	return out
}

// errorStatus reads an HTTP-equivalent "status" field from an error result's
// structured content or JSON text.
func errorStatus(res *tool.Result) int {
	if res.Structured != nil {
		if b, err := json.Marshal(res.Structured); err == nil {
			if v := gjson.GetBytes(b, "status"); v.Exists() {
				return int(v.Int())
			}
		}
	}
	if gjson.Valid(res.Text) {
		if v := gjson.Get(res.Text, "status"); v.Exists() {
			return int(v.Int())
		}
	}
	return 0
}
