// Package agentpipe provides a high-level façade wiring a configured
// pipeline to its collaborators: model backends, tool servers, the session
// manager and the runner. Most applications interact with this package by:
//  1. Loading a config.Config (YAML or TOML)
//  2. Creating an AgentPipe via New(), optionally overriding models, stores
//     or in-process tools
//  3. Submitting user messages with Submit
//
// All defaults are safe for local development: sessions and artifacts live in
// memory unless the config selects the sqlite or dir drivers.
package agentpipe

import (
	"context"
	"errors"
	"fmt"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/agentpipe/agent"
	"github.com/hupe1980/agentpipe/artifact"
	"github.com/hupe1980/agentpipe/config"
	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/logging"
	"github.com/hupe1980/agentpipe/model"
	"github.com/hupe1980/agentpipe/model/anthropic"
	"github.com/hupe1980/agentpipe/model/openai"
	"github.com/hupe1980/agentpipe/runner"
	"github.com/hupe1980/agentpipe/session"
	"github.com/hupe1980/agentpipe/session/sqlite"
	"github.com/hupe1980/agentpipe/tool"
	"github.com/hupe1980/agentpipe/tool/mcp"
)

// Options configures the AgentPipe instance.
type Options struct {
	// Models replace config-declared models of the same name.
	Models map[string]model.Model
	// FunctionTools are served in-process under the given tool name.
	FunctionTools map[string][]*tool.FunctionTool
	// Connectors replace the default connector of a transport.
	Connectors map[tool.Transport]tool.Connector

	// Stores (defaults follow the config)
	SessionStore  core.SessionStore
	ArtifactStore core.ArtifactStore

	// Logger defaults to a structured logger configured by the logging section.
	Logger logging.Logger
	// Observer receives pipeline state transitions.
	Observer agent.Observer
	// Sleep overrides retry backoff sleeps (tests).
	Sleep func(ctx context.Context, d time.Duration) error
}

// AgentPipe is the high-level façade aggregating the pipeline and its services.
type AgentPipe struct {
	cfg      *config.Config
	logger   logging.Logger
	invoker  *tool.Invoker
	pipeline *agent.Pipeline
	runner   *runner.Runner
}

// New builds every component declared by cfg.
func New(cfg *config.Config, optFns ...func(o *Options)) (*AgentPipe, error) {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	if cfg == nil {
		return nil, errors.New("agentpipe: config is required")
	}

	if opts.Logger == nil {
		opts.Logger = logging.NewLogger(&logging.LoggerConfig{
			Level:     cfg.LogLevel(),
			Format:    cfg.Logging.Format,
			Component: "agentpipe",
		})
	}

	models, err := buildModels(cfg, opts.Models)
	if err != nil {
		return nil, err
	}

	functions := tool.NewFunctionServer(opts.Logger)
	for name, tools := range opts.FunctionTools {
		functions.Register(name, tools...)
	}

	mcpConnector := mcp.NewConnector(func(o *mcp.Options) { o.Logger = opts.Logger })

	inv := tool.NewInvoker(func(o *tool.Options) {
		o.Policy = cfg.RetryPolicy()
		o.FailureThreshold = max(cfg.ToolFailureThreshold, 0)
		o.Logger = opts.Logger
		o.Connectors[tool.TransportLocalProcess] = mcpConnector
		o.Connectors[tool.TransportRemoteStream] = mcpConnector
		o.Connectors[tool.TransportInProcess] = functions
		for t, c := range opts.Connectors {
			o.Connectors[t] = c
		}
		if opts.Sleep != nil {
			o.Sleep = opts.Sleep
		}
	})

	pipeline, err := buildPipeline(cfg, models, inv, opts)
	if err != nil {
		_ = inv.Close()
		return nil, err
	}

	store := opts.SessionStore
	if store == nil {
		store, err = openSessionStore(cfg, opts.Logger)
		if err != nil {
			_ = inv.Close()
			return nil, err
		}
	}

	artifacts := opts.ArtifactStore
	if artifacts == nil {
		artifacts, err = openArtifactStore(cfg)
		if err != nil {
			_ = inv.Close()
			_ = store.Close()
			return nil, err
		}
	}

	sessions := session.NewManager(func(o *session.Options) {
		o.Store = store
		o.Logger = opts.Logger
		o.Interval = cfg.Compaction.Interval
		o.Overlap = cfg.Compaction.Overlap
		if cfg.Compaction.Interval > 0 {
			o.Summarizer = session.NewModelSummarizer(models[cfg.Compaction.Model])
		}
	})

	r := runner.New(pipeline, func(o *runner.Options) {
		o.MaxConcurrentRuns = cfg.MaxConcurrentRuns
		o.InputKey = cfg.InputKey
		o.RetainContext = cfg.RetainContext
		o.Sessions = sessions
		o.ArtifactStore = artifacts
		o.Logger = opts.Logger
	})

	for _, w := range cfg.Warnings() {
		opts.Logger.Warn("config.warning", "detail", w)
	}

	return &AgentPipe{
		cfg:      cfg,
		logger:   opts.Logger,
		invoker:  inv,
		pipeline: pipeline,
		runner:   r,
	}, nil
}

// SessionKey returns the key of sessionID for the configured app and user.
func (p *AgentPipe) SessionKey(sessionID string) core.SessionKey {
	return core.SessionKey{AppID: p.cfg.App, UserID: p.cfg.User, SessionID: sessionID}
}

// Submit runs the pipeline for message in session sessionID of the
// configured app and user.
func (p *AgentPipe) Submit(ctx context.Context, sessionID, message string) (*runner.Result, error) {
	return p.runner.Submit(ctx, p.SessionKey(sessionID), message)
}

// SubmitAs runs the pipeline for an explicit session key.
func (p *AgentPipe) SubmitAs(ctx context.Context, key core.SessionKey, message string) (*runner.Result, error) {
	return p.runner.Submit(ctx, key, message)
}

// History returns the session record of sessionID, creating it if absent.
func (p *AgentPipe) History(ctx context.Context, sessionID string) (*core.SessionRecord, error) {
	return p.runner.Sessions().GetOrCreate(ctx, p.SessionKey(sessionID))
}

// ListTools lists the tools of the configured tool server name.
func (p *AgentPipe) ListTools(ctx context.Context, name string) ([]tool.Definition, error) {
	tc, ok := p.cfg.Tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool server %q", name)
	}
	return p.invoker.ListTools(ctx, tc.Ref(name))
}

// Pipeline returns the configured pipeline.
func (p *AgentPipe) Pipeline() *agent.Pipeline { return p.pipeline }

// Runner returns the underlying runner.
func (p *AgentPipe) Runner() *runner.Runner { return p.runner }

// Close cancels in-flight runs, closes the session store and tears down all
// tool server handles.
func (p *AgentPipe) Close() error {
	return errors.Join(p.runner.Close(), p.invoker.Close())
}

func buildModels(cfg *config.Config, overrides map[string]model.Model) (map[string]model.Model, error) {
	models := make(map[string]model.Model, len(cfg.Models))

	for name, mc := range cfg.Models {
		if m, ok := overrides[name]; ok {
			models[name] = m
			continue
		}

		switch mc.Provider {
		case "openai":
			models[name] = openai.NewModel(func(o *openai.Options) {
				o.Model = mc.Name
				o.Temperature = mc.Temperature
				if mc.MaxTokens > 0 {
					o.MaxCompletionTokens = mc.MaxTokens
				}
				o.APIKey = mc.APIKey
				o.BaseURL = mc.BaseURL
			})
		case "anthropic":
			models[name] = anthropic.NewModel(func(o *anthropic.Options) {
				o.Model = anthropicsdk.Model(mc.Name)
				o.Temperature = mc.Temperature
				if mc.MaxTokens > 0 {
					o.MaxTokens = mc.MaxTokens
				}
				o.APIKey = mc.APIKey
				o.BaseURL = mc.BaseURL
			})
		default:
			return nil, fmt.Errorf("model %s: unsupported provider %q", name, mc.Provider)
		}
	}

	for name, m := range overrides {
		if _, ok := models[name]; !ok {
			models[name] = m
		}
	}

	return models, nil
}

func buildPipeline(cfg *config.Config, models map[string]model.Model, inv *tool.Invoker, opts Options) (*agent.Pipeline, error) {
	steps := make([]*agent.Step, 0, len(cfg.Steps))

	for _, sc := range cfg.Steps {
		shape, err := agent.ParseShape(sc.OutputShape)
		if err != nil {
			return nil, core.WrapError(core.ErrInvalidSpec, err, "step %s", sc.Name)
		}

		spec := agent.StepSpec{
			Name:        sc.Name,
			Requires:    sc.Requires,
			OutputKey:   sc.OutputKey,
			OutputShape: shape,
			Model:       models[sc.Model],
			Instruction: agent.NewInstructionFromText(sc.Instruction),
			Params:      sc.Params,
			MaxTurns:    sc.MaxTurns,
			Policy:      cfg.RetryPolicy(),
		}
		if sc.Tool != "" {
			ref := cfg.Tools[sc.Tool].Ref(sc.Tool)
			spec.Tool = &ref
		}

		step, err := agent.NewStep(spec, func(o *agent.StepOptions) {
			o.Invoker = inv
			if opts.Sleep != nil {
				o.Sleep = opts.Sleep
			}
		})
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}

	return agent.NewPipeline(cfg.Pipeline, steps, func(o *agent.PipelineOptions) {
		o.Observer = opts.Observer
	})
}

func openArtifactStore(cfg *config.Config) (core.ArtifactStore, error) {
	switch cfg.Artifacts.Driver {
	case "dir":
		return artifact.NewDirStore(cfg.Artifacts.Path)
	case "", "memory":
		return artifact.NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported artifact store driver %q", cfg.Artifacts.Driver)
	}
}

func openSessionStore(cfg *config.Config, logger logging.Logger) (core.SessionStore, error) {
	switch cfg.SessionStore.Driver {
	case "sqlite":
		return sqlite.NewStore(cfg.SessionStore.Path, func(o *sqlite.Options) { o.Logger = logger })
	case "", "memory":
		return session.NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported session store driver %q", cfg.SessionStore.Driver)
	}
}
