// agentpipe runs a configured multi-step agent pipeline from the command line.
//
// Usage:
//
//	agentpipe run -c pipeline.yaml --session data-job "query one" "query two"
//	agentpipe tools -c pipeline.yaml job-search
//	agentpipe history -c pipeline.yaml --session data-job
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentpipe"
	"github.com/hupe1980/agentpipe/config"
	"github.com/hupe1980/agentpipe/tool"
	"github.com/hupe1980/agentpipe/tool/builtin"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configPath string
	resumeRoot string
}

var rootCmd = &cobra.Command{
	Use:   "agentpipe",
	Short: "Sequential LLM agent pipelines with tool servers and persistent sessions",
	Long: "agentpipe executes a fixed sequence of model-backed steps, passing structured\n" +
		"results between them and keeping the conversation history per session.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&rootFlags.configPath, "config", "c", "agentpipe.yaml", "Pipeline configuration (yaml or toml)")
	pf.StringVar(&rootFlags.resumeRoot, "resume-root", "", "Directory the built-in resume parser may read from (empty: any)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.Version = version
}

// builtins maps in-process tool server names to the tools they serve.
func builtins() map[string][]*tool.FunctionTool {
	return map[string][]*tool.FunctionTool{
		"resume-parser": {builtin.ResumeParser(rootFlags.resumeRoot)},
	}
}

// openPipe loads the configuration and wires an AgentPipe. Every in-process
// tool server named in the configuration must be a built-in.
func openPipe() (*agentpipe.AgentPipe, *config.Config, error) {
	cfg, err := config.Load(rootFlags.configPath)
	if err != nil {
		return nil, nil, err
	}

	available := builtins()
	served := map[string][]*tool.FunctionTool{}
	for name, tc := range cfg.Tools {
		if tool.Transport(tc.Transport) != tool.TransportInProcess {
			continue
		}
		tools, ok := available[name]
		if !ok {
			return nil, nil, fmt.Errorf("tools.%s: no built-in in-process tool server with that name", name)
		}
		served[name] = tools
	}

	p, err := agentpipe.New(cfg, func(o *agentpipe.Options) {
		o.FunctionTools = served
	})
	if err != nil {
		return nil, nil, err
	}
	return p, cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
