package main

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools [SERVER]",
	Short: "List configured tool servers, or the tools one server exposes",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTools,
}

func runTools(cmd *cobra.Command, args []string) error {
	p, cfg, err := openPipe()
	if err != nil {
		return err
	}
	defer p.Close()

	out := cmd.OutOrStdout()
	cyan := color.New(color.FgCyan)

	if len(args) == 0 {
		names := make([]string, 0, len(cfg.Tools))
		for name := range cfg.Tools {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			tc := cfg.Tools[name]
			cyan.Fprintf(out, "%-20s", name)
			fmt.Fprintf(out, " %s %s%s\n", tc.Transport, tc.Endpoint, tc.Command)
		}
		return nil
	}

	defs, err := p.ListTools(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("list tools of %s: %w", args[0], err)
	}

	for _, d := range defs {
		cyan.Fprintf(out, "%-24s", d.Name)
		fmt.Fprintf(out, " %s\n", d.Description)
	}
	return nil
}
