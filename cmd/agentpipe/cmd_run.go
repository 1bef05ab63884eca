package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hupe1980/agentpipe/core"
)

var runFlags struct {
	session string
	timeout time.Duration
}

var runCmd = &cobra.Command{
	Use:   "run QUERY...",
	Short: "Submit one or more queries to the pipeline, in order, within one session",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.session, "session", "s", "default", "Session id")
	f.DurationVar(&runFlags.timeout, "timeout", 0, "Abort a query after this long (0: no limit)")
}

func runRun(cmd *cobra.Command, queries []string) error {
	p, cfg, err := openPipe()
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	failed := 0

	for _, q := range queries {
		printUser(out, q)

		qctx, cancel := ctx, context.CancelFunc(func() {})
		if runFlags.timeout > 0 {
			qctx, cancel = context.WithTimeout(ctx, runFlags.timeout)
		}
		res, err := p.Submit(qctx, runFlags.session, q)
		cancel()

		if err != nil {
			failed++
			printError(out, err)
			if core.KindOf(err) == core.ErrCancelled && ctx.Err() != nil {
				return err
			}
			continue
		}
		printAgent(out, cfg.Pipeline, res.Text)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d queries failed", failed, len(queries))
	}
	return nil
}

func printUser(w io.Writer, text string) {
	cyan := color.New(color.FgCyan, color.Bold)
	fmt.Fprintln(w)
	cyan.Fprint(w, "User > ")
	fmt.Fprintln(w, text)
}

func printAgent(w io.Writer, name, text string) {
	if text == "" || text == "None" {
		return
	}
	green := color.New(color.FgGreen, color.Bold)
	green.Fprintf(w, "%s > ", name)
	fmt.Fprintln(w, text)
}

func printError(w io.Writer, err error) {
	red := color.New(color.FgRed)

	var perr *core.PipelineError
	if errors.As(err, &perr) {
		red.Fprintf(w, "step %d (%s) failed [%s]: %v\n", perr.StepIndex, perr.Step, perr.Kind, perr.Cause)
		return
	}
	red.Fprintf(w, "Error: %v\n", err)
}
