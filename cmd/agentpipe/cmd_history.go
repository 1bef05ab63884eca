package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hupe1980/agentpipe/core"
)

var historyFlags struct {
	session string
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the stored conversation history of a session",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVarP(&historyFlags.session, "session", "s", "default", "Session id")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	p, cfg, err := openPipe()
	if err != nil {
		return err
	}
	defer p.Close()

	rec, err := p.History(cmd.Context(), historyFlags.session)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	yellow := color.New(color.FgYellow)

	fmt.Fprintf(out, "Session: %s\n", rec.Key)
	fmt.Fprintf(out, "Turns:   %d (compacted at %d)\n", len(rec.History), rec.LastCompactionTurnIndex)
	for _, t := range rec.History {
		ts := t.Timestamp.Format(time.DateTime)
		switch {
		case t.Summary:
			yellow.Fprintf(out, "%s summary > ", ts)
		case t.Role == core.TurnUser:
			fmt.Fprintf(out, "%s User > ", ts)
		default:
			fmt.Fprintf(out, "%s %s > ", ts, cfg.Pipeline)
		}
		fmt.Fprintln(out, t.Content)
	}
	return nil
}
