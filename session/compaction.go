package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/model"
)

// Summarizer condenses a run of history turns into one summary text.
type Summarizer interface {
	Summarize(ctx context.Context, turns []core.Turn) (string, error)
}

// SummarizerFunc adapts a function to the Summarizer interface.
type SummarizerFunc func(ctx context.Context, turns []core.Turn) (string, error)

// Summarize calls f.
func (f SummarizerFunc) Summarize(ctx context.Context, turns []core.Turn) (string, error) {
	return f(ctx, turns)
}

// DefaultSummaryInstruction is used by ModelSummarizer when Instruction is empty.
const DefaultSummaryInstruction = `You condense conversations. Summarize the conversation below so that an assistant can continue it.
Keep names, numbers, decisions and open requests. Answer with the summary only.`

// ModelSummarizer produces summaries with a model call.
type ModelSummarizer struct {
	Model       model.Model
	Instruction string
}

// NewModelSummarizer returns a ModelSummarizer using the default instruction.
func NewModelSummarizer(m model.Model) *ModelSummarizer {
	return &ModelSummarizer{Model: m, Instruction: DefaultSummaryInstruction}
}

// Summarize renders turns as a transcript and asks the model for a summary.
func (s *ModelSummarizer) Summarize(ctx context.Context, turns []core.Turn) (string, error) {
	if s.Model == nil {
		return "", errors.New("summarizer has no model")
	}

	instruction := s.Instruction
	if instruction == "" {
		instruction = DefaultSummaryInstruction
	}

	resp, err := s.Model.Generate(ctx, model.Request{
		Instructions: instruction,
		Contents:     []core.Content{core.NewTextContent(core.RoleUser, transcript(turns))},
	})
	if err != nil {
		return "", fmt.Errorf("summarize %d turns: %w", len(turns), err)
	}

	text := strings.TrimSpace(resp.Content.Text())
	if text == "" {
		return "", errors.New("summarizer returned an empty summary")
	}
	return text, nil
}

func transcript(turns []core.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		label := string(t.Role)
		if t.Summary {
			label = "summary"
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// compactionDue reports whether rec crossed the compaction interval.
func compactionDue(rec *core.SessionRecord, interval int) bool {
	return interval > 0 && rec.TurnsSinceCompaction() >= interval
}

// compact replaces every turn older than the newest overlap turns with a
// single summary turn. It reports false without touching rec when there is
// nothing worth summarizing. On summarizer failure rec is left unmodified.
func compact(ctx context.Context, rec *core.SessionRecord, s Summarizer, overlap int) (bool, error) {
	n := len(rec.History)
	keep := min(max(overlap, 0), n)

	prefix := rec.History[:n-keep]
	if len(prefix) == 0 || (len(prefix) == 1 && prefix[0].Summary) {
		return false, nil
	}

	text, err := s.Summarize(ctx, prefix)
	if err != nil {
		return false, err
	}

	summary := core.Turn{
		ID:        uuid.NewString(),
		Role:      core.TurnAgent,
		Content:   text,
		Timestamp: prefix[len(prefix)-1].Timestamp,
		Summary:   true,
	}

	history := make([]core.Turn, 0, keep+1)
	history = append(history, summary)
	history = append(history, rec.History[n-keep:]...)

	rec.History = history
	rec.LastCompactionTurnIndex = len(history)
	return true, nil
}
