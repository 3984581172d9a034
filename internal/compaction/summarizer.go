package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/zhijianma/copaw/internal/memory"
	"github.com/zhijianma/copaw/internal/prompts"
)

// Summarizer folds messages into a running summary. It must return
// previousSummary unchanged when msgs is empty.
type Summarizer interface {
	Summarize(ctx context.Context, previousSummary string, msgs []memory.Message) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, previousSummary string, msgs []memory.Message) (string, error)

// Summarize implements Summarizer.
func (f SummarizerFunc) Summarize(ctx context.Context, previousSummary string, msgs []memory.Message) (string, error) {
	return f(ctx, previousSummary, msgs)
}

// CompleteFunc sends a single prompt to a model and returns its reply.
type CompleteFunc func(ctx context.Context, prompt string) (string, error)

// LLMSummarizer summarizes with a language model.
type LLMSummarizer struct {
	complete CompleteFunc
}

// NewLLMSummarizer creates a summarizer around a completion function.
func NewLLMSummarizer(complete CompleteFunc) *LLMSummarizer {
	return &LLMSummarizer{complete: complete}
}

// Summarize implements Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, previousSummary string, msgs []memory.Message) (string, error) {
	if len(msgs) == 0 {
		return previousSummary, nil
	}
	prompt := prompts.CompactionPrompt(Transcript(msgs), previousSummary)
	reply, err := s.complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// SimpleSummarizer builds a summary without a model by listing a truncated
// line per message. It is used when no LLM is configured.
type SimpleSummarizer struct {
	// MaxLineLength caps each line; zero means 200 characters.
	MaxLineLength int
}

// Summarize implements Summarizer.
func (s SimpleSummarizer) Summarize(_ context.Context, previousSummary string, msgs []memory.Message) (string, error) {
	if len(msgs) == 0 {
		return previousSummary, nil
	}
	limit := s.MaxLineLength
	if limit <= 0 {
		limit = 200
	}

	var sb strings.Builder
	if previousSummary != "" {
		sb.WriteString(previousSummary)
		sb.WriteString("\n")
	}
	for _, m := range msgs {
		text := strings.Join(strings.Fields(m.Text()), " ")
		if text == "" {
			continue
		}
		sb.WriteString(fmt.Sprintf("- %s: %s\n", m.Role, truncate(text, limit)))
	}
	return strings.TrimSpace(sb.String()), nil
}

// Transcript renders messages as "role: content" lines for a summarization
// prompt. Tool calls and results are shown inline.
func Transcript(msgs []memory.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		if !m.Content.IsBlocks() {
			sb.WriteString(fmt.Sprintf("%s: %s\n", m.Role, m.Content.Text))
			continue
		}
		for _, b := range m.Content.Blocks {
			switch b.Type {
			case memory.BlockText:
				sb.WriteString(fmt.Sprintf("%s: %s\n", m.Role, b.Text))
			case memory.BlockToolUse:
				sb.WriteString(fmt.Sprintf("%s: [called %s %v]\n", m.Role, b.Name, b.Input))
			case memory.BlockToolResult:
				sb.WriteString(fmt.Sprintf("%s: [%s returned] %s\n", m.Role, b.Name,
					memory.Message{Content: memory.Content{Blocks: b.Output}}.Text()))
			case memory.BlockThinking:
				// Reasoning is not carried into summaries.
			default:
				sb.WriteString(fmt.Sprintf("%s: [%s attachment]\n", m.Role, b.Type))
			}
		}
	}
	return sb.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
