package compaction

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/zhijianma/copaw/internal/memory"
)

func TestLLMSummarizer(t *testing.T) {
	var gotPrompt string
	s := NewLLMSummarizer(func(_ context.Context, prompt string) (string, error) {
		gotPrompt = prompt
		return "  - user asked about lights\n", nil
	})

	msgs := []memory.Message{
		memory.NewMessage(memory.RoleUser, "turn on the lights"),
		memory.NewBlockMessage(memory.RoleAssistant,
			memory.ToolUseBlock("t1", "lights", map[string]any{"on": true})),
		memory.NewBlockMessage(memory.RoleTool, memory.ToolResultBlock("t1", "lights", "done")),
	}
	got, err := s.Summarize(context.Background(), "earlier facts", msgs)
	if err != nil {
		t.Fatalf("Summarize() error: %v", err)
	}
	if got != "- user asked about lights" {
		t.Errorf("Summarize() = %q, want trimmed reply", got)
	}
	for _, want := range []string{"user: turn on the lights", "[called lights", "[lights returned] done", "earlier facts"} {
		if !strings.Contains(gotPrompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, gotPrompt)
		}
	}
}

func TestLLMSummarizer_EmptyKeepsPrevious(t *testing.T) {
	s := NewLLMSummarizer(func(context.Context, string) (string, error) {
		t.Fatal("model called for empty input")
		return "", nil
	})
	got, err := s.Summarize(context.Background(), "prev", nil)
	if err != nil || got != "prev" {
		t.Errorf("Summarize(nil) = %q, %v; want prev, nil", got, err)
	}
}

func TestLLMSummarizer_Error(t *testing.T) {
	boom := errors.New("model down")
	s := NewLLMSummarizer(func(context.Context, string) (string, error) { return "", boom })
	if _, err := s.Summarize(context.Background(), "", conversation(2)); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestSimpleSummarizer(t *testing.T) {
	msgs := []memory.Message{
		memory.NewMessage(memory.RoleUser, "hello   there\nfriend"),
		memory.NewBlockMessage(memory.RoleAssistant, memory.ToolUseBlock("t1", "noop", nil)),
		memory.NewMessage(memory.RoleAssistant, strings.Repeat("x", 30)),
	}
	got, err := SimpleSummarizer{MaxLineLength: 10}.Summarize(context.Background(), "- earlier", msgs)
	if err != nil {
		t.Fatalf("Summarize() error: %v", err)
	}
	want := "- earlier\n- user: hello ther...\n- assistant: xxxxxxxxxx..."
	if got != want {
		t.Errorf("Summarize() =\n%q\nwant\n%q", got, want)
	}
}

func TestTranscript_SkipsThinking(t *testing.T) {
	msg := memory.NewBlockMessage(memory.RoleAssistant,
		memory.Block{Type: memory.BlockThinking, Thinking: "secret"},
		memory.TextBlock("visible"),
		memory.Block{Type: memory.BlockImage, Source: "cat.png"},
	)
	got := Transcript([]memory.Message{msg})
	if strings.Contains(got, "secret") {
		t.Errorf("transcript leaked thinking: %q", got)
	}
	if !strings.Contains(got, "assistant: visible") || !strings.Contains(got, "[image attachment]") {
		t.Errorf("Transcript() = %q", got)
	}
}
