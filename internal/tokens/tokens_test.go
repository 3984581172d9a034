package tokens

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/zhijianma/copaw/internal/memory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wordEncoder emits one token per whitespace-separated word.
var wordEncoder = EncoderFunc(func(text string) []int {
	return make([]int, len(strings.Fields(text)))
})

func TestExtractText(t *testing.T) {
	formatted := []map[string]any{
		{"role": "system", "content": "be brief"},
		{"role": "assistant", "content": []any{
			map[string]any{"type": "text", "text": "looking"},
			map[string]any{"type": "tool_use", "id": "t1", "input": map[string]any{"q": "ignored"}},
			map[string]any{"type": "image", "source": "http://x/y.png"},
		}},
		{"role": "tool", "content": []map[string]any{
			{"type": "tool_result", "id": "t1", "output": []any{
				map[string]any{"type": "text", "text": "nested result"},
			}},
			{"type": "tool_result", "id": "t2", "content": "bare string result"},
		}},
		{"role": "user"},
	}

	want := "be brief\nlooking\nnested result\nbare string result"
	if got := ExtractText(formatted); got != want {
		t.Errorf("ExtractText = %q, want %q", got, want)
	}
}

func TestCounter_LoadsOnce(t *testing.T) {
	var loads atomic.Int32
	c := NewCounter(func() (Encoder, error) {
		loads.Add(1)
		return wordEncoder, nil
	}, 0)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := c.CountText(context.Background(), "one two three")
			if err != nil || n != 3 {
				t.Errorf("CountText = %d, %v", n, err)
			}
		}()
	}
	wg.Wait()

	if loads.Load() != 1 {
		t.Errorf("loader ran %d times, want 1", loads.Load())
	}
}

func TestCounter_CachesCounts(t *testing.T) {
	var encodes atomic.Int32
	c := NewCounter(func() (Encoder, error) {
		return EncoderFunc(func(text string) []int {
			encodes.Add(1)
			return wordEncoder(text)
		}), nil
	}, 4)

	for i := 0; i < 3; i++ {
		if _, err := c.CountText(context.Background(), "same text"); err != nil {
			t.Fatal(err)
		}
	}
	if encodes.Load() != 1 {
		t.Errorf("encoded %d times, want 1", encodes.Load())
	}
}

func TestCounter_LoadFailureRemembered(t *testing.T) {
	var loads atomic.Int32
	c := NewCounter(func() (Encoder, error) {
		loads.Add(1)
		return nil, errors.New("asset missing")
	}, 0)

	for i := 0; i < 2; i++ {
		if _, err := c.CountText(context.Background(), "x"); err == nil {
			t.Fatal("expected error")
		}
	}
	if loads.Load() != 1 {
		t.Errorf("loader ran %d times, want 1", loads.Load())
	}
}

func TestCounter_EncoderPanic(t *testing.T) {
	c := NewCounter(func() (Encoder, error) {
		return EncoderFunc(func(string) []int { panic("bad special token") }), nil
	}, 0)
	if _, err := c.CountText(context.Background(), "x"); err == nil {
		t.Fatal("expected error from panicking encoder")
	}
}

func TestCounter_CanceledContext(t *testing.T) {
	c := NewCounter(func() (Encoder, error) { return wordEncoder, nil }, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.CountText(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestEstimator(t *testing.T) {
	formatted := []map[string]any{{"role": "user", "content": "four words in here"}}

	t.Run("tokenizer", func(t *testing.T) {
		e := NewEstimator(NewCounter(func() (Encoder, error) { return wordEncoder, nil }, 0), quietLogger())
		got := e.Estimate(context.Background(), formatted)
		if got.Tokens != 4 || got.Heuristic {
			t.Errorf("Estimate = %+v", got)
		}
	})

	t.Run("fallback", func(t *testing.T) {
		e := NewEstimator(NewCounter(func() (Encoder, error) { return nil, errors.New("offline") }, 0), quietLogger())
		got := e.Estimate(context.Background(), formatted)
		want := len("four words in here") / 4
		if got.Tokens != want || !got.Heuristic {
			t.Errorf("Estimate = %+v, want %d heuristic", got, want)
		}
	})

	t.Run("no counter", func(t *testing.T) {
		e := NewEstimator(nil, quietLogger())
		if got := e.Estimate(context.Background(), formatted); !got.Heuristic {
			t.Errorf("Estimate = %+v, want heuristic", got)
		}
	})
}

func TestChatFormatter(t *testing.T) {
	msgs := []memory.Message{
		memory.NewMessage(memory.RoleUser, "hi"),
		memory.NewBlockMessage(memory.RoleAssistant,
			memory.TextBlock("calling"),
			memory.ToolUseBlock("t1", "search", map[string]any{"q": "go"}),
		),
		memory.NewBlockMessage(memory.RoleTool, memory.ToolResultBlock("t1", "search", "found it")),
	}

	formatted, err := ChatFormatter{}.Format(msgs)
	if err != nil {
		t.Fatal(err)
	}
	if len(formatted) != 3 {
		t.Fatalf("len = %d", len(formatted))
	}
	if formatted[0]["role"] != "user" || formatted[0]["content"] != "hi" {
		t.Errorf("plain message = %v", formatted[0])
	}
	if got := ExtractText(formatted); got != "hi\ncalling\nfound it" {
		t.Errorf("text = %q", got)
	}
}

type fakeBpeLoader struct{ called bool }

func (f *fakeBpeLoader) LoadTiktokenBpe(string) (map[string]int, error) {
	f.called = true
	return map[string]int{"remote": 0}, nil
}

func TestLocalBpeLoader(t *testing.T) {
	dir := t.TempDir()
	content := base64.StdEncoding.EncodeToString([]byte("ab")) + " 0\n" +
		base64.StdEncoding.EncodeToString([]byte("c")) + " 1\n"
	if err := os.WriteFile(filepath.Join(dir, "tiny.tiktoken"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	fb := &fakeBpeLoader{}
	l := &localBpeLoader{dir: dir, fallback: fb}

	ranks, err := l.LoadTiktokenBpe("https://example.com/encodings/tiny.tiktoken")
	if err != nil {
		t.Fatal(err)
	}
	if ranks["ab"] != 0 || ranks["c"] != 1 || fb.called {
		t.Errorf("local ranks = %v, fallback called = %v", ranks, fb.called)
	}

	ranks, err = l.LoadTiktokenBpe("https://example.com/encodings/other.tiktoken")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ranks["remote"]; !ok || !fb.called {
		t.Error("missing local asset should use the fallback loader")
	}
}

func TestParseBpeRanks_Malformed(t *testing.T) {
	if _, err := parseBpeRanks([]byte("not-a-rank-line\n")); err == nil {
		t.Error("expected error for malformed line")
	}
}
