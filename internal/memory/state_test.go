package memory

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

func populated(t *testing.T) (*Store, []Message) {
	t.Helper()
	s := NewStore()
	msgs := []Message{
		NewMessage(RoleSystem, "be nice"),
		NewMessage(RoleUser, "what's the weather?"),
		NewBlockMessage(RoleAssistant, TextBlock("checking"), ToolUseBlock("call-1", "weather", map[string]any{"city": "Oslo"})),
		NewBlockMessage(RoleTool, ToolResultBlock("call-1", "weather", "rain")),
		NewMessage(RoleAssistant, "it's raining"),
	}
	addAll(t, s, msgs...)
	if err := s.MarkMessages([]string{msgs[1].ID, msgs[2].ID}, MarkCompressed); err != nil {
		t.Fatal(err)
	}
	s.SetSummary("user asked about weather")
	return s, msgs
}

func assertSameStore(t *testing.T, want, got *Store) {
	t.Helper()
	w, g := want.Get(ViewOptions{}), got.Get(ViewOptions{})
	if len(w) != len(g) {
		t.Fatalf("len = %d, want %d", len(g), len(w))
	}
	for i := range w {
		if w[i].ID != g[i].ID || w[i].Role != g[i].Role || w[i].Text() != g[i].Text() {
			t.Errorf("message %d = %+v, want %+v", i, g[i], w[i])
		}
		if !w[i].Timestamp.Equal(g[i].Timestamp) {
			t.Errorf("message %d timestamp = %v, want %v", i, g[i].Timestamp, w[i].Timestamp)
		}
		if !reflect.DeepEqual(w[i].ToolUseIDs(), g[i].ToolUseIDs()) || !reflect.DeepEqual(w[i].ToolResultIDs(), g[i].ToolResultIDs()) {
			t.Errorf("message %d tool ids differ", i)
		}
		wm, _ := want.Marks(w[i].ID)
		gm, _ := got.Marks(g[i].ID)
		if len(wm) != len(gm) || (len(wm) > 0 && !reflect.DeepEqual(wm, gm)) {
			t.Errorf("message %d marks = %v, want %v", i, gm, wm)
		}
	}
	if want.Summary() != got.Summary() {
		t.Errorf("summary = %q, want %q", got.Summary(), want.Summary())
	}
}

func TestStateDict_RoundTrip(t *testing.T) {
	s, _ := populated(t)

	state, err := s.StateDict()
	if err != nil {
		t.Fatalf("StateDict: %v", err)
	}

	restored := NewStore()
	if err := restored.LoadStateDict(state, true); err != nil {
		t.Fatalf("LoadStateDict: %v", err)
	}
	assertSameStore(t, s, restored)
}

func TestStateDict_RoundTripThroughJSON(t *testing.T) {
	s, _ := populated(t)

	state, err := s.StateDict()
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	restored := NewStore()
	if err := restored.LoadStateDict(decoded, true); err != nil {
		t.Fatalf("LoadStateDict: %v", err)
	}
	assertSameStore(t, s, restored)
}

func TestLoadStateDict_Legacy(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	state := map[string]any{
		"content": []any{
			map[string]any{"id": "m1", "role": "user", "content": "hello", "timestamp": ts.Format(time.RFC3339Nano)},
			map[string]any{"id": "m2", "role": "assistant", "content": []any{
				map[string]any{"type": "text", "text": "hi"},
			}},
		},
		"_compressed_summary": "old summary",
	}

	s := NewStore()
	if err := s.LoadStateDict(state, true); err != nil {
		t.Fatalf("LoadStateDict: %v", err)
	}

	got := s.Get(ViewOptions{})
	if !reflect.DeepEqual(ids(got), []string{"m1", "m2"}) {
		t.Fatalf("ids = %v", ids(got))
	}
	if got[0].Text() != "hello" || got[1].Text() != "hi" || !got[1].Content.IsBlocks() {
		t.Errorf("content = %+v", got)
	}
	if !got[0].Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v", got[0].Timestamp)
	}
	for _, id := range []string{"m1", "m2"} {
		if marks, _ := s.Marks(id); len(marks) != 0 {
			t.Errorf("%s marks = %v, want none", id, marks)
		}
	}
	if s.Summary() != "old summary" {
		t.Errorf("summary = %q", s.Summary())
	}

	// Exporting legacy data yields the pair format, which loads back the same.
	state2, err := s.StateDict()
	if err != nil {
		t.Fatal(err)
	}
	again := NewStore()
	if err := again.LoadStateDict(state2, true); err != nil {
		t.Fatal(err)
	}
	assertSameStore(t, s, again)
}

func TestLoadStateDict_MissingContent(t *testing.T) {
	s, _ := populated(t)

	err := s.LoadStateDict(map[string]any{"_compressed_summary": "x"}, true)
	if !errors.Is(err, ErrMissingStateKey) {
		t.Fatalf("strict: err = %v, want ErrMissingStateKey", err)
	}
	if s.Len() == 0 {
		t.Error("failed strict load modified the store")
	}

	if err := s.LoadStateDict(map[string]any{"_compressed_summary": "x"}, false); err != nil {
		t.Fatalf("non-strict: %v", err)
	}
	if s.Len() != 0 || s.Summary() != "x" {
		t.Errorf("non-strict: Len=%d Summary=%q", s.Len(), s.Summary())
	}
}

func TestLoadStateDict_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		state map[string]any
		want  error
	}{
		{"content not a list", map[string]any{"content": "nope"}, ErrInvalidMessage},
		{"pair wrong size", map[string]any{"content": []any{[]any{map[string]any{"id": "a", "role": "user"}}}}, ErrInvalidMessage},
		{"missing id", map[string]any{"content": []any{map[string]any{"role": "user", "content": "x"}}}, ErrInvalidMessage},
		{"duplicate id", map[string]any{"content": []any{
			map[string]any{"id": "a", "role": "user"},
			map[string]any{"id": "a", "role": "user"},
		}}, ErrDuplicateMessage},
		{"bad mark", map[string]any{"content": []any{
			[]any{map[string]any{"id": "a", "role": "user"}, []any{42}},
		}}, ErrInvalidMark},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			if err := s.LoadStateDict(tt.state, true); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}
