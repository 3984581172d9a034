package memory

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func addAll(t *testing.T, s *Store, msgs ...Message) {
	t.Helper()
	if err := s.Add(msgs); err != nil {
		t.Fatalf("Add: %v", err)
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestStore_AddAndGet(t *testing.T) {
	s := NewStore()
	a := NewMessage(RoleUser, "hello")
	b := NewMessage(RoleAssistant, "hi there")
	addAll(t, s, a, b)

	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}

	got := s.Get(ViewOptions{})
	if !reflect.DeepEqual(ids(got), []string{a.ID, b.ID}) {
		t.Errorf("Get order = %v", ids(got))
	}
	if got[1].Text() != "hi there" {
		t.Errorf("Text = %q", got[1].Text())
	}
}

func TestStore_AddRejects(t *testing.T) {
	s := NewStore()
	a := NewMessage(RoleUser, "hello")
	addAll(t, s, a)

	tests := []struct {
		name string
		msgs []Message
		want error
	}{
		{"duplicate existing", []Message{a}, ErrDuplicateMessage},
		{"duplicate in batch", func() []Message {
			m := NewMessage(RoleUser, "x")
			return []Message{m, m}
		}(), ErrDuplicateMessage},
		{"empty id", []Message{{Role: RoleUser}}, ErrInvalidMessage},
		{"bad role", []Message{{ID: "x", Role: "robot"}}, ErrInvalidMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Add(tt.msgs)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if s.Len() != 1 {
				t.Errorf("failed Add changed the store: Len = %d", s.Len())
			}
		})
	}
}

func TestStore_GetReturnsCopies(t *testing.T) {
	s := NewStore()
	m := NewBlockMessage(RoleAssistant, ToolUseBlock("call-1", "search", map[string]any{"q": "go"}))
	addAll(t, s, m)

	got := s.Get(ViewOptions{})
	got[0].Content.Blocks[0].Input["q"] = "changed"
	got[0].Content.Blocks[0].ID = "changed"

	again := s.Get(ViewOptions{})
	if again[0].Content.Blocks[0].ID != "call-1" {
		t.Error("mutating a returned block changed the store")
	}
	if again[0].Content.Blocks[0].Input["q"] != "go" {
		t.Error("mutating a returned input changed the store")
	}
}

func TestStore_MarkFilter(t *testing.T) {
	s := NewStore()
	a := NewMessage(RoleUser, "one")
	b := NewMessage(RoleAssistant, "two")
	c := NewMessage(RoleUser, "three")
	addAll(t, s, a, b, c)

	if err := s.MarkMessages([]string{a.ID, b.ID}, MarkCompressed); err != nil {
		t.Fatalf("MarkMessages: %v", err)
	}

	tests := []struct {
		name string
		opts ViewOptions
		want []string
	}{
		{"all", ViewOptions{}, []string{a.ID, b.ID, c.ID}},
		{"exclude", ViewOptions{ExcludeMark: MarkCompressed}, []string{c.ID}},
		{"include", ViewOptions{IncludeMark: MarkCompressed}, []string{a.ID, b.ID}},
		{"include and exclude", ViewOptions{IncludeMark: MarkCompressed, ExcludeMark: MarkCompressed}, []string{}},
		{"unknown include", ViewOptions{IncludeMark: "archived"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(s.Get(tt.opts))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Get(%+v) = %v, want %v", tt.opts, got, tt.want)
			}
		})
	}
}

func TestStore_PrependSummary(t *testing.T) {
	s := NewStore()
	a := NewMessage(RoleUser, "one")
	addAll(t, s, a)

	// No summary: nothing prepended.
	if got := s.Get(Active); len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}

	s.SetSummary("user likes tea")
	got := s.Get(Active)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	head := got[0]
	if head.ID != "" || head.Role != RoleUser {
		t.Errorf("summary message = %+v, want id-less user message", head)
	}
	if !strings.Contains(head.Text(), "<previous-summary>") || !strings.Contains(head.Text(), "user likes tea") {
		t.Errorf("summary text = %q", head.Text())
	}

	// Not stored: the store still holds one message.
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestStore_MarkMonotonic(t *testing.T) {
	s := NewStore()
	var all []Message
	for i := 0; i < 6; i++ {
		all = append(all, NewMessage(RoleUser, "m"))
	}
	addAll(t, s, all...)

	compressed := map[string]bool{}
	// Several rounds of compaction over growing prefixes.
	for round := 1; round <= 3; round++ {
		var batch []string
		for _, m := range all[:round*2] {
			batch = append(batch, m.ID)
			compressed[m.ID] = true
		}
		if err := s.MarkMessages(batch, MarkCompressed); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		s.SetSummary("round")

		for _, m := range s.Get(Active) {
			if compressed[m.ID] {
				t.Errorf("round %d: compressed message %s in active view", round, m.ID)
			}
		}
		for id := range compressed {
			if !s.HasMark(id, MarkCompressed) {
				t.Errorf("round %d: %s lost its mark", round, id)
			}
		}
	}
}

func TestStore_GetIdempotent(t *testing.T) {
	s := NewStore()
	addAll(t, s,
		NewMessage(RoleSystem, "sys"),
		NewMessage(RoleUser, "q"),
		NewBlockMessage(RoleAssistant, TextBlock("a"), ToolUseBlock("t1", "f", nil)),
		NewBlockMessage(RoleTool, ToolResultBlock("t1", "f", "ok")),
	)
	s.SetSummary("s")

	for _, opts := range []ViewOptions{{}, Active, {IncludeMark: MarkCompressed}} {
		first := s.Get(opts)
		second := s.Get(opts)
		if !reflect.DeepEqual(first, second) {
			t.Errorf("Get(%+v) differs between calls", opts)
		}
	}
}

func TestStore_MarkErrors(t *testing.T) {
	s := NewStore()
	a := NewMessage(RoleUser, "one")
	addAll(t, s, a)

	if err := s.AddMark("missing", MarkCompressed); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("unknown id: err = %v", err)
	}
	for _, mark := range []string{"", "two words", "tab\there"} {
		if err := s.AddMark(a.ID, mark); !errors.Is(err, ErrInvalidMark) {
			t.Errorf("mark %q: err = %v", mark, err)
		}
	}

	// All-or-nothing: a bad id leaves the good one unmarked.
	if err := s.MarkMessages([]string{a.ID, "missing"}, MarkCompressed); err == nil {
		t.Fatal("expected error")
	}
	if s.HasMark(a.ID, MarkCompressed) {
		t.Error("partial MarkMessages applied a mark")
	}

	// Marking twice keeps one copy.
	_ = s.AddMark(a.ID, MarkCompressed)
	_ = s.AddMark(a.ID, MarkCompressed)
	marks, err := s.Marks(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(marks, []string{MarkCompressed}) {
		t.Errorf("marks = %v", marks)
	}
}

func TestStore_Clear(t *testing.T) {
	s := NewStore()
	a := NewMessage(RoleUser, "one")
	addAll(t, s, a)
	_ = s.AddMark(a.ID, MarkCompressed)
	s.SetSummary("x")

	s.Clear()

	if s.Len() != 0 || s.Summary() != "" {
		t.Errorf("after Clear: Len=%d Summary=%q", s.Len(), s.Summary())
	}
	// The id is free again and carries no marks.
	addAll(t, s, a)
	if s.HasMark(a.ID, MarkCompressed) {
		t.Error("mark survived Clear")
	}
}

func TestMessage_Text(t *testing.T) {
	m := NewBlockMessage(RoleAssistant,
		Block{Type: BlockThinking, Thinking: "hmm"},
		TextBlock("first"),
		ToolResultBlock("t1", "f", "nested"),
		Block{Type: BlockImage, Source: "http://example.com/a.png"},
	)
	if got := m.Text(); got != "first\nnested" {
		t.Errorf("Text = %q", got)
	}
}
