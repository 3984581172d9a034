package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zhijianma/copaw/internal/memory"
	"github.com/zhijianma/copaw/internal/tokens"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFromMemory(t *testing.T) {
	msgs := []memory.Message{
		memory.NewMessage(memory.RoleSystem, "be brief"),
		memory.NewMessage(memory.RoleUser, "what's the weather"),
		memory.NewBlockMessage(memory.RoleAssistant,
			memory.Block{Type: memory.BlockThinking, Thinking: "hmm"},
			memory.TextBlock("checking"),
			memory.ToolUseBlock("t1", "weather", map[string]any{"city": "Oslo"}),
		),
		memory.NewBlockMessage(memory.RoleTool, memory.ToolResultBlock("t1", "weather", "rain")),
	}

	got := FromMemory(msgs)
	if len(got) != 4 {
		t.Fatalf("got %d messages, want 4: %+v", len(got), got)
	}
	if got[0].Role != "system" || got[1].Content != "what's the weather" {
		t.Errorf("plain messages = %+v, %+v", got[0], got[1])
	}
	a := got[2]
	if a.Role != "assistant" || a.Content != "checking" {
		t.Errorf("assistant = %+v", a)
	}
	if len(a.ToolCalls) != 1 || a.ToolCalls[0].ID != "t1" || a.ToolCalls[0].Function.Arguments["city"] != "Oslo" {
		t.Errorf("tool calls = %+v", a.ToolCalls)
	}
	if got[3].Role != "tool" || got[3].ToolCallID != "t1" || got[3].Content != "rain" {
		t.Errorf("tool result = %+v", got[3])
	}
}

func TestFromMemory_MediaDescribed(t *testing.T) {
	msgs := []memory.Message{
		memory.NewBlockMessage(memory.RoleUser,
			memory.TextBlock("look"),
			memory.Block{Type: memory.BlockImage, Source: "file:///cat.png"},
		),
	}
	got := FromMemory(msgs)
	if len(got) != 1 || got[0].Content != "look\n[image: file:///cat.png]" {
		t.Errorf("got %+v", got)
	}
}

func TestToAnthropic_MergesToolResults(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "one"},
		{Role: "system", Content: "two"},
		{Role: "user", Content: "go"},
		{Role: "assistant", ToolCalls: []ToolCall{
			{ID: "a", Function: ToolFunction{Name: "x"}},
			{Function: ToolFunction{Name: "y"}},
		}},
		{Role: "tool", ToolCallID: "a", Content: "ra"},
		{Role: "tool", ToolCallID: "toolu_y_1", Content: "rb"},
		{Role: "user", Content: "thanks"},
	}

	params, system := toAnthropic(msgs)
	if system != "one\n\ntwo" {
		t.Errorf("system = %q", system)
	}
	if len(params) != 4 {
		t.Fatalf("got %d params, want 4", len(params))
	}
	if n := len(params[1].Content); n != 2 {
		t.Fatalf("assistant blocks = %d, want 2", n)
	}
	if id := params[1].Content[1].OfToolUse.ID; id != "toolu_y_1" {
		t.Errorf("generated tool id = %q", id)
	}
	results := params[2].Content
	if len(results) != 2 || results[0].OfToolResult == nil || results[1].OfToolResult == nil {
		t.Fatalf("tool results not merged: %+v", results)
	}
	if isToolResultTurn(params[3]) {
		t.Error("plain user turn classified as tool result turn")
	}
}

func TestAnthropicFormatter_ExtractsText(t *testing.T) {
	msgs := []memory.Message{
		memory.NewMessage(memory.RoleUser, "alpha"),
		memory.NewBlockMessage(memory.RoleAssistant,
			memory.TextBlock("beta"),
			memory.ToolUseBlock("t1", "search", map[string]any{"q": "x"}),
		),
		memory.NewBlockMessage(memory.RoleTool, memory.ToolResultBlock("t1", "search", "gamma")),
	}

	formatted, err := AnthropicFormatter{}.Format(msgs)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if len(formatted) != 3 {
		t.Fatalf("got %d formatted messages, want 3", len(formatted))
	}
	if formatted[2]["role"] != "user" {
		t.Errorf("tool result role = %v, want user", formatted[2]["role"])
	}
	if got := tokens.ExtractText(formatted); got != "alpha\nbeta\ngamma" {
		t.Errorf("ExtractText = %q", got)
	}
}

func TestOllamaClient_Chat(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"model":"llama3","created_at":"2026-01-02T03:04:05Z",
			"message":{"role":"assistant","content":"hello",
			"tool_calls":[{"function":{"name":"lookup","arguments":{"k":"v"}}}]},
			"done":true,"prompt_eval_count":12,"eval_count":3,"total_duration":1000}`)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, quietLogger())
	resp, err := c.Chat(context.Background(), "llama3", []Message{
		{Role: "user", Content: "hi"},
		{Role: "tool", Content: "r", ToolCallID: "ignored"},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got.Stream || got.Model != "llama3" || len(got.Messages) != 2 {
		t.Errorf("request = %+v", got)
	}
	if resp.Message.Content != "hello" || resp.InputTokens != 12 || resp.OutputTokens != 3 {
		t.Errorf("response = %+v", resp)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Function.Arguments["k"] != "v" {
		t.Errorf("tool calls = %+v", resp.Message.ToolCalls)
	}
}

func TestOllamaClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, quietLogger())
	_, err := c.Chat(context.Background(), "nope", []Message{{Role: "user", Content: "hi"}})
	if err == nil || !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "model not found") {
		t.Errorf("err = %v", err)
	}
}

func TestOllamaClient_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		io.WriteString(w, `{"models":[]}`)
	}))
	defer srv.Close()

	if err := NewOllamaClient(srv.URL, quietLogger()).Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestAnthropicClient_Chat(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Api-Key") != "test-key" {
			t.Errorf("api key header = %q", r.Header.Get("X-Api-Key"))
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"hi "},{"type":"text","text":"there"},
			{"type":"tool_use","id":"tu_1","name":"lookup","input":{"k":"v"}}],
			"stop_reason":"tool_use","usage":{"input_tokens":20,"output_tokens":5}}`)
	}))
	defer srv.Close()

	c := NewAnthropicClient("test-key", quietLogger(), WithBaseURL(srv.URL), WithMaxTokens(100))
	resp, err := c.Chat(context.Background(), "claude-test", []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if body["model"] != "claude-test" || body["max_tokens"] != float64(100) {
		t.Errorf("request model/max_tokens = %v/%v", body["model"], body["max_tokens"])
	}
	if sys, ok := body["system"].([]any); !ok || len(sys) != 1 {
		t.Errorf("system = %v", body["system"])
	}
	if msgs, ok := body["messages"].([]any); !ok || len(msgs) != 1 {
		t.Errorf("messages = %v", body["messages"])
	}

	if resp.Message.Content != "hi there" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.InputTokens != 20 || resp.OutputTokens != 5 || resp.Model != "claude-test" {
		t.Errorf("response = %+v", resp)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].ID != "tu_1" {
		t.Errorf("tool calls = %+v", resp.Message.ToolCalls)
	}
}

func TestAnthropicClient_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"data":[],"has_more":false,"first_id":"","last_id":""}`)
	}))
	defer srv.Close()

	c := NewAnthropicClient("k", quietLogger(), WithBaseURL(srv.URL))
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

type fakeClient struct {
	name    string
	pingErr error
	models  []string
}

func (f *fakeClient) Chat(_ context.Context, model string, messages []Message) (*ChatResponse, error) {
	f.models = append(f.models, model)
	return &ChatResponse{Model: model, Message: Message{Role: "assistant", Content: f.name + ":" + messages[len(messages)-1].Content}}, nil
}

func (f *fakeClient) Ping(context.Context) error { return f.pingErr }

func TestMultiClient_Routes(t *testing.T) {
	local := &fakeClient{name: "local"}
	remote := &fakeClient{name: "remote"}

	m := NewMultiClient(local)
	m.AddProvider("anthropic", remote)
	m.AddModel("claude-x", "anthropic")

	ctx := context.Background()
	if out, _ := Complete(ctx, m, "claude-x", "a"); out != "remote:a" {
		t.Errorf("claude-x routed to %q", out)
	}
	if out, _ := Complete(ctx, m, "llama3", "b"); out != "local:b" {
		t.Errorf("llama3 routed to %q", out)
	}

	m.AddModel("orphan", "missing")
	if out, _ := Complete(ctx, m, "orphan", "c"); out != "local:c" {
		t.Errorf("model mapped to unregistered provider routed to %q", out)
	}
	if got := m.Providers(); len(got) != 1 || got[0] != "anthropic" {
		t.Errorf("Providers() = %v", got)
	}
}

func TestMultiClient_NoProvider(t *testing.T) {
	m := NewMultiClient(nil)
	if _, err := m.Chat(context.Background(), "x", []Message{{Role: "user"}}); err == nil {
		t.Error("expected error without providers")
	}
	if err := m.Ping(context.Background()); err == nil {
		t.Error("expected ping error without providers")
	}
}

func TestMultiClient_PingReportsProvider(t *testing.T) {
	boom := errors.New("down")
	m := NewMultiClient(&fakeClient{})
	m.AddProvider("anthropic", &fakeClient{pingErr: boom})

	err := m.Ping(context.Background())
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "anthropic") {
		t.Errorf("err = %v", err)
	}
}
