// Package command interprets the memory slash-commands a user can type in
// place of a message.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zhijianma/copaw/internal/compaction"
	"github.com/zhijianma/copaw/internal/memory"
)

// ErrUnknownCommand is returned by Handle for text outside the command
// vocabulary.
var ErrUnknownCommand = errors.New("unrecognized command")

// Command is one of the memory commands.
type Command int

const (
	Compact Command = iota + 1
	New
	Clear
	History
	CompactStr
	AwaitSummary
)

var names = map[Command]string{
	Compact:      "compact",
	New:          "new",
	Clear:        "clear",
	History:      "history",
	CompactStr:   "compact_str",
	AwaitSummary: "await_summary",
}

var byName = func() map[string]Command {
	m := make(map[string]Command, len(names))
	for c, n := range names {
		m[n] = c
	}
	return m
}()

func (c Command) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("Command(%d)", int(c))
}

// Parse maps text such as "/compact" to its Command.
func Parse(text string) (Command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return 0, false
	}
	c, ok := byName[strings.TrimLeft(text, "/")]
	return c, ok
}

// IsCommand reports whether text is a memory command.
func IsCommand(text string) bool {
	_, ok := Parse(text)
	return ok
}

// Handler executes commands against one session's store and manager.
type Handler struct {
	store   *memory.Store
	manager *compaction.Manager
	logger  *slog.Logger
}

// NewHandler creates a handler. A nil manager disables the commands that
// summarize.
func NewHandler(store *memory.Store, manager *compaction.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, manager: manager, logger: logger.With("component", "commands")}
}

// Handle runs the command in text. messages is the current active view
// (compressed messages excluded, no summary header). The reply is an
// assistant message with a Markdown body; failures other than an unknown
// command are reported in that body.
func (h *Handler) Handle(ctx context.Context, text string, messages []memory.Message) (memory.Message, error) {
	cmd, ok := Parse(text)
	if !ok {
		return memory.Message{}, fmt.Errorf("%w: %q", ErrUnknownCommand, strings.TrimSpace(text))
	}
	messages = stored(messages)
	h.logger.Debug("handling command", "command", cmd, "messages", len(messages))

	var body string
	switch cmd {
	case Compact:
		body = h.compact(ctx, messages)
	case New:
		body = h.newConversation(ctx, messages)
	case Clear:
		body = h.clear()
	case History:
		body = history(messages)
	case CompactStr:
		body = h.compactStr()
	case AwaitSummary:
		body = h.awaitSummary(ctx)
	default:
		return memory.Message{}, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}
	return memory.NewMessage(memory.RoleAssistant, body), nil
}

const disabledText = "Memory compaction is disabled for this session, so /%s has nothing to do."

func (h *Handler) compact(ctx context.Context, messages []memory.Message) string {
	if h.manager == nil {
		return fmt.Sprintf(disabledText, Compact)
	}
	if len(messages) == 0 {
		return "**No messages to compact.**"
	}

	h.manager.AddAsyncSummaryTask(messages)
	summary, err := h.manager.CompactMemory(ctx, messages, h.store.Summary())
	if err != nil {
		h.logger.Warn("manual compaction failed", "error", err)
		return fmt.Sprintf("**Compaction failed:** %v\n\nNo messages were changed.", err)
	}
	if err := h.store.MarkMessages(ids(messages), memory.MarkCompressed); err != nil {
		h.logger.Warn("manual compaction could not mark messages", "error", err)
		return fmt.Sprintf("**Compaction failed:** %v\n\nNo messages were changed.", err)
	}
	h.store.SetSummary(summary)

	return fmt.Sprintf("**Compacted %d messages.**\n\n### Summary\n\n%s", len(messages), summary)
}

// newConversation starts over: old messages are compacted away and the
// freshly computed summary is discarded.
func (h *Handler) newConversation(ctx context.Context, messages []memory.Message) string {
	if h.manager == nil {
		return fmt.Sprintf(disabledText, New)
	}
	if len(messages) == 0 {
		h.store.SetSummary("")
		return "**New conversation started.**"
	}

	h.manager.AddAsyncSummaryTask(messages)
	var note string
	if _, err := h.manager.CompactMemory(ctx, messages, h.store.Summary()); err != nil {
		h.logger.Warn("summary for /new failed", "error", err)
		note = fmt.Sprintf("\n\nSummarizing the previous conversation failed: %v", err)
	}
	if err := h.store.MarkMessages(ids(messages), memory.MarkCompressed); err != nil {
		h.logger.Warn("/new could not mark messages", "error", err)
		return fmt.Sprintf("**Could not start a new conversation:** %v", err)
	}
	h.store.SetSummary("")

	return fmt.Sprintf("**New conversation started.**\n\n- Previous messages set aside: %d%s", len(messages), note)
}

func (h *Handler) clear() string {
	n := h.store.Len()
	h.store.Clear()
	return fmt.Sprintf("**History cleared.**\n\n- Messages removed: %d\n- Summary cleared", n)
}

func (h *Handler) compactStr() string {
	summary := h.store.Summary()
	if summary == "" {
		return "**No summary yet.** Nothing has been compacted in this conversation."
	}
	return "### Current summary\n\n" + summary
}

func (h *Handler) awaitSummary(ctx context.Context) string {
	if h.manager == nil {
		return fmt.Sprintf(disabledText, AwaitSummary)
	}
	pending := h.manager.PendingTasks()
	report := h.manager.AwaitSummaryTasks(ctx)
	return fmt.Sprintf("### Background summaries\n\n- Pending when asked: %d\n\n%s", pending, report)
}

const previewLength = 80

func history(messages []memory.Message) string {
	if len(messages) == 0 {
		return "**No messages in history.**"
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("### Conversation history (%d messages)\n", len(messages)))
	for i, m := range messages {
		sb.WriteString(fmt.Sprintf("\n%d. **%s**: %s", i+1, m.Role, preview(m)))
	}
	return sb.String()
}

func preview(m memory.Message) string {
	text := strings.Join(strings.Fields(m.Text()), " ")
	if text == "" {
		switch {
		case m.HasToolUse():
			return fmt.Sprintf("[tool call: %s]", strings.Join(m.ToolUseIDs(), ", "))
		case m.HasToolResult():
			return fmt.Sprintf("[tool result: %s]", strings.Join(m.ToolResultIDs(), ", "))
		}
		return "[no text]"
	}
	r := []rune(text)
	if len(r) > previewLength {
		return string(r[:previewLength]) + "..."
	}
	return text
}

// stored drops synthetic messages without an id, such as the summary
// header, which cannot be marked.
func stored(messages []memory.Message) []memory.Message {
	out := make([]memory.Message, 0, len(messages))
	for _, m := range messages {
		if m.ID != "" {
			out = append(out, m)
		}
	}
	return out
}

func ids(messages []memory.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}
