package llm

import (
	"fmt"
	"strings"

	"github.com/zhijianma/copaw/internal/memory"
)

// FromMemory converts stored messages into chat messages. Tool use blocks
// become ToolCalls on the assistant message; each tool result block becomes
// its own "tool" message. Thinking blocks are dropped and media blocks are
// described in text.
func FromMemory(msgs []memory.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Content.IsBlocks() {
			out = append(out, Message{Role: string(m.Role), Content: m.Content.Text})
			continue
		}

		var text []string
		var calls []ToolCall
		var results []Message
		for _, b := range m.Content.Blocks {
			switch b.Type {
			case memory.BlockText:
				text = append(text, b.Text)
			case memory.BlockToolUse:
				calls = append(calls, ToolCall{
					ID:       b.ID,
					Function: ToolFunction{Name: b.Name, Arguments: b.Input},
				})
			case memory.BlockToolResult:
				results = append(results, Message{
					Role:       "tool",
					Content:    memory.Message{Content: memory.Content{Blocks: b.Output}}.Text(),
					ToolCallID: b.ID,
				})
			case memory.BlockThinking:
			default:
				text = append(text, fmt.Sprintf("[%s: %s]", b.Type, b.Source))
			}
		}

		if len(text) > 0 || len(calls) > 0 {
			role := string(m.Role)
			if role == string(memory.RoleTool) {
				role = string(memory.RoleUser)
			}
			out = append(out, Message{
				Role:      role,
				Content:   strings.Join(text, "\n"),
				ToolCalls: calls,
			})
		}
		out = append(out, results...)
	}
	return out
}
