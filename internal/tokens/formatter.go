package tokens

import "github.com/zhijianma/copaw/internal/memory"

// Formatter renders messages into the provider-specific shape that will be
// sent to a model. The estimator only reads the text out of it.
type Formatter interface {
	Format(msgs []memory.Message) ([]map[string]any, error)
}

// ChatFormatter renders messages as generic chat maps: {"role", "content"}
// where content is a string or a list of typed block maps.
type ChatFormatter struct{}

// Format implements Formatter.
func (ChatFormatter) Format(msgs []memory.Message) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		fm := map[string]any{"role": string(m.Role)}
		if m.Name != "" {
			fm["name"] = m.Name
		}
		if m.Content.IsBlocks() {
			fm["content"] = formatBlocks(m.Content.Blocks)
		} else {
			fm["content"] = m.Content.Text
		}
		out = append(out, fm)
	}
	return out, nil
}

func formatBlocks(blocks []memory.Block) []any {
	out := make([]any, 0, len(blocks))
	for _, b := range blocks {
		item := map[string]any{"type": string(b.Type)}
		switch b.Type {
		case memory.BlockText:
			item["text"] = b.Text
		case memory.BlockThinking:
			item["thinking"] = b.Thinking
		case memory.BlockToolUse:
			item["id"] = b.ID
			item["name"] = b.Name
			item["input"] = b.Input
		case memory.BlockToolResult:
			item["id"] = b.ID
			item["name"] = b.Name
			item["output"] = formatBlocks(b.Output)
		default:
			item["source"] = b.Source
		}
		out = append(out, item)
	}
	return out
}
