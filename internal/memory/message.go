package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// BlockType tags a content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
	BlockAudio      BlockType = "audio"
	BlockVideo      BlockType = "video"
	BlockFile       BlockType = "file"
)

// Block is one typed element of structured message content. Tool use and
// tool result blocks share ID so that a result can be paired with the call
// that produced it.
type Block struct {
	Type     BlockType      `json:"type"`
	Text     string         `json:"text,omitempty"`
	Thinking string         `json:"thinking,omitempty"`
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
	Output   []Block        `json:"output,omitempty"`
	Source   string         `json:"source,omitempty"` // URL or path for media blocks
}

// TextBlock is shorthand for a text block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ToolUseBlock is shorthand for a tool invocation block.
func ToolUseBlock(id, name string, input map[string]any) Block {
	return Block{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock is shorthand for a tool result carrying text output.
func ToolResultBlock(id, name, output string) Block {
	return Block{Type: BlockToolResult, ID: id, Name: name, Output: []Block{TextBlock(output)}}
}

// Content is either plain text or an ordered list of blocks. Plain text
// serializes as a JSON string, block content as a JSON array.
type Content struct {
	Text   string
	Blocks []Block
}

// IsBlocks reports whether the content is structured.
func (c Content) IsBlocks() bool {
	return c.Blocks != nil
}

// MarshalJSON implements json.Marshaler.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Blocks != nil {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*c = Content{}
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var blocks []Block
		if err := json.Unmarshal(data, &blocks); err != nil {
			return fmt.Errorf("decode content blocks: %w", err)
		}
		if blocks == nil {
			blocks = []Block{}
		}
		*c = Content{Blocks: blocks}
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("decode content text: %w", err)
	}
	*c = Content{Text: text}
	return nil
}

// Message is a single entry of conversation history. Once created its ID
// never changes; the store only ever attaches marks to it.
type Message struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Role      Role      `json:"role"`
	Content   Content   `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a plain-text message with a fresh time-ordered ID.
func NewMessage(role Role, text string) Message {
	return Message{
		ID:        newID(),
		Role:      role,
		Content:   Content{Text: text},
		Timestamp: time.Now().UTC(),
	}
}

// NewBlockMessage creates a message with structured content.
func NewBlockMessage(role Role, blocks ...Block) Message {
	if blocks == nil {
		blocks = []Block{}
	}
	return Message{
		ID:        newID(),
		Role:      role,
		Content:   Content{Blocks: blocks},
		Timestamp: time.Now().UTC(),
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ToolUseIDs returns the ids of tool_use blocks in order of appearance.
func (m Message) ToolUseIDs() []string {
	return m.blockIDs(BlockToolUse)
}

// ToolResultIDs returns the ids of tool_result blocks in order of appearance.
func (m Message) ToolResultIDs() []string {
	return m.blockIDs(BlockToolResult)
}

// HasToolUse reports whether the message invokes at least one tool.
func (m Message) HasToolUse() bool {
	return m.hasBlock(BlockToolUse)
}

// HasToolResult reports whether the message carries at least one tool result.
func (m Message) HasToolResult() bool {
	return m.hasBlock(BlockToolResult)
}

func (m Message) blockIDs(t BlockType) []string {
	var ids []string
	for _, b := range m.Content.Blocks {
		if b.Type == t {
			ids = append(ids, b.ID)
		}
	}
	return ids
}

func (m Message) hasBlock(t BlockType) bool {
	for _, b := range m.Content.Blocks {
		if b.Type == t {
			return true
		}
	}
	return false
}

// Text returns the readable text of the message. Text blocks and the text
// nested in tool result outputs are joined with newlines; other blocks are
// skipped.
func (m Message) Text() string {
	if !m.Content.IsBlocks() {
		return m.Content.Text
	}
	var parts []string
	collectText(m.Content.Blocks, &parts)
	return strings.Join(parts, "\n")
}

func collectText(blocks []Block, parts *[]string) {
	for _, b := range blocks {
		switch b.Type {
		case BlockText:
			if b.Text != "" {
				*parts = append(*parts, b.Text)
			}
		case BlockToolResult:
			collectText(b.Output, parts)
		}
	}
}

// Clone returns a deep copy of the message. Block inputs are copied one
// level deep, which is enough for callers that only replace keys.
func (m Message) Clone() Message {
	out := m
	if m.Content.Blocks != nil {
		out.Content.Blocks = cloneBlocks(m.Content.Blocks)
	}
	return out
}

func cloneBlocks(blocks []Block) []Block {
	out := make([]Block, len(blocks))
	for i, b := range blocks {
		out[i] = b
		if b.Input != nil {
			in := make(map[string]any, len(b.Input))
			for k, v := range b.Input {
				in[k] = v
			}
			out[i].Input = in
		}
		if b.Output != nil {
			out[i].Output = cloneBlocks(b.Output)
		}
	}
	return out
}
