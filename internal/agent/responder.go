package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zhijianma/copaw/internal/llm"
	"github.com/zhijianma/copaw/internal/memory"
)

// LLMResponder answers with a chat model.
type LLMResponder struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

// NewLLMResponder creates a responder that calls model through client.
func NewLLMResponder(client llm.Client, model string, logger *slog.Logger) *LLMResponder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMResponder{
		client: client,
		model:  model,
		logger: logger.With("component", "responder", "model", model),
	}
}

// Respond implements Responder. Tool calls in the reply are kept as
// tool_use blocks so the history stays faithful to what the model said.
func (r *LLMResponder) Respond(ctx context.Context, msgs []memory.Message) (memory.Message, error) {
	resp, err := r.client.Chat(ctx, r.model, llm.FromMemory(msgs))
	if err != nil {
		return memory.Message{}, fmt.Errorf("chat %s: %w", r.model, err)
	}

	r.logger.Debug("model replied",
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
	)

	if len(resp.Message.ToolCalls) == 0 {
		return memory.NewMessage(memory.RoleAssistant, resp.Message.Content), nil
	}

	var blocks []memory.Block
	if resp.Message.Content != "" {
		blocks = append(blocks, memory.TextBlock(resp.Message.Content))
	}
	for _, tc := range resp.Message.ToolCalls {
		blocks = append(blocks, memory.ToolUseBlock(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}
	return memory.NewBlockMessage(memory.RoleAssistant, blocks...), nil
}
