package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/zhijianma/copaw/internal/buildinfo"
	"github.com/zhijianma/copaw/internal/httpkit"
	"github.com/zhijianma/copaw/internal/memory"
)

// DefaultMaxTokens caps the reply length of Anthropic requests.
const DefaultMaxTokens = 4096

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	client    anthropic.Client
	maxTokens int64
	logger    *slog.Logger
}

// AnthropicOption configures an AnthropicClient.
type AnthropicOption func(*anthropicOptions)

type anthropicOptions struct {
	baseURL   string
	maxTokens int64
}

// WithBaseURL points the client at a different API endpoint.
func WithBaseURL(url string) AnthropicOption {
	return func(o *anthropicOptions) { o.baseURL = url }
}

// WithMaxTokens overrides DefaultMaxTokens.
func WithMaxTokens(n int) AnthropicOption {
	return func(o *anthropicOptions) {
		if n > 0 {
			o.maxTokens = int64(n)
		}
	}
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, logger *slog.Logger, opts ...AnthropicOption) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	o := anthropicOptions{maxTokens: DefaultMaxTokens}
	for _, fn := range opts {
		fn(&o)
	}

	// Long prompts can take a while before the first header arrives.
	// The caller's context bounds the whole request.
	hc := httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithResponseHeaderTimeout(120*time.Second),
		httpkit.WithUserAgent(buildinfo.UserAgent()),
		httpkit.WithLogger(logger),
	)

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(hc),
		option.WithMaxRetries(2),
	}
	if o.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(o.baseURL))
	}

	return &AnthropicClient{
		client:    anthropic.NewClient(reqOpts...),
		maxTokens: o.maxTokens,
		logger:    logger.With("provider", "anthropic"),
	}
}

// Chat sends a messages request and returns the reply.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	params, system := toAnthropic(messages)

	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: c.maxTokens,
		Messages:  params,
	}
	if system != "" {
		req.System = []anthropic.TextBlockParam{{Text: system}}
	}

	c.logger.Debug("sending request",
		"model", model,
		"messages", len(params),
	)

	start := time.Now()
	resp, err := c.client.Messages.New(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
	}

	out := &ChatResponse{
		Model:         string(resp.Model),
		CreatedAt:     time.Now(),
		Message:       Message{Role: "assistant"},
		Done:          true,
		InputTokens:   int(resp.Usage.InputTokens),
		OutputTokens:  int(resp.Usage.OutputTokens),
		TotalDuration: time.Since(start),
	}
	for _, block := range resp.Content {
		switch block := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Message.Content += block.Text
		case anthropic.ToolUseBlock:
			args := make(map[string]any)
			if err := json.Unmarshal(block.Input, &args); err != nil {
				args = map[string]any{"_raw": string(block.Input)}
			}
			out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
				ID:       block.ID,
				Function: ToolFunction{Name: block.Name, Arguments: args},
			})
		}
	}

	c.logger.Debug("response received",
		"model", out.Model,
		"stop_reason", string(resp.StopReason),
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.Message.ToolCalls),
	)
	return out, nil
}

// Ping checks that the API key and endpoint work by listing one model.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	_, err := c.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	if err != nil {
		return fmt.Errorf("anthropic ping: %w", err)
	}
	return nil
}

// toAnthropic converts chat messages to Anthropic message params. System
// messages are joined into the system prompt. Consecutive tool responses
// are merged into one user turn because the API requires every result for
// an assistant turn to arrive together.
func toAnthropic(messages []Message) ([]anthropic.MessageParam, string) {
	var system string
	out := make([]anthropic.MessageParam, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case "system":
			if system != "" {
				system += "\n\n"
			}
			system += m.Content

		case "tool":
			block := anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)
			if n := len(out); n > 0 && out[n-1].Role == anthropic.MessageParamRoleUser && isToolResultTurn(out[n-1]) {
				out[n-1].Content = append(out[n-1].Content, block)
				continue
			}
			out = append(out, anthropic.NewUserMessage(block))

		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for i, tc := range m.ToolCalls {
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("toolu_%s_%d", tc.Function.Name, i)
				}
				args := tc.Function.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(id, args, tc.Function.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}

		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out, system
}

func isToolResultTurn(p anthropic.MessageParam) bool {
	for _, b := range p.Content {
		if b.OfToolResult == nil {
			return false
		}
	}
	return len(p.Content) > 0
}

// AnthropicFormatter renders stored messages exactly as AnthropicClient
// would send them, so token estimates see the real request shape.
type AnthropicFormatter struct{}

// Format implements tokens.Formatter.
func (AnthropicFormatter) Format(msgs []memory.Message) ([]map[string]any, error) {
	params, system := toAnthropic(FromMemory(msgs))

	out := make([]map[string]any, 0, len(params)+1)
	if system != "" {
		out = append(out, map[string]any{"role": "system", "content": system})
	}
	for _, p := range params {
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal message param: %w", err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("unmarshal message param: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}
