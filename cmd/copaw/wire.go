package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/zhijianma/copaw/internal/agent"
	"github.com/zhijianma/copaw/internal/checkpoint"
	"github.com/zhijianma/copaw/internal/compaction"
	"github.com/zhijianma/copaw/internal/config"
	"github.com/zhijianma/copaw/internal/llm"
	"github.com/zhijianma/copaw/internal/prompts"
	"github.com/zhijianma/copaw/internal/tokens"
)

// newLLMClient builds a multi-provider client. The agent's provider is the
// fallback, so every model without an explicit mapping goes there.
func newLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollama := llm.NewOllamaClient(cfg.Ollama.URL, logger)

	var anthropic *llm.AnthropicClient
	if cfg.Anthropic.APIKey != "" {
		var opts []llm.AnthropicOption
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, llm.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		opts = append(opts, llm.WithMaxTokens(cfg.Anthropic.MaxTokens))
		anthropic = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger, opts...)
	}

	var fallback llm.Client = ollama
	if cfg.Agent.Provider == "anthropic" && anthropic != nil {
		fallback = anthropic
	}

	multi := llm.NewMultiClient(fallback)
	multi.AddProvider("ollama", ollama)
	if anthropic != nil {
		multi.AddProvider("anthropic", anthropic)
		logger.Info("Anthropic provider configured")
	}
	multi.AddModel(cfg.Agent.Model, cfg.Agent.Provider)

	logger.Info("LLM client initialized", "model", cfg.Agent.Model, "provider", cfg.Agent.Provider)
	return multi
}

// newFormatter picks the request shape token estimates are measured on.
func newFormatter(cfg *config.Config) tokens.Formatter {
	if cfg.Agent.Provider == "anthropic" {
		return llm.AnthropicFormatter{}
	}
	return tokens.ChatFormatter{}
}

// newEstimator shares one tokenizer across all sessions.
func newEstimator(cfg *config.Config, logger *slog.Logger) *tokens.Estimator {
	if !cfg.Tokenizer.Enabled {
		return tokens.NewEstimator(nil, logger)
	}
	counter := tokens.NewCounter(
		tokens.TiktokenLoader(cfg.Tokenizer.Encoding, cfg.Tokenizer.LocalDir),
		cfg.Tokenizer.CacheSize,
	)
	return tokens.NewEstimator(counter, logger.With("component", "tokens"))
}

func newSummarizer(cfg *config.Config, client llm.Client) compaction.Summarizer {
	if cfg.Memory.Summarizer == "simple" {
		return compaction.SimpleSummarizer{}
	}
	model := cfg.Memory.SummaryModel
	if model == "" {
		model = cfg.Agent.Model
	}
	return compaction.NewLLMSummarizer(func(ctx context.Context, prompt string) (string, error) {
		return llm.Complete(ctx, client, model, prompt)
	})
}

// systemPrompt resolves the persona file, then the inline prompt, then the
// built-in default. A configured persona file that does not exist is
// ignored.
func systemPrompt(cfg *config.Config) (string, error) {
	if cfg.Agent.PersonaFile != "" {
		data, err := os.ReadFile(cfg.Agent.PersonaFile)
		switch {
		case err == nil:
			return string(data), nil
		case !errors.Is(err, fs.ErrNotExist):
			return "", fmt.Errorf("read persona: %w", err)
		}
	}
	if cfg.Agent.SystemPrompt != "" {
		return cfg.Agent.SystemPrompt, nil
	}
	return prompts.BaseSystemPrompt(), nil
}

// app is everything a chat needs, built from config.
type app struct {
	sessions     *agent.Sessions
	checkpointer *checkpoint.Checkpointer // nil when disabled
	closeDB      func() error
	logger       *slog.Logger
}

// newApp wires the session factory and, when enabled, the checkpointer.
// responder overrides the LLM responder in tests.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, responder agent.Responder) (*app, error) {
	prompt, err := systemPrompt(cfg)
	if err != nil {
		return nil, err
	}

	client := newLLMClient(cfg, logger)
	if responder == nil {
		responder = agent.NewLLMResponder(client, cfg.Agent.Model, logger)
	}

	a := &app{closeDB: func() error { return nil }, logger: logger}

	deps := agent.Deps{
		Summarizer: newSummarizer(cfg, client),
		Formatter:  newFormatter(cfg),
		Estimator:  newEstimator(cfg, logger),
		Responder:  responder,
		OnMessages: func(n int) {
			if a.checkpointer != nil {
				a.checkpointer.OnMessages(n)
			}
		},
	}
	sessionCfg := agent.SessionConfig{
		SystemPrompt:      prompt,
		CompactionEnabled: cfg.Memory.Compaction,
		Hook: compaction.HookConfig{
			KeepRecent:     cfg.Memory.KeepRecent,
			MaxInputLength: cfg.Memory.MaxInputLength,
			CompactRatio:   cfg.Memory.CompactRatio,
		},
		Manager: compaction.ManagerConfig{
			MaxConcurrentTasks: cfg.Memory.MaxConcurrentTasks,
			TaskTimeout:        cfg.Memory.TaskTimeout,
		},
	}
	a.sessions = agent.NewSessions(func(id string) (*agent.Session, error) {
		sc := sessionCfg
		sc.ID = id
		return agent.NewSession(sc, deps, logger)
	}, logger)

	if !cfg.Checkpoint.Enabled {
		return a, nil
	}

	db, err := checkpoint.Open(ctx, cfg.Checkpoint.Driver, cfg.Checkpoint.Path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}
	cp, err := checkpoint.NewCheckpointer(ctx, db, a.sessions, checkpoint.Config{
		EveryMessages: cfg.Checkpoint.EveryMessages,
		Schedule:      cfg.Checkpoint.Schedule,
		Keep:          cfg.Checkpoint.Keep,
	}, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpointer: %w", err)
	}
	a.checkpointer = cp
	a.closeDB = db.Close
	return a, nil
}

// restore loads the latest checkpoint, if any.
func (a *app) restore(ctx context.Context) {
	if a.checkpointer == nil {
		return
	}
	cp, err := a.checkpointer.RestoreLatest(ctx)
	switch {
	case err != nil:
		a.logger.Error("restore from checkpoint failed, starting fresh", "error", err)
	case cp != nil:
		a.logger.Info("restored from checkpoint", "id", cp.ID.String()[:8], "messages", cp.MessageCount)
	}
}

// shutdown takes a final snapshot, drains background summaries and closes
// the database. ctx bounds the whole sequence.
func (a *app) shutdown(ctx context.Context) {
	if a.checkpointer != nil {
		a.checkpointer.Close(ctx)
		if _, err := a.checkpointer.CreateShutdown(ctx); err != nil {
			a.logger.Error("shutdown checkpoint failed", "error", err)
		}
	}
	a.sessions.Close(ctx)
	if err := a.closeDB(); err != nil {
		a.logger.Warn("close checkpoint database", "error", err)
	}
}
