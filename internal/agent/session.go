// Package agent runs conversation turns: it owns each session's message
// store and wires compaction, commands and the model together.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zhijianma/copaw/internal/command"
	"github.com/zhijianma/copaw/internal/compaction"
	"github.com/zhijianma/copaw/internal/memory"
	"github.com/zhijianma/copaw/internal/tokens"
	"github.com/zhijianma/copaw/internal/toolpair"
)

// Responder produces the assistant reply to a sanitized active view.
type Responder interface {
	Respond(ctx context.Context, msgs []memory.Message) (memory.Message, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, msgs []memory.Message) (memory.Message, error)

// Respond implements Responder.
func (f ResponderFunc) Respond(ctx context.Context, msgs []memory.Message) (memory.Message, error) {
	return f(ctx, msgs)
}

// SessionConfig configures one session.
type SessionConfig struct {
	ID           string
	SystemPrompt string // leads every model request; never stored in memory

	// CompactionEnabled false leaves the session without a summary manager;
	// the hook and commands then do nothing.
	CompactionEnabled bool
	Hook              compaction.HookConfig
	Manager           compaction.ManagerConfig
}

// Deps are the collaborators a session is built from. Counter and
// Estimator may be shared across sessions; everything else a session
// creates for itself.
type Deps struct {
	Summarizer compaction.Summarizer
	Formatter  tokens.Formatter
	Estimator  *tokens.Estimator
	Responder  Responder

	// OnMessages is told how many messages each turn stored.
	OnMessages func(n int)
}

// TurnResult describes one processed input.
type TurnResult struct {
	Reply    memory.Message
	Command  bool                // the input was a slash command
	Decision compaction.Decision // zero for commands
	Dropped  int                 // messages the sanitizer removed from the model's view
}

// Session is one conversation. Turns are serialized by the session lock,
// so compaction within a session never runs concurrently with itself.
type Session struct {
	id        string
	mu        sync.Mutex
	store     *memory.Store
	manager   *compaction.Manager
	hook      *compaction.Hook
	commands  *command.Handler
	responder Responder
	prompt    *memory.Message // nil without a system prompt
	notify    func(int)
	logger    *slog.Logger
}

// NewSession creates a session. With compaction enabled the hook settings
// are validated after defaults are applied.
func NewSession(cfg SessionConfig, deps Deps, logger *slog.Logger) (*Session, error) {
	if deps.Responder == nil {
		return nil, fmt.Errorf("session %s: responder is required", cfg.ID)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session", cfg.ID)

	var prompt *memory.Message
	if cfg.SystemPrompt != "" {
		m := memory.NewMessage(memory.RoleSystem, cfg.SystemPrompt)
		prompt = &m
	}

	store := memory.NewStore()
	var manager *compaction.Manager
	if cfg.CompactionEnabled && deps.Summarizer != nil {
		hc := cfg.Hook
		hc.ApplyDefaults()
		if err := hc.Validate(); err != nil {
			return nil, fmt.Errorf("session %s: %w", cfg.ID, err)
		}
		mc := cfg.Manager
		mc.SessionID = cfg.ID
		manager = compaction.NewManager(deps.Summarizer, mc, logger)
	}

	notify := deps.OnMessages
	if notify == nil {
		notify = func(int) {}
	}

	return &Session{
		id:        cfg.ID,
		store:     store,
		manager:   manager,
		hook:      compaction.NewHook(store, manager, deps.Formatter, deps.Estimator, cfg.Hook, logger),
		commands:  command.NewHandler(store, manager, logger),
		responder: deps.Responder,
		prompt:    prompt,
		notify:    notify,
		logger:    logger.With("component", "agent"),
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Store returns the session's message store.
func (s *Session) Store() *memory.Store { return s.store }

// Turn processes one line of user input. Slash commands go to the command
// handler and their replies are not stored. Anything else is stored, the
// compaction hook runs, and the sanitized model view is sent to the
// responder whose reply is stored too. Commands never see system messages,
// so compacting or clearing history leaves the system prompt in place.
func (s *Session) Turn(ctx context.Context, text string) (TurnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if command.IsCommand(text) {
		_, conversation := s.history()
		reply, err := s.commands.Handle(ctx, text, conversation)
		if err != nil {
			return TurnResult{}, err
		}
		return TurnResult{Reply: reply, Command: true}, nil
	}

	user := memory.NewMessage(memory.RoleUser, text)
	if err := s.store.Add([]memory.Message{user}); err != nil {
		return TurnResult{}, fmt.Errorf("store user message: %w", err)
	}

	res := TurnResult{Decision: s.hook.PreReasoning(ctx)}

	view, dropped := toolpair.Sanitize(s.modelView())
	res.Dropped = dropped
	if dropped > 0 {
		s.logger.Warn("dropped unpaired tool messages from model context", "dropped", dropped)
	}

	s.logger.Debug("reasoning",
		"context_messages", len(view),
		"compaction", res.Decision.Reason,
		"tokens", res.Decision.Tokens,
	)

	reply, err := s.responder.Respond(ctx, view)
	if err != nil {
		s.notify(1)
		return res, fmt.Errorf("respond: %w", err)
	}
	if err := s.store.Add([]memory.Message{reply}); err != nil {
		s.notify(1)
		return res, fmt.Errorf("store reply: %w", err)
	}
	s.notify(2)

	res.Reply = reply
	return res, nil
}

// history returns the uncompressed stored messages split into the leading
// run of system messages and the conversation after it.
func (s *Session) history() (system, conversation []memory.Message) {
	msgs := s.store.Get(memory.ViewOptions{ExcludeMark: memory.MarkCompressed})
	n := 0
	for n < len(msgs) && msgs[n].Role == memory.RoleSystem {
		n++
	}
	return msgs[:n], msgs[n:]
}

// modelView is what the model sees: the system prompt, any stored system
// messages, the compressed summary, then the uncompressed conversation.
func (s *Session) modelView() []memory.Message {
	system, conversation := s.history()
	view := make([]memory.Message, 0, len(system)+len(conversation)+2)
	if s.prompt != nil {
		view = append(view, *s.prompt)
	}
	for _, m := range system {
		// A restored snapshot may already hold the prompt.
		if s.prompt != nil && m.Text() == s.prompt.Text() {
			continue
		}
		view = append(view, m)
	}
	if summary := s.store.Summary(); summary != "" {
		view = append(view, memory.SummaryMessage(summary))
	}
	return append(view, conversation...)
}

// StateDict snapshots the session's store.
func (s *Session) StateDict() (map[string]any, error) {
	return s.store.StateDict()
}

// LoadStateDict replaces the session's store contents. It waits for any
// running turn to finish.
func (s *Session) LoadStateDict(state map[string]any, strict bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.LoadStateDict(state, strict)
}

// Close waits for background summaries until ctx is done, then stops them.
// It returns the await report, or "" when compaction is disabled.
func (s *Session) Close(ctx context.Context) string {
	if s.manager == nil {
		return ""
	}
	report := s.manager.AwaitSummaryTasks(ctx)
	s.manager.Close()
	return report
}
