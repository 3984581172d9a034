package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrClosed is returned by GetOrCreate after Close.
var ErrClosed = errors.New("sessions closed")

// Factory builds a new session for id.
type Factory func(id string) (*Session, error)

// Sessions is the registry of live sessions. Sessions share nothing but
// what the factory hands them.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*Session
	factory  Factory
	closed   bool
	logger   *slog.Logger
}

// NewSessions creates an empty registry.
func NewSessions(factory Factory, logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{
		sessions: make(map[string]*Session),
		factory:  factory,
		logger:   logger.With("component", "sessions"),
	}
}

// GetOrCreate returns the session for id, creating it on first use.
func (r *Sessions) GetOrCreate(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	s, err := r.factory(id)
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}
	r.sessions[id] = s
	r.logger.Info("session created", "session", id)
	return s, nil
}

// Get returns an existing session.
func (r *Sessions) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// IDs returns the ids of live sessions, sorted.
func (r *Sessions) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Sessions) list() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Snapshot returns a state dict per session id.
func (r *Sessions) Snapshot() (map[string]map[string]any, error) {
	out := make(map[string]map[string]any)
	for _, s := range r.list() {
		sd, err := s.StateDict()
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", s.ID(), err)
		}
		out[s.ID()] = sd
	}
	return out, nil
}

// Restore loads state dicts into their sessions, creating sessions as
// needed. Every session is attempted; errors are joined.
func (r *Sessions) Restore(states map[string]map[string]any) error {
	var errs []error
	for id, sd := range states {
		s, err := r.GetOrCreate(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.LoadStateDict(sd, true); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
			continue
		}
		r.logger.Info("session restored", "session", id, "messages", s.Store().Len())
	}
	return errors.Join(errs...)
}

// Close closes every session, letting background summaries finish until
// ctx is done. Later GetOrCreate calls fail with ErrClosed.
func (r *Sessions) Close(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	for _, s := range r.list() {
		if report := s.Close(ctx); report != "" {
			r.logger.Info("session closed", "session", s.ID(), "summaries", report)
		}
	}
}
