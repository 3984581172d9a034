package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// MultiClient picks a provider per model name. Models without a mapping,
// or mapped to an unregistered provider, go to the fallback.
type MultiClient struct {
	mu        sync.RWMutex
	providers map[string]Client
	routes    map[string]string // model -> provider
	fallback  Client
}

// NewMultiClient creates a router. fallback may be nil, in which case
// unmapped models fail.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		providers: make(map[string]Client),
		routes:    make(map[string]string),
		fallback:  fallback,
	}
}

// AddProvider registers client under name, replacing any previous one.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[name] = client
}

// AddModel routes model to the named provider.
func (m *MultiClient) AddModel(model, provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[model] = provider
}

// Providers returns the registered provider names in sorted order.
func (m *MultiClient) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *MultiClient) route(model string) Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.providers[m.routes[model]]; ok {
		return c
	}
	return m.fallback
}

// Chat implements Client.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	c := m.route(model)
	if c == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return c.Chat(ctx, model, messages)
}

// Ping checks each registered provider in name order, then the fallback.
// The first failure is returned.
func (m *MultiClient) Ping(ctx context.Context) error {
	names := m.Providers()
	m.mu.RLock()
	fallback := m.fallback
	m.mu.RUnlock()

	if fallback == nil && len(names) == 0 {
		return errors.New("no provider configured")
	}
	for _, name := range names {
		m.mu.RLock()
		c := m.providers[name]
		m.mu.RUnlock()
		if err := c.Ping(ctx); err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
	}
	if fallback != nil {
		return fallback.Ping(ctx)
	}
	return nil
}
