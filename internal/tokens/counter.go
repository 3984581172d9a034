// Package tokens estimates how many model tokens a formatted message list
// will cost. Counting goes through an injected tokenizer that is loaded at
// most once; when it is unavailable the estimator falls back to a
// characters-per-token heuristic.
package tokens

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of distinct texts whose counts are kept.
const DefaultCacheSize = 1024

// Encoder turns text into token ids.
type Encoder interface {
	Encode(text string) []int
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func(text string) []int

// Encode implements Encoder.
func (f EncoderFunc) Encode(text string) []int { return f(text) }

// Loader produces an Encoder. It may be slow (asset download, rank file
// parsing) and is called at most once per Counter.
type Loader func() (Encoder, error)

// Counter counts tokens with a lazily loaded Encoder. It is safe for
// concurrent use and intended to be shared by every session in a process.
type Counter struct {
	load Loader

	once sync.Once
	enc  Encoder
	err  error

	cache *lru.Cache[[sha256.Size]byte, int]
}

// NewCounter creates a counter that calls load on first use. A cacheSize of
// zero or less selects DefaultCacheSize.
func NewCounter(load Loader, cacheSize int) *Counter {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, _ := lru.New[[sha256.Size]byte, int](cacheSize)
	return &Counter{load: load, cache: cache}
}

// encoder returns the memoized encoder. The first caller runs the loader;
// concurrent first callers wait for it. A load failure is remembered.
func (c *Counter) encoder() (Encoder, error) {
	c.once.Do(func() {
		if c.load == nil {
			c.err = fmt.Errorf("no tokenizer configured")
			return
		}
		c.enc, c.err = c.load()
		if c.err == nil && c.enc == nil {
			c.err = fmt.Errorf("tokenizer loader returned nil encoder")
		}
	})
	return c.enc, c.err
}

// Count returns the number of tokens in the text of formatted messages.
func (c *Counter) Count(ctx context.Context, formatted []map[string]any) (int, error) {
	return c.CountText(ctx, ExtractText(formatted))
}

// CountText returns the number of tokens in text.
func (c *Counter) CountText(ctx context.Context, text string) (n int, err error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	enc, err := c.encoder()
	if err != nil {
		return 0, fmt.Errorf("load tokenizer: %w", err)
	}

	key := sha256.Sum256([]byte(text))
	if n, ok := c.cache.Get(key); ok {
		return n, nil
	}

	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("encode: %v", r)
		}
	}()
	n = len(enc.Encode(text))
	c.cache.Add(key, n)
	return n, nil
}

// ExtractText joins the text of formatted messages with newlines. A
// message's "content" may be a string or a list of items; list items
// contribute their "text" field and are searched recursively through nested
// "content" and "output" lists. Anything else contributes nothing.
func ExtractText(formatted []map[string]any) string {
	var parts []string
	for _, msg := range formatted {
		collect(msg["content"], &parts)
	}
	return strings.Join(parts, "\n")
}

func collect(v any, parts *[]string) {
	switch c := v.(type) {
	case string:
		if c != "" {
			*parts = append(*parts, c)
		}
	case []any:
		for _, item := range c {
			if m, ok := item.(map[string]any); ok {
				collectItem(m, parts)
			}
		}
	case []map[string]any:
		for _, m := range c {
			collectItem(m, parts)
		}
	}
}

func collectItem(m map[string]any, parts *[]string) {
	if text, ok := m["text"].(string); ok && text != "" {
		*parts = append(*parts, text)
	}
	// Tool results carry their output either as a bare string or as a
	// nested list.
	for _, key := range []string{"content", "output"} {
		collect(m[key], parts)
	}
}
