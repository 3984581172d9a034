// Package config handles CoPaw configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/copaw/config.yaml, /etc/copaw/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "copaw", "config.yaml"))
	}

	paths = append(paths, "/etc/copaw/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all CoPaw configuration.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	Memory     MemoryConfig     `yaml:"memory"`
	Tokenizer  TokenizerConfig  `yaml:"tokenizer"`
	Ollama     OllamaConfig     `yaml:"ollama"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text or json
}

// AgentConfig selects the model that answers user turns.
type AgentConfig struct {
	Provider     string `yaml:"provider"` // ollama or anthropic
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"` // replaces the built-in prompt when set
	PersonaFile  string `yaml:"persona_file"`  // read into SystemPrompt when set; relative to the config file
}

// MemoryConfig tunes compaction.
type MemoryConfig struct {
	// Compaction disables the summary manager entirely when false.
	// Commands then reply with an explanation instead of acting.
	Compaction bool `yaml:"compaction"`

	KeepRecent     int     `yaml:"keep_recent"`
	MaxInputLength int     `yaml:"max_input_length"` // model context window in tokens
	CompactRatio   float64 `yaml:"compact_ratio"`

	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	TaskTimeout        time.Duration `yaml:"task_timeout"`

	// Summarizer is "llm" (the agent model, or SummaryModel if set) or
	// "simple" (extractive, no model call).
	Summarizer   string `yaml:"summarizer"`
	SummaryModel string `yaml:"summary_model"`
}

// TokenizerConfig controls token counting. When disabled, or when the
// encoding cannot be loaded, counts fall back to the length heuristic.
type TokenizerConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Encoding  string `yaml:"encoding"`
	LocalDir  string `yaml:"local_dir"` // directory holding <encoding>.tiktoken files
	CacheSize int    `yaml:"cache_size"`
}

// OllamaConfig defines the Ollama endpoint.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`
}

// CheckpointConfig controls session snapshots.
type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Driver  string `yaml:"driver"` // sqlite3 (cgo) or sqlite (pure Go)

	// EveryMessages snapshots after this many new messages; 0 disables.
	EveryMessages int `yaml:"every_messages"`
	// Schedule is a standard five-field cron expression; empty disables.
	Schedule string `yaml:"schedule"`
	// Keep is how many snapshots Prune retains; 0 keeps everything.
	Keep int `yaml:"keep"`
}

// Drivers accepted by CheckpointConfig.Driver.
const (
	DriverSQLite3 = "sqlite3"
	DriverSQLite  = "sqlite"
)

// Load reads configuration from a YAML file. A .env file next to it is
// loaded first, without overriding variables that are already set, and
// ${VAR} references in the file are expanded. Defaults are applied to
// unset fields.
func Load(path string) (*Config, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{Memory: MemoryConfig{Compaction: true}}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if cfg.Agent.PersonaFile != "" && !filepath.IsAbs(cfg.Agent.PersonaFile) {
		cfg.Agent.PersonaFile = filepath.Join(filepath.Dir(path), cfg.Agent.PersonaFile)
	}
	if cfg.Anthropic.APIKey == "" {
		cfg.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Agent.Provider == "" {
		c.Agent.Provider = "ollama"
	}
	if c.Agent.Model == "" {
		if c.Agent.Provider == "anthropic" {
			c.Agent.Model = "claude-sonnet-4-5"
		} else {
			c.Agent.Model = "qwen3:4b"
		}
	}

	if c.Memory.KeepRecent == 0 {
		c.Memory.KeepRecent = 10
	}
	if c.Memory.MaxInputLength == 0 {
		c.Memory.MaxInputLength = 32768
	}
	if c.Memory.CompactRatio == 0 {
		c.Memory.CompactRatio = 0.8
	}
	if c.Memory.MaxConcurrentTasks == 0 {
		c.Memory.MaxConcurrentTasks = 2
	}
	if c.Memory.TaskTimeout == 0 {
		c.Memory.TaskTimeout = 5 * time.Minute
	}
	if c.Memory.Summarizer == "" {
		c.Memory.Summarizer = "llm"
	}

	if c.Tokenizer.Encoding == "" {
		c.Tokenizer.Encoding = "cl100k_base"
	}
	if c.Tokenizer.CacheSize == 0 {
		c.Tokenizer.CacheSize = 1024
	}

	if c.Ollama.URL == "" {
		c.Ollama.URL = "http://localhost:11434"
	}
	if c.Anthropic.MaxTokens == 0 {
		c.Anthropic.MaxTokens = 4096
	}

	if c.Checkpoint.Path == "" {
		c.Checkpoint.Path = "copaw.db"
	}
	if c.Checkpoint.Driver == "" {
		c.Checkpoint.Driver = DriverSQLite
	}

	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Agent.Provider {
	case "ollama":
	case "anthropic":
		if c.Anthropic.APIKey == "" {
			errs = append(errs, errors.New("anthropic.api_key is required for provider anthropic"))
		}
	default:
		errs = append(errs, fmt.Errorf("agent.provider %q must be ollama or anthropic", c.Agent.Provider))
	}

	m := c.Memory
	if m.KeepRecent < 0 {
		errs = append(errs, fmt.Errorf("memory.keep_recent must be >= 0, got %d", m.KeepRecent))
	}
	if m.MaxInputLength <= 0 {
		errs = append(errs, fmt.Errorf("memory.max_input_length must be > 0, got %d", m.MaxInputLength))
	}
	if m.CompactRatio <= 0 || m.CompactRatio > 1 {
		errs = append(errs, fmt.Errorf("memory.compact_ratio must be in (0, 1], got %v", m.CompactRatio))
	}
	if m.MaxConcurrentTasks < 1 {
		errs = append(errs, fmt.Errorf("memory.max_concurrent_tasks must be >= 1, got %d", m.MaxConcurrentTasks))
	}
	if m.TaskTimeout < 0 {
		errs = append(errs, fmt.Errorf("memory.task_timeout must be >= 0, got %s", m.TaskTimeout))
	}
	if m.Summarizer != "llm" && m.Summarizer != "simple" {
		errs = append(errs, fmt.Errorf("memory.summarizer %q must be llm or simple", m.Summarizer))
	}

	if c.Tokenizer.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("tokenizer.cache_size must be >= 0, got %d", c.Tokenizer.CacheSize))
	}

	cp := c.Checkpoint
	if cp.Driver != DriverSQLite3 && cp.Driver != DriverSQLite {
		errs = append(errs, fmt.Errorf("checkpoint.driver %q must be %s or %s", cp.Driver, DriverSQLite3, DriverSQLite))
	}
	if cp.EveryMessages < 0 || cp.Keep < 0 {
		errs = append(errs, errors.New("checkpoint.every_messages and checkpoint.keep must be >= 0"))
	}
	if cp.Schedule != "" {
		if _, err := cron.ParseStandard(cp.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("checkpoint.schedule: %w", err))
		}
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if f := strings.ToLower(c.LogFormat); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}

	return errors.Join(errs...)
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Memory:    MemoryConfig{Compaction: true},
		Tokenizer: TokenizerConfig{Enabled: true},
		LogLevel:  "info",
	}
	cfg.ApplyDefaults()
	return cfg
}

// Marshal renders cfg as YAML, for writing a starter config file.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
