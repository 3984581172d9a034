package defaults

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zhijianma/copaw/internal/config"
)

func TestConfigYAML_LoadsAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, ConfigYAML, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if cfg.Agent.PersonaFile != filepath.Join(dir, "persona.md") {
		t.Errorf("persona_file = %q", cfg.Agent.PersonaFile)
	}
	if cfg.Checkpoint.Schedule == "" || !cfg.Memory.Compaction {
		t.Errorf("example lost settings: %+v", cfg)
	}
}

func TestPersonaMD_MentionsSummary(t *testing.T) {
	if !strings.Contains(string(PersonaMD), "<previous-summary>") {
		t.Error("persona should explain the summary header")
	}
}
