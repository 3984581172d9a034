package buildinfo

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	info := Info()
	for _, key := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch", "uptime"} {
		if info[key] == "" {
			t.Errorf("Info()[%q] is empty", key)
		}
	}
}

func TestUserAgent(t *testing.T) {
	if ua := UserAgent(); !strings.HasPrefix(ua, "copaw/"+Version) {
		t.Errorf("UserAgent() = %q", ua)
	}
	if !strings.Contains(String(), Version) {
		t.Errorf("String() = %q", String())
	}
}

func TestCommit_PrefersStamp(t *testing.T) {
	old := GitCommit
	t.Cleanup(func() { GitCommit = old })

	GitCommit = "abc1234"
	if got := Commit(); got != "abc1234" {
		t.Errorf("Commit() = %q, want stamped value", got)
	}
	if !strings.Contains(String(), "abc1234") {
		t.Errorf("String() = %q, want stamped commit", String())
	}
}

func TestCommit_Fallback(t *testing.T) {
	old := GitCommit
	t.Cleanup(func() { GitCommit = old })

	GitCommit = "unknown"
	if got := Commit(); got == "" || len(got) > 12 {
		t.Errorf("Commit() = %q, want short revision or unknown", got)
	}
}
