package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/osaproject/osa/internal/signal"
)

func TestBuildSystemPromptOrderIsFixed(t *testing.T) {
	cfg := SystemPromptConfig{
		Identity:      "I am the assistant.",
		Soul:          "Be direct.",
		UserProfile:   "Prefers short answers.",
		Channel:       "http",
		ToolNames:     []string{"file_read", "shell"},
		SkillsSummary: "- greeting: says hello",
		PlanMode:      true,
		Now:           time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}

	prompt := BuildSystemPrompt(cfg)
	order := []string{
		"I am the assistant.",
		"Be direct.",
		"Prefers short answers.",
		"Channel: http",
		"file_read, shell",
		"greeting",
		"plan mode",
	}
	pos := -1
	lower := strings.ToLower(prompt)
	for _, want := range order {
		idx := strings.Index(lower, strings.ToLower(want))
		if idx < 0 {
			t.Fatalf("%q missing from prompt", want)
		}
		if idx < pos {
			t.Errorf("%q out of order", want)
		}
		pos = idx
	}

	// Deterministic: same config, same prompt.
	if BuildSystemPrompt(cfg) != prompt {
		t.Error("prompt not deterministic")
	}
}

func TestBuildSystemPromptSkipsEmptyBlocks(t *testing.T) {
	prompt := BuildSystemPrompt(SystemPromptConfig{Identity: "only identity"})
	if strings.Contains(prompt, "# Skills") || strings.Contains(prompt, "# Memory") {
		t.Errorf("empty blocks rendered: %q", prompt)
	}
	if strings.Contains(prompt, "Plan mode") {
		t.Error("plan block rendered when off")
	}
}

func TestBuildSystemPromptRendersSignal(t *testing.T) {
	prompt := BuildSystemPrompt(SystemPromptConfig{
		Identity: "assistant",
		Signal: &signal.Signal{
			Mode:   signal.ModeExecute,
			Genre:  signal.GenreDirect,
			Type:   "command",
			Weight: 0.85,
		},
	})
	if !strings.Contains(prompt, "# Signal") || !strings.Contains(prompt, "Mode: execute") {
		t.Errorf("signal block missing: %q", prompt)
	}
	if !strings.Contains(prompt, "Weight: 0.85") {
		t.Errorf("weight missing: %q", prompt)
	}

	if p := BuildSystemPrompt(SystemPromptConfig{Identity: "assistant"}); strings.Contains(p, "# Signal") {
		t.Error("signal block rendered without a signal")
	}
}

func TestBuildSystemPromptMentionsSilentReply(t *testing.T) {
	prompt := BuildSystemPrompt(SystemPromptConfig{ToolNames: []string{"shell"}})
	if !strings.Contains(prompt, SilentReply) {
		t.Error("NO_REPLY instruction missing")
	}
}

func TestLoadPromptFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, IdentityFile), []byte("identity text"), 0644); err != nil {
		t.Fatal(err)
	}

	identity, soul, user := LoadPromptFiles(dir)
	if identity != "identity text" {
		t.Errorf("identity = %q", identity)
	}
	if soul != "" || user != "" {
		t.Errorf("missing files should be empty, got %q / %q", soul, user)
	}
}
