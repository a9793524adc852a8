package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/osaproject/osa/internal/signal"
)

// Template file names seeded under the state directory.
const (
	IdentityFile = "IDENTITY.md"
	SoulFile     = "SOUL.md"
	UserFile     = "USER.md"
)

// SystemPromptConfig carries every block that can appear in the system
// prompt. Empty blocks are skipped; the order of the non-empty ones is fixed
// so identical inputs always produce an identical prompt.
type SystemPromptConfig struct {
	Identity       string
	Soul           string
	UserProfile    string
	Workspace      string
	Channel        string
	Model          string
	ToolNames      []string
	SkillsSummary  string
	MemoryBulletin string
	Signal         *signal.Signal
	PlanMode       bool
	Extra          string
	Now            time.Time
}

// BuildSystemPrompt assembles the system prompt from the configured blocks,
// in fixed order: identity, soul, user profile, environment, tools, skills,
// memory, signal, plan-mode note, extra.
func BuildSystemPrompt(cfg SystemPromptConfig) string {
	var blocks []string

	add := func(title, body string) {
		body = strings.TrimSpace(body)
		if body == "" {
			return
		}
		if title == "" {
			blocks = append(blocks, body)
			return
		}
		blocks = append(blocks, "# "+title+"\n\n"+body)
	}

	add("", cfg.Identity)
	add("", cfg.Soul)
	add("User", cfg.UserProfile)

	var env []string
	if cfg.Workspace != "" {
		env = append(env, "Workspace: "+cfg.Workspace)
	}
	if cfg.Channel != "" {
		env = append(env, "Channel: "+cfg.Channel)
	}
	if cfg.Model != "" {
		env = append(env, "Model: "+cfg.Model)
	}
	if !cfg.Now.IsZero() {
		env = append(env, "Current time: "+cfg.Now.UTC().Format(time.RFC3339))
	}
	add("Environment", strings.Join(env, "\n"))

	if len(cfg.ToolNames) > 0 {
		add("Tools", "Available tools: "+strings.Join(cfg.ToolNames, ", ")+
			"\nIf a message needs no reply, answer exactly "+SilentReply+".")
	}

	add("Skills", cfg.SkillsSummary)
	add("Memory", cfg.MemoryBulletin)

	if s := cfg.Signal; s != nil {
		add("Signal", fmt.Sprintf("Mode: %s\nGenre: %s\nType: %s\nWeight: %.2f",
			s.Mode, s.Genre, s.Type, s.Weight))
	}

	if cfg.PlanMode {
		add("Plan mode", "You are in plan mode: do not change any external state. "+
			"Investigate with read-only tools and finish by presenting a step-by-step plan.")
	}

	add("", cfg.Extra)

	return strings.Join(blocks, "\n\n")
}

// LoadPromptFiles reads the identity, soul, and user template files from the
// templates directory. Missing files yield empty blocks, never errors.
func LoadPromptFiles(dir string) (identity, soul, user string) {
	read := func(name string) string {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return ""
		}
		return string(data)
	}
	return read(IdentityFile), read(SoulFile), read(UserFile)
}
