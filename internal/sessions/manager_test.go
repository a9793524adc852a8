package sessions

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/osaproject/osa/internal/providers"
	"github.com/osaproject/osa/internal/signal"
)

func TestSignalHistoryKeepsMostRecent(t *testing.T) {
	m := NewManager("")

	if got := m.SignalHistory("s1"); got != nil {
		t.Errorf("history before any signal = %v", got)
	}

	for i := 0; i < maxSignalHistory+5; i++ {
		m.AddSignal("s1", signal.Signal{Type: "command", Weight: float64(i)})
	}

	hist := m.SignalHistory("s1")
	if len(hist) != maxSignalHistory {
		t.Fatalf("history length = %d, want %d", len(hist), maxSignalHistory)
	}
	if hist[len(hist)-1].Weight != float64(maxSignalHistory+4) {
		t.Errorf("newest signal weight = %v", hist[len(hist)-1].Weight)
	}
	if hist[0].Weight != 5 {
		t.Errorf("oldest kept weight = %v, want 5", hist[0].Weight)
	}
}

func TestRegisterIsExclusive(t *testing.T) {
	m := NewManager("")

	if err := m.Register("s1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Register("s1"); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("second register: %v", err)
	}

	m.Unregister("s1")
	if err := m.Register("s1"); err != nil {
		t.Errorf("register after unregister: %v", err)
	}
}

func TestHistoryRoundTripThroughDisk(t *testing.T) {
	dir := t.TempDir()

	m := NewManager(dir)
	if err := m.AddMessage("s1", providers.Message{Role: "user", Content: "hello"}); err != nil {
		t.Fatal(err)
	}
	if err := m.AddMessage("s1", providers.Message{
		Role:      "assistant",
		ToolCalls: []providers.ToolCall{{ID: "t1", Name: "shell", Arguments: map[string]interface{}{"command": "ls"}}},
	}); err != nil {
		t.Fatal(err)
	}

	// A fresh manager restores from the jsonl files.
	m2 := NewManager(dir)
	history := m2.History("s1")
	if len(history) != 2 {
		t.Fatalf("restored %d messages, want 2", len(history))
	}
	if history[0].Content != "hello" {
		t.Errorf("first message = %q", history[0].Content)
	}
	if len(history[1].ToolCalls) != 1 || history[1].ToolCalls[0].Name != "shell" {
		t.Errorf("tool call lost: %+v", history[1])
	}
}

func TestCorruptHistoryLinesSkipped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.jsonl")
	content := `{"ts":"2026-01-02T03:04:05Z","message":{"role":"user","content":"ok"}}
this is not json
{"ts":"2026-01-02T03:04:06Z","message":{"role":"assistant","content":"fine"}}
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	m := NewManager(dir)
	history := m.History("bad")
	if len(history) != 2 {
		t.Fatalf("len = %d, want 2 (corrupt line skipped)", len(history))
	}
}

func TestReplaceHistoryRewritesFile(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	for _, content := range []string{"one", "two", "three"} {
		if err := m.AddMessage("s1", providers.Message{Role: "user", Content: content}); err != nil {
			t.Fatal(err)
		}
	}

	compacted := []providers.Message{
		{Role: "system", Content: "summary of earlier turns"},
		{Role: "user", Content: "three"},
	}
	if err := m.ReplaceHistory("s1", compacted); err != nil {
		t.Fatal(err)
	}
	if m.CompactionCount("s1") != 1 {
		t.Errorf("compaction count = %d", m.CompactionCount("s1"))
	}

	m2 := NewManager(dir)
	history := m2.History("s1")
	if len(history) != 2 {
		t.Fatalf("restored %d messages, want 2", len(history))
	}
	if history[0].Role != "system" {
		t.Errorf("first role = %q", history[0].Role)
	}
}

func TestDeleteRemovesFile(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	if err := m.AddMessage("gone", providers.Message{Role: "user", Content: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete("gone"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "gone.jsonl")); !os.IsNotExist(err) {
		t.Error("history file still present")
	}
	if m.History("gone") != nil {
		t.Error("session still in memory")
	}
}

func TestListSortsNewestFirst(t *testing.T) {
	m := NewManager("")
	_ = m.AddMessage("old", providers.Message{Role: "user", Content: "a"})
	_ = m.AddMessage("new", providers.Message{Role: "user", Content: "b"})
	_ = m.Register("new")

	infos := m.List()
	if len(infos) != 2 {
		t.Fatalf("len = %d", len(infos))
	}
	if infos[0].ID != "new" || !infos[0].Active {
		t.Errorf("first = %+v", infos[0])
	}
	if infos[1].Active {
		t.Error("old marked active")
	}
}

func TestTokenAccounting(t *testing.T) {
	m := NewManager("")
	m.GetOrCreate("s1")
	m.AccumulateTokens("s1", 100, 20)
	m.AccumulateTokens("s1", 50, 10)
	in, out := m.Stats("s1")
	if in != 150 || out != 30 {
		t.Errorf("stats = %d/%d", in, out)
	}

	m.SetLastPromptTokens("s1", 1234, 7)
	tokens, count := m.LastPromptTokens("s1")
	if tokens != 1234 || count != 7 {
		t.Errorf("last prompt = %d/%d", tokens, count)
	}
}

func TestSanitizeID(t *testing.T) {
	if got := sanitizeID("tg:123/456"); got != "tg_123_456" {
		t.Errorf("sanitized = %q", got)
	}
}
