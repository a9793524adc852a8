package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/osaproject/osa/internal/agent"
	"github.com/osaproject/osa/internal/config"
)

func TestEnsureWorkspaceFilesSeedsOnce(t *testing.T) {
	dir := t.TempDir()

	created, err := EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != len(templateFiles) {
		t.Fatalf("created = %v, want %v", created, templateFiles)
	}
	for _, name := range templateFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}

	// A second pass creates nothing.
	created, err = EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 0 {
		t.Errorf("second pass created = %v", created)
	}
}

func TestEnsureWorkspaceFilesKeepsEdits(t *testing.T) {
	dir := t.TempDir()
	custom := []byte("# Identity\n\nhand-edited\n")
	if err := os.WriteFile(filepath.Join(dir, agent.IdentityFile), custom, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := EnsureWorkspaceFiles(dir); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(dir, agent.IdentityFile))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(custom) {
		t.Errorf("identity file was overwritten: %q", got)
	}
}

func TestEnsureStateDirLayout(t *testing.T) {
	cfg := config.Default()
	cfg.StateDir = filepath.Join(t.TempDir(), "state")

	if _, err := EnsureStateDir(cfg); err != nil {
		t.Fatal(err)
	}

	dirs := append([]string{cfg.SessionsDir(), cfg.BinDir()}, cfg.SkillDirs()...)
	for _, dir := range dirs {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("missing dir %s: %v", dir, err)
		}
	}
}

func TestReadTemplate(t *testing.T) {
	content, err := ReadTemplate(agent.SoulFile)
	if err != nil {
		t.Fatal(err)
	}
	if content == "" {
		t.Error("empty template")
	}

	if _, err := ReadTemplate("NOPE.md"); err == nil {
		t.Error("expected error for unknown template")
	}
}
