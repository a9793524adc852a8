// Package bootstrap seeds the state directory on first run: template
// markdown files for the system prompt and the subdirectories the rest
// of the runtime expects. Existing files are never overwritten.
package bootstrap

import (
	"embed"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/osaproject/osa/internal/agent"
	"github.com/osaproject/osa/internal/config"
)

//go:embed templates/*.md
var templateFS embed.FS

// templateFiles lists the templates to seed, in order.
var templateFiles = []string{
	agent.IdentityFile,
	agent.SoulFile,
	agent.UserFile,
}

// ReadTemplate returns the content of an embedded template file.
func ReadTemplate(name string) (string, error) {
	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// EnsureStateDir prepares the configured state directory: the directory
// itself, the subdirectories the runtime writes into, and the template
// files. Returns the list of files that were created.
func EnsureStateDir(cfg *config.Config) ([]string, error) {
	stateDir := cfg.StatePath()
	subdirs := []string{
		stateDir,
		cfg.SessionsDir(),
		cfg.BinDir(),
	}
	subdirs = append(subdirs, cfg.SkillDirs()...)
	for _, dir := range subdirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	return EnsureWorkspaceFiles(stateDir)
}

// EnsureWorkspaceFiles seeds template files into a directory. Only
// files that don't already exist are written.
func EnsureWorkspaceFiles(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	var created []string
	for _, name := range templateFiles {
		ok, err := seedTemplate(dir, name)
		if err != nil {
			slog.Warn("bootstrap: failed to seed template", "file", name, "error", err)
			continue
		}
		if ok {
			created = append(created, name)
		}
	}
	return created, nil
}

// seedTemplate writes a template file if it doesn't exist. Returns true
// if the file was created, false if it already exists.
func seedTemplate(dir, name string) (bool, error) {
	dstPath := filepath.Join(dir, name)

	f, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		os.Remove(dstPath) // clean up empty file
		return false, err
	}

	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
