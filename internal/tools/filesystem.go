package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxReadBytes = 256 * 1024

// FileReadTool reads file contents relative to the workspace.
type FileReadTool struct {
	workspace string
	restrict  bool
}

func NewFileReadTool(workspace string, restrict bool) *FileReadTool {
	return &FileReadTool{workspace: workspace, restrict: restrict}
}

func (t *FileReadTool) Name() string        { return "file_read" }
func (t *FileReadTool) Description() string { return "Read the contents of a file" }

func (t *FileReadTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to read",
			},
		},
		"required": []interface{}{"path"},
	}
}

func (t *FileReadTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	resolved, err := resolvePath(t.workspace, path, t.restrict)
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %v", path, err)).WithError(err)
	}
	if len(data) > maxReadBytes {
		return NewResult(string(data[:maxReadBytes]) +
			fmt.Sprintf("\n... [truncated, %d bytes total]", len(data)))
	}
	return NewResult(string(data))
}

// FileWriteTool writes file contents atomically (temp file + rename).
type FileWriteTool struct {
	workspace string
	restrict  bool
}

func NewFileWriteTool(workspace string, restrict bool) *FileWriteTool {
	return &FileWriteTool{workspace: workspace, restrict: restrict}
}

func (t *FileWriteTool) Name() string        { return "file_write" }
func (t *FileWriteTool) Description() string { return "Write content to a file, creating parent directories as needed" }
func (t *FileWriteTool) Mutating() bool      { return true }

func (t *FileWriteTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to write",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Content to write",
			},
		},
		"required": []interface{}{"path", "content"},
	}
}

func (t *FileWriteTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)

	resolved, err := resolvePath(t.workspace, path, t.restrict)
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return ErrorResult(fmt.Sprintf("mkdir for %s: %v", path, err)).WithError(err)
	}

	// Write through a temp file so readers never observe a partial file.
	tmp, err := os.CreateTemp(filepath.Dir(resolved), ".write-*")
	if err != nil {
		return ErrorResult(fmt.Sprintf("write %s: %v", path, err)).WithError(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return ErrorResult(fmt.Sprintf("write %s: %v", path, err)).WithError(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return ErrorResult(fmt.Sprintf("write %s: %v", path, err)).WithError(err)
	}
	if err := os.Rename(tmpName, resolved); err != nil {
		os.Remove(tmpName)
		return ErrorResult(fmt.Sprintf("write %s: %v", path, err)).WithError(err)
	}

	return NewResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
}

// FileListTool lists directory entries.
type FileListTool struct {
	workspace string
	restrict  bool
}

func NewFileListTool(workspace string, restrict bool) *FileListTool {
	return &FileListTool{workspace: workspace, restrict: restrict}
}

func (t *FileListTool) Name() string        { return "file_list" }
func (t *FileListTool) Description() string { return "List the entries of a directory" }

func (t *FileListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory to list (defaults to the workspace root)",
			},
		},
	}
}

func (t *FileListTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	resolved, err := resolvePath(t.workspace, path, t.restrict)
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("list %s: %v", path, err)).WithError(err)
	}

	var lines []string
	for _, e := range entries {
		if e.IsDir() {
			lines = append(lines, e.Name()+"/")
			continue
		}
		info, err := e.Info()
		if err != nil {
			lines = append(lines, e.Name())
			continue
		}
		lines = append(lines, fmt.Sprintf("%s (%d bytes)", e.Name(), info.Size()))
	}
	sort.Strings(lines)

	if len(lines) == 0 {
		return NewResult("(empty directory)")
	}
	return NewResult(strings.Join(lines, "\n"))
}

// resolvePath makes a path absolute relative to the workspace and, when
// restrict is set, rejects anything that escapes it.
func resolvePath(workspace, path string, restrict bool) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(workspace, resolved)
	}
	resolved = filepath.Clean(resolved)

	if restrict {
		absWorkspace, err := filepath.Abs(workspace)
		if err != nil {
			return "", fmt.Errorf("resolve workspace: %w", err)
		}
		if resolved != absWorkspace && !strings.HasPrefix(resolved, absWorkspace+string(filepath.Separator)) {
			return "", fmt.Errorf("path %s is outside the workspace", path)
		}
	}
	return resolved, nil
}
