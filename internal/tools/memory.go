package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/osaproject/osa/internal/memory"
)

// MemorySaveTool appends a fact to long-term memory.
type MemorySaveTool struct {
	store *memory.Store
}

func NewMemorySaveTool(store *memory.Store) *MemorySaveTool {
	return &MemorySaveTool{store: store}
}

func (t *MemorySaveTool) Name() string { return "memory_save" }
func (t *MemorySaveTool) Description() string {
	return "Save a fact to long-term memory for future sessions"
}
func (t *MemorySaveTool) Mutating() bool { return true }

func (t *MemorySaveTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The fact to remember",
			},
			"tags": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Optional tags for recall",
			},
		},
		"required": []interface{}{"content"},
	}
}

func (t *MemorySaveTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	content, _ := args["content"].(string)
	var tags []string
	if raw, ok := args["tags"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				tags = append(tags, s)
			}
		}
	}

	entry, err := t.store.Save(content, tags...)
	if err != nil {
		return ErrorResult(fmt.Sprintf("save memory: %v", err)).WithError(err)
	}
	return SilentResult(fmt.Sprintf("remembered (at %s)", entry.Timestamp.Format(time.RFC3339)))
}

// MemoryRecallTool searches long-term memory.
type MemoryRecallTool struct {
	store *memory.Store
}

func NewMemoryRecallTool(store *memory.Store) *MemoryRecallTool {
	return &MemoryRecallTool{store: store}
}

func (t *MemoryRecallTool) Name() string { return "memory_recall" }
func (t *MemoryRecallTool) Description() string {
	return "Search long-term memory for entries relevant to a query"
}

func (t *MemoryRecallTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "What to look for",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum entries to return (default 5)",
			},
		},
		"required": []interface{}{"query"},
	}
}

func (t *MemoryRecallTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	limit := 5
	if v, ok := args["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	entries, err := t.store.Recall(query, limit)
	if err != nil {
		return ErrorResult(fmt.Sprintf("recall memory: %v", err)).WithError(err)
	}
	if len(entries) == 0 {
		return NewResult("no matching memories")
	}

	var b strings.Builder
	for _, e := range entries {
		b.WriteString("- " + e.Timestamp.Format("2006-01-02"))
		if len(e.Tags) > 0 {
			b.WriteString(" [" + strings.Join(e.Tags, ", ") + "]")
		}
		b.WriteString(": " + e.Content + "\n")
	}
	return NewResult(b.String())
}
