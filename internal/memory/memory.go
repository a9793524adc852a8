// Package memory is the agent's long-term store: a single markdown file of
// dated entries, appended atomically and recalled by keyword overlap.
package memory

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry is one remembered fact.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Tags      []string  `json:"tags,omitempty"`
	Content   string    `json:"content"`
}

// Store persists entries to a markdown file. All methods are safe for
// concurrent use.
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Save appends an entry. The file is rewritten through a temp file so a
// crash mid-write never truncates existing memories.
func (s *Store) Save(content string, tags ...string) (Entry, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Entry{}, fmt.Errorf("memory content is empty")
	}

	entry := Entry{
		Timestamp: time.Now().UTC().Truncate(time.Second),
		Tags:      tags,
		Content:   content,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := os.ReadFile(s.path)
	if err != nil && !os.IsNotExist(err) {
		return Entry{}, fmt.Errorf("read memory file: %w", err)
	}

	var b strings.Builder
	b.Write(existing)
	if len(existing) == 0 {
		b.WriteString("# Memory\n\n")
	}
	b.WriteString(formatEntry(entry))

	if err := writeAtomic(s.path, []byte(b.String())); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Recall returns up to limit entries ranked by keyword overlap with the
// query. Tag hits count double. Ties break newest-first.
func (s *Store) Recall(query string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 5
	}
	queryTokens := tokens(query)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	entries, err := s.All()
	if err != nil {
		return nil, err
	}

	type scored struct {
		entry Entry
		score int
	}
	var hits []scored
	for _, e := range entries {
		score := overlap(queryTokens, tokens(e.Content))
		for _, tag := range e.Tags {
			score += 2 * overlap(queryTokens, tokens(tag))
		}
		if score > 0 {
			hits = append(hits, scored{entry: e, score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].entry.Timestamp.After(hits[j].entry.Timestamp)
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}
	result := make([]Entry, len(hits))
	for i, h := range hits {
		result[i] = h.entry
	}
	return result, nil
}

// All parses every entry in the file, oldest first.
func (s *Store) All() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open memory file: %w", err)
	}
	defer f.Close()

	var entries []Entry
	var current *Entry

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if entry, ok := parseHeader(line); ok {
			if current != nil {
				current.Content = strings.TrimSpace(current.Content)
				entries = append(entries, *current)
			}
			current = &entry
			continue
		}
		if current != nil && !strings.HasPrefix(line, "# ") {
			current.Content += line + "\n"
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan memory file: %w", err)
	}
	if current != nil {
		current.Content = strings.TrimSpace(current.Content)
		entries = append(entries, *current)
	}
	return entries, nil
}

func formatEntry(e Entry) string {
	var b strings.Builder
	b.WriteString("## " + e.Timestamp.Format(time.RFC3339))
	if len(e.Tags) > 0 {
		b.WriteString(" [" + strings.Join(e.Tags, ", ") + "]")
	}
	b.WriteString("\n\n")
	b.WriteString(e.Content)
	b.WriteString("\n\n")
	return b.String()
}

// parseHeader matches "## <rfc3339> [tag, tag]" entry headers.
func parseHeader(line string) (Entry, bool) {
	if !strings.HasPrefix(line, "## ") {
		return Entry{}, false
	}
	rest := strings.TrimPrefix(line, "## ")

	var tags []string
	if i := strings.IndexByte(rest, '['); i >= 0 {
		if j := strings.IndexByte(rest[i:], ']'); j > 0 {
			for _, t := range strings.Split(rest[i+1:i+j], ",") {
				if t = strings.TrimSpace(t); t != "" {
					tags = append(tags, t)
				}
			}
			rest = strings.TrimSpace(rest[:i])
		}
	}

	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(rest))
	if err != nil {
		return Entry{}, false
	}
	return Entry{Timestamp: ts, Tags: tags}, true
}

func tokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	var out []string
	for _, f := range fields {
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}

func overlap(query, target []string) int {
	set := make(map[string]bool, len(target))
	for _, t := range target {
		set[t] = true
	}
	n := 0
	for _, q := range query {
		if set[q] {
			n++
		}
	}
	return n
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".memory-*")
	if err != nil {
		return fmt.Errorf("write memory file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write memory file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write memory file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write memory file: %w", err)
	}
	return nil
}
