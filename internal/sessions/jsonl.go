package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/osaproject/osa/internal/providers"
)

// record is one line of a session history file.
type record struct {
	Timestamp time.Time         `json:"ts"`
	Message   providers.Message `json:"message"`
}

func (m *Manager) historyPath(id string) string {
	return filepath.Join(m.storage, sanitizeID(id)+".jsonl")
}

// appendRecord adds one message line to the session's history file.
func (m *Manager) appendRecord(id string, msg providers.Message) error {
	if m.storage == "" {
		return nil
	}
	if err := os.MkdirAll(m.storage, 0755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}

	line, err := json.Marshal(record{Timestamp: time.Now().UTC(), Message: msg})
	if err != nil {
		return fmt.Errorf("marshal history record: %w", err)
	}

	f, err := os.OpenFile(m.historyPath(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open history file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append history record: %w", err)
	}
	return nil
}

// rewriteRecords replaces the history file contents atomically.
func (m *Manager) rewriteRecords(id string, msgs []providers.Message) error {
	if m.storage == "" {
		return nil
	}
	if err := os.MkdirAll(m.storage, 0755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}

	var b strings.Builder
	now := time.Now().UTC()
	for _, msg := range msgs {
		line, err := json.Marshal(record{Timestamp: now, Message: msg})
		if err != nil {
			return fmt.Errorf("marshal history record: %w", err)
		}
		b.Write(line)
		b.WriteByte('\n')
	}

	tmp, err := os.CreateTemp(m.storage, ".history-*")
	if err != nil {
		return fmt.Errorf("rewrite history: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("rewrite history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rewrite history: %w", err)
	}
	if err := os.Rename(tmpName, m.historyPath(id)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rewrite history: %w", err)
	}
	return nil
}

func (m *Manager) removeRecords(id string) error {
	if m.storage == "" {
		return nil
	}
	if err := os.Remove(m.historyPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove history file: %w", err)
	}
	return nil
}

// loadAll restores sessions from the storage directory. Corrupt lines are
// skipped with a warning; a bad file never blocks boot.
func (m *Manager) loadAll() {
	entries, err := os.ReadDir(m.storage)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("cannot read sessions dir", "dir", m.storage, "error", err)
		}
		return
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		id := strings.TrimSuffix(name, ".jsonl")
		if err := m.loadOne(id); err != nil {
			slog.Warn("skipping unreadable session file", "file", name, "error", err)
		}
	}
}

func (m *Manager) loadOne(id string) error {
	f, err := os.Open(m.historyPath(id))
	if err != nil {
		return err
	}
	defer f.Close()

	s := &Session{ID: id, Messages: []providers.Message{}}
	dropped := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			dropped++
			continue
		}
		if s.Created.IsZero() {
			s.Created = rec.Timestamp
		}
		s.Updated = rec.Timestamp
		s.Messages = append(s.Messages, rec.Message)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if dropped > 0 {
		slog.Warn("dropped corrupt history lines", "session", id, "count", dropped)
	}
	if s.Created.IsZero() {
		s.Created = time.Now().UTC()
		s.Updated = s.Created
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return nil
}
