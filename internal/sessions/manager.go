package sessions

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/osaproject/osa/internal/providers"
	"github.com/osaproject/osa/internal/signal"
)

// maxSignalHistory caps how many recent signals a session keeps.
const maxSignalHistory = 20

// ErrAlreadyRegistered is returned when a second worker tries to claim a
// session that already has a live one.
var ErrAlreadyRegistered = errors.New("session already registered")

// Session is the conversation state for one session ID.
type Session struct {
	ID       string              `json:"id"`
	Messages []providers.Message `json:"messages"`
	Summary  string              `json:"summary,omitempty"`
	Created  time.Time           `json:"created"`
	Updated  time.Time           `json:"updated"`

	Channel         string `json:"channel,omitempty"`
	Provider        string `json:"provider,omitempty"`
	Model           string `json:"model,omitempty"`
	InputTokens     int64  `json:"input_tokens,omitempty"`
	OutputTokens    int64  `json:"output_tokens,omitempty"`
	CompactionCount int    `json:"compaction_count,omitempty"`

	LastPromptTokens int `json:"last_prompt_tokens,omitempty"`
	LastMessageCount int `json:"last_message_count,omitempty"`

	Signals []signal.Signal `json:"signals,omitempty"`
}

// Info is a lightweight session descriptor for listing.
type Info struct {
	ID           string    `json:"id"`
	Channel      string    `json:"channel,omitempty"`
	MessageCount int       `json:"message_count"`
	Active       bool      `json:"active"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

// Manager owns session state, worker registration, and history persistence.
// Sessions are loaded lazily from disk on first access.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	active   map[string]bool // session IDs with a live worker
	storage  string          // "" disables persistence
}

func NewManager(storage string) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		active:   make(map[string]bool),
		storage:  storage,
	}
	if storage != "" {
		m.loadAll()
	}
	return m
}

// Register claims a session for a worker. At most one worker per session;
// the second caller gets ErrAlreadyRegistered.
func (m *Manager) Register(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[id] {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	m.active[id] = true
	return nil
}

// Unregister releases the worker claim. Unknown IDs are a no-op.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// IsActive reports whether a worker currently owns the session.
func (m *Manager) IsActive(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[id]
}

// GetOrCreate returns the session, creating it on first use.
func (m *Manager) GetOrCreate(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked(id)
}

func (m *Manager) getOrCreateLocked(id string) *Session {
	if s, ok := m.sessions[id]; ok {
		return s
	}
	now := time.Now().UTC()
	s := &Session{ID: id, Messages: []providers.Message{}, Created: now, Updated: now}
	m.sessions[id] = s
	return s
}

// AddMessage appends a message and persists it to the session's history file.
func (m *Manager) AddMessage(id string, msg providers.Message) error {
	m.mu.Lock()
	s := m.getOrCreateLocked(id)
	s.Messages = append(s.Messages, msg)
	s.Updated = time.Now().UTC()
	m.mu.Unlock()

	return m.appendRecord(id, msg)
}

// History returns a copy of the message history.
func (m *Manager) History(id string) []providers.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	msgs := make([]providers.Message, len(s.Messages))
	copy(msgs, s.Messages)
	return msgs
}

// ReplaceHistory swaps the in-memory history wholesale (after compaction)
// and rewrites the history file to match.
func (m *Manager) ReplaceHistory(id string, msgs []providers.Message) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	s.Messages = make([]providers.Message, len(msgs))
	copy(s.Messages, msgs)
	s.Updated = time.Now().UTC()
	s.CompactionCount++
	snapshot := make([]providers.Message, len(msgs))
	copy(snapshot, msgs)
	m.mu.Unlock()

	return m.rewriteRecords(id, snapshot)
}

// Summary returns the stored compaction summary.
func (m *Manager) Summary(id string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[id]; ok {
		return s.Summary
	}
	return ""
}

func (m *Manager) SetSummary(id, summary string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Summary = summary
		s.Updated = time.Now().UTC()
	}
}

// UpdateMetadata records routing metadata on a session.
func (m *Manager) UpdateMetadata(id, channel, provider, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	if channel != "" {
		s.Channel = channel
	}
	if provider != "" {
		s.Provider = provider
	}
	if model != "" {
		s.Model = model
	}
}

// AddSignal records a classified inbound message on the session, keeping
// the most recent maxSignalHistory entries.
func (m *Manager) AddSignal(id string, sig signal.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreateLocked(id)
	s.Signals = append(s.Signals, sig)
	if len(s.Signals) > maxSignalHistory {
		s.Signals = s.Signals[len(s.Signals)-maxSignalHistory:]
	}
}

// SignalHistory returns a copy of the session's recent signals.
func (m *Manager) SignalHistory(id string) []signal.Signal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	sigs := make([]signal.Signal, len(s.Signals))
	copy(sigs, s.Signals)
	return sigs
}

// AccumulateTokens adds usage from a completed LLM call.
func (m *Manager) AccumulateTokens(id string, input, output int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.InputTokens += input
		s.OutputTokens += output
	}
}

// SetLastPromptTokens caches the true prompt size reported by the provider,
// used to calibrate the next pressure estimate.
func (m *Manager) SetLastPromptTokens(id string, tokens, msgCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.LastPromptTokens = tokens
		s.LastMessageCount = msgCount
	}
}

func (m *Manager) LastPromptTokens(id string) (int, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[id]; ok {
		return s.LastPromptTokens, s.LastMessageCount
	}
	return 0, 0
}

func (m *Manager) CompactionCount(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[id]; ok {
		return s.CompactionCount
	}
	return 0
}

// Stats returns accumulated token totals.
func (m *Manager) Stats(id string) (input, output int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[id]; ok {
		return s.InputTokens, s.OutputTokens
	}
	return 0, 0
}

// Delete removes a session and its history file.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	delete(m.active, id)
	m.mu.Unlock()

	return m.removeRecords(id)
}

// List returns session infos, newest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]Info, 0, len(m.sessions))
	for id, s := range m.sessions {
		infos = append(infos, Info{
			ID:           id,
			Channel:      s.Channel,
			MessageCount: len(s.Messages),
			Active:       m.active[id],
			Created:      s.Created,
			Updated:      s.Updated,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Updated.After(infos[j].Updated) })
	return infos
}

// StaleSince returns sessions not updated since the cutoff.
func (m *Manager) StaleSince(cutoff time.Time) []Info {
	var stale []Info
	for _, info := range m.List() {
		if info.Updated.Before(cutoff) {
			stale = append(stale, info)
		}
	}
	return stale
}

// sanitizeID keeps session IDs filesystem-safe.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		}
		return '_'
	}, id)
}
