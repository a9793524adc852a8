// Package channels connects external messaging platforms to the agent
// runtime. Each adapter turns platform traffic into session runs and
// delivers the replies back out.
package channels

import (
	"context"
	"log/slog"
	"sync"
)

// Channel is one platform adapter.
type Channel interface {
	Name() string
	// Start begins receiving messages; non-blocking after setup.
	Start(ctx context.Context) error
	// Stop shuts the adapter down and waits for in-flight handling.
	Stop(ctx context.Context) error
	IsRunning() bool
}

// Manager owns the configured adapters.
type Manager struct {
	mu       sync.Mutex
	channels []Channel
}

func NewManager() *Manager {
	return &Manager{}
}

func (m *Manager) Add(c Channel) {
	m.mu.Lock()
	m.channels = append(m.channels, c)
	m.mu.Unlock()
}

// StartAll starts every adapter; one failing adapter does not stop the
// others.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.channels {
		if err := c.Start(ctx); err != nil {
			slog.Error("channel failed to start", "channel", c.Name(), "error", err)
			continue
		}
		slog.Info("channel started", "channel", c.Name())
	}
}

// StopAll stops every running adapter.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.channels {
		if !c.IsRunning() {
			continue
		}
		if err := c.Stop(ctx); err != nil {
			slog.Warn("channel stop failed", "channel", c.Name(), "error", err)
		}
	}
}

// Running lists the adapters currently processing messages.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for _, c := range m.channels {
		if c.IsRunning() {
			names = append(names, c.Name())
		}
	}
	return names
}
