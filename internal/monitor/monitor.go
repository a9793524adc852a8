// Package monitor runs periodic scanners that surface conditions the
// agent should proactively act on: stale sessions, failed tasks, system
// health, and unanswered follow-ups. Alerts are published on the bus.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/osaproject/osa/internal/bus"
	"github.com/osaproject/osa/pkg/protocol"
)

const (
	// MaxAlerts bounds the retained alert ring; the oldest is evicted on
	// overflow.
	MaxAlerts = 50

	// DefaultSchedule runs scanners every 30 minutes.
	DefaultSchedule = "*/30 * * * *"
)

// Alert is one finding from a scanner pass.
type Alert struct {
	Scanner   string    `json:"scanner"`
	Severity  string    `json:"severity"` // info, warning
	Message   string    `json:"message"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Scanner inspects one aspect of the system and reports alerts. Scanners
// must be side-effect free; a panicking or failing scanner contributes
// nothing to that pass.
type Scanner interface {
	Name() string
	Scan(ctx context.Context) ([]Alert, error)
}

// Monitor schedules scanner passes with a cron expression and keeps a
// bounded ring of recent alerts.
type Monitor struct {
	schedule string
	scanners []Scanner
	bus      *bus.Bus
	cron     *gronx.Gronx

	mu     sync.Mutex
	alerts []Alert
}

func New(schedule string, b *bus.Bus, scanners ...Scanner) (*Monitor, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	cron := gronx.New()
	if !cron.IsValid(schedule) {
		return nil, fmt.Errorf("invalid monitor schedule: %q", schedule)
	}
	return &Monitor{
		schedule: schedule,
		scanners: scanners,
		bus:      b,
		cron:     cron,
	}, nil
}

// Start ticks once a minute and runs a pass whenever the schedule is due.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				due, err := m.cron.IsDue(m.schedule, now)
				if err != nil {
					slog.Warn("monitor schedule check failed", "error", err)
					continue
				}
				if due {
					m.RunPass(ctx)
				}
			}
		}
	}()
}

// RunPass runs every scanner once, isolating failures, and publishes a
// proactive_alerts event when anything was found.
func (m *Monitor) RunPass(ctx context.Context) []Alert {
	var found []Alert
	for _, scanner := range m.scanners {
		alerts := m.runScanner(ctx, scanner)
		found = append(found, alerts...)
	}
	if len(found) == 0 {
		return nil
	}

	m.retain(found)

	if m.bus != nil {
		encoded := make([]map[string]any, 0, len(found))
		for _, a := range found {
			entry := map[string]any{
				"scanner":  a.Scanner,
				"severity": a.Severity,
				"message":  a.Message,
			}
			if a.SessionID != "" {
				entry["session_id"] = a.SessionID
			}
			encoded = append(encoded, entry)
		}
		m.bus.Publish(protocol.TopicProactiveAlerts, "", map[string]any{
			"count":  len(found),
			"alerts": encoded,
		})
	}
	slog.Info("proactive scan complete", "alerts", len(found))
	return found
}

func (m *Monitor) runScanner(ctx context.Context, scanner Scanner) (alerts []Alert) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scanner panicked", "scanner", scanner.Name(), "panic", r)
			alerts = nil
		}
	}()

	alerts, err := scanner.Scan(ctx)
	if err != nil {
		slog.Warn("scanner failed", "scanner", scanner.Name(), "error", err)
		return nil
	}
	now := time.Now()
	for i := range alerts {
		alerts[i].Scanner = scanner.Name()
		if alerts[i].Timestamp.IsZero() {
			alerts[i].Timestamp = now
		}
		if alerts[i].Severity == "" {
			alerts[i].Severity = "info"
		}
	}
	return alerts
}

func (m *Monitor) retain(found []Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, found...)
	if over := len(m.alerts) - MaxAlerts; over > 0 {
		m.alerts = append([]Alert(nil), m.alerts[over:]...)
	}
}

// Alerts returns the retained ring, oldest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}
