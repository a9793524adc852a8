package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/osaproject/osa/internal/bus"
	"github.com/osaproject/osa/internal/providers"
	"github.com/osaproject/osa/internal/sessions"
	"github.com/osaproject/osa/pkg/protocol"
)

type stubScanner struct {
	name   string
	alerts []Alert
	err    error
	panics bool
}

func (s *stubScanner) Name() string { return s.name }

func (s *stubScanner) Scan(ctx context.Context) ([]Alert, error) {
	if s.panics {
		panic("scanner blew up")
	}
	return s.alerts, s.err
}

func TestRunPassCollectsAndPublishes(t *testing.T) {
	b := bus.New()
	defer b.Close()

	var mu sync.Mutex
	var published []bus.Event
	b.Subscribe(protocol.TopicProactiveAlerts, func(ev bus.Event) {
		mu.Lock()
		published = append(published, ev)
		mu.Unlock()
	})

	m, err := New("", b,
		&stubScanner{name: "ok", alerts: []Alert{{Message: "one"}, {Message: "two"}}},
		&stubScanner{name: "quiet"},
	)
	if err != nil {
		t.Fatal(err)
	}

	found := m.RunPass(context.Background())
	if len(found) != 2 {
		t.Fatalf("found = %d", len(found))
	}
	if found[0].Scanner != "ok" || found[0].Severity != "info" || found[0].Timestamp.IsZero() {
		t.Errorf("alert = %+v", found[0])
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(published)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(published) != 1 {
		t.Fatalf("published = %d events", len(published))
	}
	if published[0].Payload["count"] != 2 {
		t.Errorf("payload = %v", published[0].Payload)
	}
}

func TestRunPassIsolatesFailures(t *testing.T) {
	m, err := New("", nil,
		&stubScanner{name: "boom", panics: true},
		&stubScanner{name: "broken", err: fmt.Errorf("cannot scan")},
		&stubScanner{name: "ok", alerts: []Alert{{Message: "fine"}}},
	)
	if err != nil {
		t.Fatal(err)
	}

	found := m.RunPass(context.Background())
	if len(found) != 1 || found[0].Scanner != "ok" {
		t.Errorf("found = %+v", found)
	}
}

func TestAlertRingEvictsOldest(t *testing.T) {
	var alerts []Alert
	for i := 0; i < MaxAlerts+10; i++ {
		alerts = append(alerts, Alert{Message: fmt.Sprintf("a%d", i)})
	}
	m, err := New("", nil, &stubScanner{name: "flood", alerts: alerts})
	if err != nil {
		t.Fatal(err)
	}

	m.RunPass(context.Background())
	got := m.Alerts()
	if len(got) != MaxAlerts {
		t.Fatalf("retained = %d", len(got))
	}
	if got[0].Message != "a10" {
		t.Errorf("oldest retained = %q", got[0].Message)
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	if _, err := New("not a cron", nil); err == nil {
		t.Error("bad schedule accepted")
	}
}

func TestStaleSessionScanner(t *testing.T) {
	mgr := sessions.NewManager("")
	mgr.AddMessage("old", providers.Message{Role: "user", Content: "hello"})

	s := &StaleSessionScanner{Sessions: mgr, StaleAfter: time.Nanosecond}
	time.Sleep(5 * time.Millisecond)
	alerts, err := s.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].SessionID != "old" {
		t.Errorf("alerts = %+v", alerts)
	}

	fresh := &StaleSessionScanner{Sessions: mgr, StaleAfter: time.Hour}
	alerts, err = fresh.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 0 {
		t.Errorf("fresh session flagged: %+v", alerts)
	}
}

func TestFollowUpScanner(t *testing.T) {
	mgr := sessions.NewManager("")
	mgr.AddMessage("q", providers.Message{Role: "user", Content: "did the deploy finish?"})
	mgr.AddMessage("r", providers.Message{Role: "user", Content: "remind me to rotate the keys"})
	mgr.AddMessage("done", providers.Message{Role: "user", Content: "thanks"})
	mgr.AddMessage("done", providers.Message{Role: "assistant", Content: "any time"})

	s := &FollowUpScanner{Sessions: mgr}
	alerts, err := s.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	flagged := map[string]bool{}
	for _, a := range alerts {
		flagged[a.SessionID] = true
	}
	if !flagged["q"] || !flagged["r"] || flagged["done"] {
		t.Errorf("flagged = %v", flagged)
	}
}
