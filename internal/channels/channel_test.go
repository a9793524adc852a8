package channels

import (
	"context"
	"errors"
	"testing"
)

type stubChannel struct {
	name     string
	startErr error
	running  bool
	stopped  bool
}

func (c *stubChannel) Name() string { return c.name }
func (c *stubChannel) Start(ctx context.Context) error {
	if c.startErr != nil {
		return c.startErr
	}
	c.running = true
	return nil
}
func (c *stubChannel) Stop(ctx context.Context) error {
	c.stopped = true
	c.running = false
	return nil
}
func (c *stubChannel) IsRunning() bool { return c.running }

func TestManagerStartAllIsolatesFailures(t *testing.T) {
	good := &stubChannel{name: "good"}
	bad := &stubChannel{name: "bad", startErr: errors.New("no token")}
	other := &stubChannel{name: "other"}

	m := NewManager()
	m.Add(good)
	m.Add(bad)
	m.Add(other)
	m.StartAll(context.Background())

	running := m.Running()
	if len(running) != 2 {
		t.Fatalf("running = %v", running)
	}

	m.StopAll(context.Background())
	if !good.stopped || !other.stopped {
		t.Error("running channels were not stopped")
	}
	if bad.stopped {
		t.Error("never-started channel was stopped")
	}
	if len(m.Running()) != 0 {
		t.Errorf("running after stop = %v", m.Running())
	}
}
