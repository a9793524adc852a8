package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/osaproject/osa/internal/config"
	"github.com/osaproject/osa/pkg/protocol"
)

// Mode is a port's lifecycle state.
type Mode string

const (
	ModeStarting    Mode = "starting"
	ModeReady       Mode = "ready"
	ModeUnavailable Mode = "unavailable"
)

const (
	defaultRestartDelay  = 5 * time.Second
	defaultMethodTimeout = 30 * time.Second
)

var (
	// ErrSidecarUnavailable means the binary was never found; there is no
	// fallback and no retry.
	ErrSidecarUnavailable = errors.New("sidecar unavailable")
	// ErrPortCrashed fails requests pending when the child exits.
	ErrPortCrashed = errors.New("sidecar port crashed")
)

// Port supervises one sidecar child process: spawn, correlate requests,
// restart on crash, and fail fast when the binary does not exist.
type Port struct {
	cfg      config.SidecarConfig
	stateDir string

	mu        sync.Mutex
	mode      Mode
	transport *Transport
	cmd       *exec.Cmd

	root       context.Context
	rootCancel context.CancelFunc
}

func NewPort(cfg config.SidecarConfig, stateDir string) *Port {
	root, cancel := context.WithCancel(context.Background())
	return &Port{
		cfg:        cfg,
		stateDir:   stateDir,
		mode:       ModeStarting,
		root:       root,
		rootCancel: cancel,
	}
}

func (p *Port) Name() string { return p.cfg.Name }

func (p *Port) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Start locates the binary and spawns the child. A missing binary makes
// the port permanently unavailable.
func (p *Port) Start() error {
	binary, err := p.locate()
	if err != nil {
		p.mu.Lock()
		p.mode = ModeUnavailable
		p.mu.Unlock()
		slog.Warn("sidecar binary not found", "sidecar", p.cfg.Name, "binary", p.cfg.Binary)
		return fmt.Errorf("%w: %s", ErrSidecarUnavailable, p.cfg.Name)
	}
	return p.spawn(binary)
}

// locate searches {state_dir}/bin first, then PATH.
func (p *Port) locate() (string, error) {
	local := filepath.Join(p.stateDir, "bin", p.cfg.Binary)
	if info, err := os.Stat(local); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
		return local, nil
	}
	return exec.LookPath(p.cfg.Binary)
}

func (p *Port) spawn(binary string) error {
	cmd := exec.Command(binary, p.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("sidecar stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("sidecar stdout: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		p.mu.Lock()
		p.mode = ModeUnavailable
		p.mu.Unlock()
		return fmt.Errorf("starting sidecar %s: %w", p.cfg.Name, err)
	}

	transport := NewTransport(p.cfg.Name, stdin, stdout, p.cfg.MaxLineBytes)

	p.mu.Lock()
	p.transport = transport
	p.cmd = cmd
	p.mode = ModeReady
	p.mu.Unlock()

	slog.Info("sidecar started", "sidecar", p.cfg.Name, "binary", binary, "pid", cmd.Process.Pid)

	go p.watch(cmd, transport, binary)
	return nil
}

// watch waits for the child to exit, fails pending requests, and
// schedules a restart.
func (p *Port) watch(cmd *exec.Cmd, transport *Transport, binary string) {
	err := cmd.Wait()
	transport.Close()

	p.mu.Lock()
	if p.transport == transport {
		p.transport = nil
		p.mode = ModeStarting
	}
	p.mu.Unlock()

	if p.root.Err() != nil {
		return
	}
	slog.Warn("sidecar exited", "sidecar", p.cfg.Name, "error", err)

	delay := p.cfg.RestartDelay.Duration(defaultRestartDelay)
	select {
	case <-p.root.Done():
	case <-time.After(delay):
		if err := p.spawn(binary); err != nil {
			slog.Error("sidecar restart failed", "sidecar", p.cfg.Name, "error", err)
		}
	}
}

// Call sends one request with the method's configured timeout.
func (p *Port) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	p.mu.Lock()
	mode := p.mode
	transport := p.transport
	p.mu.Unlock()

	switch {
	case mode == ModeUnavailable:
		return nil, fmt.Errorf("%w: %s", ErrSidecarUnavailable, p.cfg.Name)
	case transport == nil:
		return nil, fmt.Errorf("%w: %s restarting", ErrPortCrashed, p.cfg.Name)
	}

	timeout := defaultMethodTimeout
	if s, ok := p.cfg.Timeouts[method]; ok {
		timeout = s.Duration(defaultMethodTimeout)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := transport.Send(callCtx, method, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("sidecar %s: %s timed out after %s", p.cfg.Name, method, timeout)
		}
		if errors.Is(err, ErrPortClosed) {
			return nil, fmt.Errorf("%w: %s", ErrPortCrashed, p.cfg.Name)
		}
		return nil, err
	}
	return result, nil
}

// Notify sends a fire-and-forget request.
func (p *Port) Notify(method string, params interface{}) error {
	p.mu.Lock()
	transport := p.transport
	p.mu.Unlock()
	if transport == nil {
		return fmt.Errorf("%w: %s", ErrSidecarUnavailable, p.cfg.Name)
	}
	return transport.Notify(method, params)
}

// OnNotification forwards sidecar-initiated requests to handler.
func (p *Port) OnNotification(handler func(*protocol.SidecarRequest)) {
	p.mu.Lock()
	transport := p.transport
	p.mu.Unlock()
	if transport != nil {
		transport.OnNotification(handler)
	}
}

// Stop kills the child and disables restarts.
func (p *Port) Stop() {
	p.rootCancel()
	p.mu.Lock()
	cmd := p.cmd
	transport := p.transport
	p.transport = nil
	p.mode = ModeUnavailable
	p.mu.Unlock()

	if transport != nil {
		transport.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// Supervisor owns all configured ports.
type Supervisor struct {
	mu    sync.RWMutex
	ports map[string]*Port
}

func NewSupervisor() *Supervisor {
	return &Supervisor{ports: make(map[string]*Port)}
}

// StartAll spawns every configured sidecar. Missing binaries are logged
// and left unavailable rather than failing boot.
func (s *Supervisor) StartAll(cfgs []config.SidecarConfig, stateDir string) {
	for _, cfg := range cfgs {
		port := NewPort(cfg, stateDir)
		if err := port.Start(); err != nil {
			slog.Warn("sidecar not started", "sidecar", cfg.Name, "error", err)
		}
		s.mu.Lock()
		s.ports[cfg.Name] = port
		s.mu.Unlock()
	}
}

// Get returns the named port.
func (s *Supervisor) Get(name string) (*Port, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.ports[name]
	return p, ok
}

// List returns port names with their mode.
func (s *Supervisor) List() map[string]Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Mode, len(s.ports))
	for name, port := range s.ports {
		out[name] = port.Mode()
	}
	return out
}

// StopAll stops every port.
func (s *Supervisor) StopAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, port := range s.ports {
		port.Stop()
	}
}
