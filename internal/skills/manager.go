package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/osaproject/osa/internal/tools"
)

// MachineFile holds the prompt fragment a machine contributes while active.
const MachineFile = "MACHINE.md"

const reloadDebounce = 200 * time.Millisecond

// Machine is a named group of skills that toggles together. Each
// subdirectory of the skills directory is one machine; an optional
// MACHINE.md inside it carries the prompt fragment.
type Machine struct {
	Name   string   `json:"name"`
	Prompt string   `json:"prompt,omitempty"`
	Skills []string `json:"skills"`
	Active bool     `json:"active"`
}

// Manager loads markdown skills from a directory tree, registers them as
// tools, and keeps the registry in sync as files change on disk.
type Manager struct {
	dir      string
	registry *tools.Registry

	mu       sync.RWMutex
	skills   map[string]*Skill
	machines map[string]*Machine
	inactive map[string]bool // machines toggled off, sticky across reloads
}

func NewManager(dir string, registry *tools.Registry) *Manager {
	return &Manager{
		dir:      dir,
		registry: registry,
		skills:   make(map[string]*Skill),
		machines: make(map[string]*Machine),
		inactive: make(map[string]bool),
	}
}

// Reload rescans the directory and reconciles the tool registry. Files
// that fail to parse are skipped with a warning; a missing directory
// clears everything.
func (m *Manager) Reload() error {
	found := make(map[string]*Skill)
	machines := make(map[string]*Machine)

	entries, err := os.ReadDir(m.dir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading skills dir: %w", err)
	}

	for _, entry := range entries {
		path := filepath.Join(m.dir, entry.Name())
		if entry.IsDir() {
			m.loadMachine(path, entry.Name(), found, machines)
			continue
		}
		if skill := m.loadFile(path, ""); skill != nil {
			found[skill.Name] = skill
		}
	}

	m.mu.Lock()
	previous := m.skills
	m.skills = found
	m.machines = machines
	for name := range machines {
		machines[name].Active = !m.inactive[name]
	}
	m.mu.Unlock()

	m.reconcile(previous, found)
	return nil
}

func (m *Manager) loadMachine(dir, name string, found map[string]*Skill, machines map[string]*Machine) {
	machine := &Machine{Name: name}

	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("skill machine unreadable", "machine", name, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if entry.Name() == MachineFile {
			data, err := os.ReadFile(path)
			if err != nil {
				slog.Warn("machine prompt unreadable", "machine", name, "error", err)
				continue
			}
			machine.Prompt = strings.TrimSpace(string(data))
			continue
		}
		if skill := m.loadFile(path, name); skill != nil {
			found[skill.Name] = skill
			machine.Skills = append(machine.Skills, skill.Name)
		}
	}
	sort.Strings(machine.Skills)
	machines[name] = machine
}

func (m *Manager) loadFile(path, machine string) *Skill {
	if !strings.HasSuffix(path, ".md") {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("skill file unreadable", "path", path, "error", err)
		return nil
	}
	skill, err := ParseSkill(path, data)
	if err != nil {
		slog.Warn("skill file skipped", "path", path, "error", err)
		return nil
	}
	skill.Machine = machine
	return skill
}

// reconcile registers new and changed skills and unregisters vanished
// ones. Skills in a toggled-off machine stay out of the registry.
func (m *Manager) reconcile(previous, found map[string]*Skill) {
	for name := range previous {
		if _, ok := found[name]; !ok {
			m.registry.Unregister(name)
			slog.Info("skill removed", "skill", name)
		}
	}
	for name, skill := range found {
		if m.machineOff(skill.Machine) {
			m.registry.Unregister(name)
			continue
		}
		if err := m.registry.Register(&skillTool{skill: skill}); err != nil {
			slog.Warn("skill registration failed", "skill", name, "error", err)
		}
	}
}

func (m *Manager) machineOff(machine string) bool {
	if machine == "" {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inactive[machine]
}

// Toggle switches a machine on or off, registering or unregistering its
// skills. The setting survives directory reloads.
func (m *Manager) Toggle(machine string, active bool) error {
	m.mu.Lock()
	mach, ok := m.machines[machine]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown machine: %s", machine)
	}
	mach.Active = active
	if active {
		delete(m.inactive, machine)
	} else {
		m.inactive[machine] = true
	}
	skills := make([]*Skill, 0, len(mach.Skills))
	for _, name := range mach.Skills {
		if s, ok := m.skills[name]; ok {
			skills = append(skills, s)
		}
	}
	m.mu.Unlock()

	for _, skill := range skills {
		if active {
			if err := m.registry.Register(&skillTool{skill: skill}); err != nil {
				slog.Warn("skill registration failed", "skill", skill.Name, "error", err)
			}
		} else {
			m.registry.Unregister(skill.Name)
		}
	}
	return nil
}

// Machines lists machine groups sorted by name.
func (m *Manager) Machines() []Machine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Machine, 0, len(m.machines))
	for _, mach := range m.machines {
		copied := *mach
		copied.Skills = append([]string(nil), mach.Skills...)
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Skills lists loaded skill names sorted.
func (m *Manager) Skills() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.skills))
	for name := range m.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Summary renders the system-prompt block: one bullet per loaded skill
// plus the prompt fragments of active machines.
func (m *Manager) Summary() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.skills))
	for name := range m.skills {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		skill := m.skills[name]
		if skill.Machine != "" && m.inactive[skill.Machine] {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", skill.Name, skill.Description)
	}

	machineNames := make([]string, 0, len(m.machines))
	for name := range m.machines {
		machineNames = append(machineNames, name)
	}
	sort.Strings(machineNames)
	for _, name := range machineNames {
		mach := m.machines[name]
		if mach.Prompt == "" || m.inactive[name] {
			continue
		}
		b.WriteString("\n")
		b.WriteString(mach.Prompt)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// Watch reloads on filesystem changes until ctx is cancelled. Events are
// debounced so one editor save triggers one reload.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting skills watcher: %w", err)
	}

	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", m.dir, err)
	}
	entries, _ := os.ReadDir(m.dir)
	for _, entry := range entries {
		if entry.IsDir() {
			if err := watcher.Add(filepath.Join(m.dir, entry.Name())); err != nil {
				slog.Warn("machine dir not watched", "dir", entry.Name(), "error", err)
			}
		}
	}

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op.Has(fsnotify.Create) {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						if err := watcher.Add(event.Name); err != nil {
							slog.Warn("machine dir not watched", "dir", event.Name, "error", err)
						}
					}
				}
				if debounce == nil {
					debounce = time.NewTimer(reloadDebounce)
					fire = debounce.C
				} else {
					debounce.Reset(reloadDebounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("skills watcher error", "error", err)
			case <-fire:
				debounce = nil
				fire = nil
				if err := m.Reload(); err != nil {
					slog.Warn("skills reload failed", "error", err)
				} else {
					slog.Info("skills reloaded", "count", len(m.Skills()))
				}
			}
		}
	}()
	return nil
}
