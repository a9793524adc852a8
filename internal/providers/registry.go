package providers

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrUnknownProvider is returned for names never registered.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrNotConfigured is returned when the provider exists but has no credentials.
	ErrNotConfigured = errors.New("provider not configured")
)

// Info is the public description of one registered provider.
type Info struct {
	Name          string `json:"name"`
	DefaultModel  string `json:"default_model"`
	ContextWindow int    `json:"context_window"`
	Configured    bool   `json:"configured"`
	ToolCapable   bool   `json:"tool_capable"`
	Default       bool   `json:"default"`
}

// Registration binds a Provider to its runtime metadata.
type Registration struct {
	Provider      Provider
	ContextWindow int
	ToolCapable   bool
	Configured    bool
	// MinToolParamsB withholds tool schemas from models whose name
	// declares fewer than this many billion parameters. Zero disables
	// the gate.
	MinToolParamsB float64
}

type registrySnapshot struct {
	entries     map[string]Registration
	order       []string
	defaultName string
}

// Registry holds the active provider set. Reads take an atomic snapshot, so
// Chat routing never blocks on re-registration.
type Registry struct {
	snap atomic.Pointer[registrySnapshot]
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(&registrySnapshot{entries: map[string]Registration{}})
	return r
}

// Register installs or replaces a provider. The whole table is swapped
// atomically; in-flight lookups keep the snapshot they started with.
func (r *Registry) Register(reg Registration) {
	for {
		old := r.snap.Load()
		next := &registrySnapshot{
			entries:     make(map[string]Registration, len(old.entries)+1),
			defaultName: old.defaultName,
		}
		for _, name := range old.order {
			next.entries[name] = old.entries[name]
			next.order = append(next.order, name)
		}
		name := reg.Provider.Name()
		if _, exists := next.entries[name]; !exists {
			next.order = append(next.order, name)
		}
		next.entries[name] = reg
		if r.snap.CompareAndSwap(old, next) {
			return
		}
	}
}

// SetDefault picks the provider used when a request names none.
func (r *Registry) SetDefault(name string) error {
	for {
		old := r.snap.Load()
		if _, ok := old.entries[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
		}
		next := &registrySnapshot{entries: old.entries, order: old.order, defaultName: name}
		if r.snap.CompareAndSwap(old, next) {
			return nil
		}
	}
}

// List returns provider infos in registration order.
func (r *Registry) List() []Info {
	snap := r.snap.Load()
	infos := make([]Info, 0, len(snap.order))
	for _, name := range snap.order {
		infos = append(infos, r.info(snap, name))
	}
	return infos
}

// Describe returns the info for one provider.
func (r *Registry) Describe(name string) (Info, error) {
	snap := r.snap.Load()
	if _, ok := snap.entries[name]; !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return r.info(snap, name), nil
}

func (r *Registry) info(snap *registrySnapshot, name string) Info {
	reg := snap.entries[name]
	return Info{
		Name:          name,
		DefaultModel:  reg.Provider.DefaultModel(),
		ContextWindow: reg.ContextWindow,
		Configured:    reg.Configured,
		ToolCapable:   reg.ToolCapable,
		Default:       name == snap.defaultName,
	}
}

// Get resolves a provider by name; empty name means the default. Providers
// without credentials resolve to ErrNotConfigured.
func (r *Registry) Get(name string) (Registration, error) {
	snap := r.snap.Load()
	if name == "" {
		name = snap.defaultName
	}
	reg, ok := snap.entries[name]
	if !ok {
		return Registration{}, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	if !reg.Configured {
		return Registration{}, fmt.Errorf("%w: %s", ErrNotConfigured, name)
	}
	return reg, nil
}

// Configured reports whether at least one registered provider has credentials.
func (r *Registry) Configured() bool {
	snap := r.snap.Load()
	for _, reg := range snap.entries {
		if reg.Configured {
			return true
		}
	}
	return false
}

// Chat routes a request to the named (or default) provider.
func (r *Registry) Chat(ctx context.Context, name string, req ChatRequest) (*ChatResponse, error) {
	reg, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return reg.Provider.Chat(ctx, req)
}

// ChatStream routes a streaming request to the named (or default) provider.
func (r *Registry) ChatStream(ctx context.Context, name string, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	reg, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return reg.Provider.ChatStream(ctx, req, onChunk)
}
