package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/osaproject/osa/internal/providers"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	// ErrUnknownTool is returned when executing or describing a name that
	// was never registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArgs is returned when arguments fail schema validation.
	ErrInvalidArgs = errors.New("invalid tool arguments")
)

// Info is the public description of one registered tool.
type Info struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
	Mutating    bool                   `json:"mutating"`
}

type toolEntry struct {
	tool   Tool
	schema *jsonschema.Schema // nil when the tool declares no parameters
}

type toolTable struct {
	entries map[string]*toolEntry
	order   []string
}

// Registry holds the active tool set. The table is swapped atomically on
// registration, so skill hot-reload never blocks a running agent turn.
type Registry struct {
	table          atomic.Pointer[toolTable]
	defaultTimeout time.Duration
}

func NewRegistry() *Registry {
	r := &Registry{defaultTimeout: 60 * time.Second}
	r.table.Store(&toolTable{entries: map[string]*toolEntry{}})
	return r
}

// SetDefaultTimeout changes the per-execution timeout applied when the
// caller's context carries no deadline.
func (r *Registry) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		r.defaultTimeout = d
	}
}

// Register installs a tool, replacing any previous registration under the
// same name. The parameter schema is compiled once here; a tool with a
// malformed schema is rejected rather than failing at call time.
func (r *Registry) Register(t Tool) error {
	entry := &toolEntry{tool: t}

	if params := t.Parameters(); len(params) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("tool.json", params); err != nil {
			return fmt.Errorf("tool %s: add schema: %w", t.Name(), err)
		}
		schema, err := compiler.Compile("tool.json")
		if err != nil {
			return fmt.Errorf("tool %s: compile schema: %w", t.Name(), err)
		}
		entry.schema = schema
	}

	for {
		old := r.table.Load()
		next := &toolTable{entries: make(map[string]*toolEntry, len(old.entries)+1)}
		for _, name := range old.order {
			next.entries[name] = old.entries[name]
			next.order = append(next.order, name)
		}
		name := t.Name()
		if _, exists := next.entries[name]; !exists {
			next.order = append(next.order, name)
		}
		next.entries[name] = entry
		if r.table.CompareAndSwap(old, next) {
			return nil
		}
	}
}

// Unregister removes a tool. Removing an unknown name is a no-op.
func (r *Registry) Unregister(name string) {
	for {
		old := r.table.Load()
		if _, ok := old.entries[name]; !ok {
			return
		}
		next := &toolTable{entries: make(map[string]*toolEntry, len(old.entries))}
		for _, n := range old.order {
			if n == name {
				continue
			}
			next.entries[n] = old.entries[n]
			next.order = append(next.order, n)
		}
		if r.table.CompareAndSwap(old, next) {
			return
		}
	}
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	entry, ok := r.table.Load().entries[name]
	if !ok {
		return nil, false
	}
	return entry.tool, true
}

// List returns tool infos in registration order.
func (r *Registry) List() []Info {
	t := r.table.Load()
	infos := make([]Info, 0, len(t.order))
	for _, name := range t.order {
		infos = append(infos, describeEntry(t.entries[name]))
	}
	return infos
}

// Describe returns the info for one tool.
func (r *Registry) Describe(name string) (Info, error) {
	entry, ok := r.table.Load().entries[name]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return describeEntry(entry), nil
}

func describeEntry(e *toolEntry) Info {
	return Info{
		Name:        e.tool.Name(),
		Description: e.tool.Description(),
		Parameters:  e.tool.Parameters(),
		Mutating:    IsMutating(e.tool),
	}
}

// Definitions returns all tools in provider wire format, for inclusion in a
// chat request.
func (r *Registry) Definitions() []providers.ToolDefinition {
	t := r.table.Load()
	defs := make([]providers.ToolDefinition, 0, len(t.order))
	for _, name := range t.order {
		defs = append(defs, Definition(t.entries[name].tool))
	}
	return defs
}

// Execute validates args against the tool's schema and runs it under the
// default timeout. Validation failures and panics come back as error
// results, never as crashes of the calling loop.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	entry, ok := r.table.Load().entries[name]
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name)).WithError(ErrUnknownTool)
	}

	if entry.schema != nil {
		// The validator wants generic JSON values; args already are.
		if err := entry.schema.Validate(normalizeArgs(args)); err != nil {
			return ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", name, err)).
				WithError(fmt.Errorf("%w: %v", ErrInvalidArgs, err))
		}
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.defaultTimeout)
		defer cancel()
	}

	return safeExecute(ctx, entry.tool, args)
}

func safeExecute(ctx context.Context, t Tool, args map[string]interface{}) (result *Result) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panicked", "tool", t.Name(), "panic", rec)
			result = ErrorResult(fmt.Sprintf("tool %s crashed: %v", t.Name(), rec))
		}
	}()
	result = t.Execute(ctx, args)
	if result == nil {
		result = ErrorResult(fmt.Sprintf("tool %s returned no result", t.Name()))
	}
	return result
}

// normalizeArgs converts nil maps to an empty object so required-property
// checks report missing fields instead of type errors.
func normalizeArgs(args map[string]interface{}) interface{} {
	if args == nil {
		return map[string]interface{}{}
	}
	return args
}
