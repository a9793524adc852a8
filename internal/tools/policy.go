package tools

import (
	"fmt"
	"sync"
)

// PermissionMode selects how the pre-execution policy treats tool calls.
type PermissionMode string

const (
	// PermDefault allows all registered tools.
	PermDefault PermissionMode = "default"
	// PermAcceptEdits behaves like default; it exists so interactive
	// frontends can distinguish auto-approved edits.
	PermAcceptEdits PermissionMode = "accept_edits"
	// PermPlan denies every tool so the agent can only present a plan;
	// execution waits for an approved re-run.
	PermPlan PermissionMode = "plan"
	// PermBypass allows everything, including tools a hook would deny.
	PermBypass PermissionMode = "bypass"
	// PermDenyAll denies every tool call.
	PermDenyAll PermissionMode = "deny_all"
)

// ValidPermissionMode reports whether s names a known mode.
func ValidPermissionMode(s string) bool {
	switch PermissionMode(s) {
	case PermDefault, PermAcceptEdits, PermPlan, PermBypass, PermDenyAll:
		return true
	}
	return false
}

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Hook is a pre-execution check. Returning a denied decision stops the
// call; allowed decisions continue down the chain.
type Hook func(tool Tool, args map[string]interface{}) Decision

// Policy gates tool execution by permission mode plus an optional hook
// chain. Mode changes take effect for the next evaluation.
type Policy struct {
	mu    sync.RWMutex
	mode  PermissionMode
	hooks []Hook
}

func NewPolicy(mode PermissionMode) *Policy {
	if !ValidPermissionMode(string(mode)) {
		mode = PermDefault
	}
	return &Policy{mode: mode}
}

func (p *Policy) Mode() PermissionMode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mode
}

func (p *Policy) SetMode(mode PermissionMode) error {
	if !ValidPermissionMode(string(mode)) {
		return fmt.Errorf("unknown permission mode: %s", mode)
	}
	p.mu.Lock()
	p.mode = mode
	p.mu.Unlock()
	return nil
}

// AddHook appends a pre-execution hook. Hooks run in registration order.
func (p *Policy) AddHook(h Hook) {
	p.mu.Lock()
	p.hooks = append(p.hooks, h)
	p.mu.Unlock()
}

// Evaluate decides whether a tool call may run under the current mode.
func (p *Policy) Evaluate(tool Tool, args map[string]interface{}) Decision {
	return p.EvaluateAs(p.Mode(), tool, args)
}

// EvaluateAs decides under an explicit mode, ignoring the policy's own.
// Callers use it to honor an approved plan without flipping global state.
func (p *Policy) EvaluateAs(mode PermissionMode, tool Tool, args map[string]interface{}) Decision {
	p.mu.RLock()
	hooks := p.hooks
	p.mu.RUnlock()

	switch mode {
	case PermDenyAll:
		return Decision{Reason: "all tool execution is disabled"}
	case PermBypass:
		return Decision{Allowed: true}
	case PermPlan:
		return Decision{Reason: fmt.Sprintf(
			"plan mode: %s is deferred; describe the step in the plan instead", tool.Name())}
	}

	for _, h := range hooks {
		if d := h(tool, args); !d.Allowed {
			return d
		}
	}
	return Decision{Allowed: true}
}
