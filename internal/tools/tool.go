package tools

import (
	"context"

	"github.com/osaproject/osa/internal/providers"
)

// Tool is the contract every executable tool implements.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON Schema describing the arguments.
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Mutating is implemented by tools whose execution changes external state.
// The permission policy treats non-implementers as read-only.
type Mutating interface {
	Mutating() bool
}

// IsMutating reports whether a tool declares itself state-changing.
func IsMutating(t Tool) bool {
	if m, ok := t.(Mutating); ok {
		return m.Mutating()
	}
	return false
}

// Definition converts a tool to the provider wire format.
func Definition(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}
