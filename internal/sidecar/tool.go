package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/osaproject/osa/internal/tools"
)

// PortTool exposes one sidecar method as a tool. Arguments pass through
// as JSON-RPC params; the raw result becomes the tool output.
type PortTool struct {
	port        *Port
	name        string
	description string
	method      string
	parameters  map[string]interface{}
	mutating    bool
}

func NewPortTool(port *Port, name, description, method string, parameters map[string]interface{}, mutating bool) *PortTool {
	return &PortTool{
		port:        port,
		name:        name,
		description: description,
		method:      method,
		parameters:  parameters,
		mutating:    mutating,
	}
}

func (t *PortTool) Name() string        { return t.name }
func (t *PortTool) Description() string { return t.description }
func (t *PortTool) Mutating() bool      { return t.mutating }

func (t *PortTool) Parameters() map[string]interface{} {
	if t.parameters != nil {
		return t.parameters
	}
	return map[string]interface{}{
		"type":                 "object",
		"properties":           map[string]interface{}{},
		"additionalProperties": true,
	}
}

func (t *PortTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	result, err := t.port.Call(ctx, t.method, args)
	if err != nil {
		if errors.Is(err, ErrSidecarUnavailable) {
			return tools.ErrorResult("sidecar unavailable: " + t.port.Name())
		}
		return tools.ErrorResult(err.Error())
	}

	var pretty interface{}
	if err := json.Unmarshal(result, &pretty); err == nil {
		if s, ok := pretty.(string); ok {
			return tools.NewResult(s)
		}
	}
	return tools.NewResult(string(result))
}

// toolDescriptor is one entry in a sidecar's describe response.
type toolDescriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Method      string                 `json:"method"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Mutating    bool                   `json:"mutating"`
}

// RegisterTools asks every ready port to describe its tools and registers
// them. Tool names are prefixed with the port name to avoid collisions
// with builtins. Ports that don't implement describe are skipped.
func (s *Supervisor) RegisterTools(ctx context.Context, reg *tools.Registry) {
	s.mu.RLock()
	ports := make([]*Port, 0, len(s.ports))
	for _, p := range s.ports {
		ports = append(ports, p)
	}
	s.mu.RUnlock()

	for _, port := range ports {
		if port.Mode() != ModeReady {
			continue
		}
		raw, err := port.Call(ctx, "describe", nil)
		if err != nil {
			slog.Debug("sidecar describe failed", "sidecar", port.Name(), "error", err)
			continue
		}
		var desc struct {
			Tools []toolDescriptor `json:"tools"`
		}
		if err := json.Unmarshal(raw, &desc); err != nil {
			slog.Warn("sidecar describe unparseable", "sidecar", port.Name(), "error", err)
			continue
		}
		for _, td := range desc.Tools {
			if td.Name == "" || td.Method == "" {
				continue
			}
			name := port.Name() + "_" + td.Name
			tool := NewPortTool(port, name, td.Description, td.Method, td.Parameters, td.Mutating)
			if err := reg.Register(tool); err != nil {
				slog.Warn("sidecar tool rejected", "tool", name, "error", err)
				continue
			}
			slog.Info("sidecar tool registered", "tool", name, "sidecar", port.Name())
		}
	}
}
