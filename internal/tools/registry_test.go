package tools

import (
	"context"
	"errors"
	"testing"
)

type echoTool struct {
	name     string
	desc     string
	mutating bool
	required []interface{}
}

func (t *echoTool) Name() string        { return t.name }
func (t *echoTool) Description() string { return t.desc }
func (t *echoTool) Mutating() bool      { return t.mutating }

func (t *echoTool) Parameters() map[string]interface{} {
	params := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text": map[string]interface{}{"type": "string"},
		},
	}
	if len(t.required) > 0 {
		params["required"] = t.required
	}
	return params
}

func (t *echoTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	text, _ := args["text"].(string)
	return NewResult(text)
}

type panicTool struct{}

func (t *panicTool) Name() string                           { return "boom" }
func (t *panicTool) Description() string                    { return "always panics" }
func (t *panicTool) Parameters() map[string]interface{}     { return nil }
func (t *panicTool) Execute(context.Context, map[string]interface{}) *Result {
	panic("kaboom")
}

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&echoTool{name: "echo", desc: "echoes text"}); err != nil {
		t.Fatal(err)
	}

	res := r.Execute(context.Background(), "echo", map[string]interface{}{"text": "hi"})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.ForLLM)
	}
	if res.ForLLM != "hi" {
		t.Errorf("ForLLM = %q", res.ForLLM)
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.Execute(context.Background(), "nope", nil)
	if !res.IsError {
		t.Fatal("expected error result")
	}
	if !errors.Is(res.Err, ErrUnknownTool) {
		t.Errorf("err = %v", res.Err)
	}
}

func TestRegistrySchemaValidation(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&echoTool{name: "echo", required: []interface{}{"text"}}); err != nil {
		t.Fatal(err)
	}

	// Missing required field.
	res := r.Execute(context.Background(), "echo", map[string]interface{}{})
	if !res.IsError || !errors.Is(res.Err, ErrInvalidArgs) {
		t.Errorf("missing required: IsError=%v err=%v", res.IsError, res.Err)
	}

	// Wrong type.
	res = r.Execute(context.Background(), "echo", map[string]interface{}{"text": 42.0})
	if !res.IsError || !errors.Is(res.Err, ErrInvalidArgs) {
		t.Errorf("wrong type: IsError=%v err=%v", res.IsError, res.Err)
	}

	// Valid args still pass.
	res = r.Execute(context.Background(), "echo", map[string]interface{}{"text": "ok"})
	if res.IsError {
		t.Errorf("valid args rejected: %s", res.ForLLM)
	}
}

func TestRegistryPanicRecovery(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&panicTool{}); err != nil {
		t.Fatal(err)
	}
	res := r.Execute(context.Background(), "boom", nil)
	if !res.IsError {
		t.Fatal("panic did not become an error result")
	}
}

func TestRegistryHotReplace(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&echoTool{name: "echo", desc: "v1"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&echoTool{name: "echo", desc: "v2"}); err != nil {
		t.Fatal(err)
	}

	infos := r.List()
	if len(infos) != 1 {
		t.Fatalf("len = %d, want 1", len(infos))
	}
	if infos[0].Description != "v2" {
		t.Errorf("description = %q", infos[0].Description)
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&echoTool{name: "echo"}); err != nil {
		t.Fatal(err)
	}
	r.Unregister("echo")
	if _, ok := r.Get("echo"); ok {
		t.Error("tool still present after unregister")
	}
	// Removing again is a no-op.
	r.Unregister("echo")
}

func TestRegistryDescribeAndDefinitions(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&echoTool{name: "echo", desc: "echoes", mutating: true}); err != nil {
		t.Fatal(err)
	}

	info, err := r.Describe("echo")
	if err != nil {
		t.Fatal(err)
	}
	if !info.Mutating {
		t.Error("mutating flag lost")
	}

	defs := r.Definitions()
	if len(defs) != 1 || defs[0].Function.Name != "echo" || defs[0].Type != "function" {
		t.Errorf("definitions = %+v", defs)
	}

	if _, err := r.Describe("nope"); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("describe unknown: %v", err)
	}
}
